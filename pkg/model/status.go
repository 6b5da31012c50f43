package model

// ModemStatus is the last reading taken from the managed modem.
type ModemStatus struct {
	Revision      string `json:"revision"`
	Firmware      string `json:"firmware"`
	UEMode        string `json:"ue_mode"`
	ServiceDomain string `json:"service_domain"`
	SIMOperator   string `json:"sim_operator"`
	ReadAt        int64  `json:"read_at"`
}

// Status is the agent's view of the device, served on /api/v1/status.
type Status struct {
	Serial          string       `json:"serial"`
	StartedAt       int64        `json:"started_at"`
	NetworkState    string       `json:"network_state"`
	QueuedEvents    int          `json:"queued_events"`
	LastHealthCheck int64        `json:"last_health_check"`
	LastHealthError string       `json:"last_health_error,omitempty"`
	Modem           *ModemStatus `json:"modem,omitempty"`
}

// Counter is one persisted retry counter.
type Counter struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
}
