// Package agent bundles the health tasks and runs them on a fixed schedule.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
	"github.com/ebobo/modem_health_go/pkg/events"
	"github.com/ebobo/modem_health_go/pkg/firmware"
	"github.com/ebobo/modem_health_go/pkg/model"
	"github.com/ebobo/modem_health_go/pkg/netwatch"
)

const (
	DefaultFirmwareInterval  = 6 * time.Hour
	DefaultWatchdogInterval  = 5 * time.Minute
	DefaultHeartbeatInterval = time.Hour
)

// HealthChecker runs one modem health cycle.
type HealthChecker interface {
	EnsureHealth(ctx context.Context) error
}

// NetworkChecker runs one watchdog cycle.
type NetworkChecker interface {
	Check(ctx context.Context) netwatch.State
	Current() netwatch.State
}

// EventStreamer queues and delivers events.
type EventStreamer interface {
	Stream(ctx context.Context, kind string, fields map[string]interface{}) error
	Drain(ctx context.Context) (int, error)
	Queued() int
}

type Config struct {
	Serial            string
	FirmwareInterval  time.Duration
	WatchdogInterval  time.Duration
	HeartbeatInterval time.Duration
}

type Agent struct {
	cfg      Config
	health   HealthChecker
	watchdog NetworkChecker
	events   EventStreamer
	locator  firmware.Locator
	clock    clock.Clock

	started time.Time

	mu            sync.RWMutex
	lastHealth    time.Time
	lastHealthErr string
	modem         *model.ModemStatus
}

func New(cfg Config, health HealthChecker, watchdog NetworkChecker, streamer EventStreamer, locator firmware.Locator, clk clock.Clock) *Agent {
	if cfg.FirmwareInterval == 0 {
		cfg.FirmwareInterval = DefaultFirmwareInterval
	}
	if cfg.WatchdogInterval == 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Agent{
		cfg:      cfg,
		health:   health,
		watchdog: watchdog,
		events:   streamer,
		locator:  locator,
		clock:    clk,
		started:  clk.Now(),
	}
}

// Run blocks running the periodic tasks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	log.Info().
		Dur("watchdog", a.cfg.WatchdogInterval).
		Dur("firmware", a.cfg.FirmwareInterval).
		Dur("heartbeat", a.cfg.HeartbeatInterval).
		Msg("agent running")

	s := NewScheduler(a.clock,
		Task{Name: "watchdog", Every: a.cfg.WatchdogInterval, Run: a.checkNetwork},
		Task{Name: "firmware", Every: a.cfg.FirmwareInterval, Run: a.checkModem},
		Task{Name: "heartbeat", Every: a.cfg.HeartbeatInterval, Run: a.heartbeat},
	)
	err := s.Run(ctx)
	log.Info().Msg("agent stopped")
	return err
}

// checkNetwork also uploads whatever other processes queued since the last
// drain, as long as the internet is up.
func (a *Agent) checkNetwork(ctx context.Context) {
	if a.watchdog.Check(ctx) != netwatch.StateInternetConnected || a.events.Queued() == 0 {
		return
	}
	if n, err := a.events.Drain(ctx); err != nil {
		log.Debug().Err(err).Int("sent", n).Msg("drain stopped, events stay queued")
	}
}

func (a *Agent) checkModem(ctx context.Context) {
	err := a.health.EnsureHealth(ctx)

	a.mu.Lock()
	a.lastHealth = a.clock.Now()
	a.lastHealthErr = ""
	if err != nil {
		a.lastHealthErr = err.Error()
	}
	a.mu.Unlock()

	a.refreshModem(ctx)
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.events.Stream(ctx, events.TypeHeartbeat, map[string]interface{}{
		"network_state": string(a.watchdog.Current()),
		"uptime_s":      int64(a.clock.Now().Sub(a.started).Seconds()),
		"queued":        a.events.Queued(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to queue heartbeat")
	}
}

// refreshModem caches a reading of the modem so status requests never
// touch the bus.
func (a *Agent) refreshModem(ctx context.Context) {
	modem, err := a.locator.Locate(ctx)
	if modem == nil {
		if err != nil {
			log.Debug().Err(err).Msg("failed to locate modem for status")
		}
		a.mu.Lock()
		a.modem = nil
		a.mu.Unlock()
		return
	}

	st := &model.ModemStatus{ReadAt: a.clock.Now().Unix()}
	reads := []struct {
		name string
		dst  *string
		read func(context.Context) (string, error)
	}{
		{"revision", &st.Revision, modem.Revision},
		{"firmware", &st.Firmware, modem.FirmwareVersion},
		{"ue_mode", &st.UEMode, modem.UEMode},
		{"service_domain", &st.ServiceDomain, modem.ServiceDomain},
		{"sim_operator", &st.SIMOperator, modem.SimOperator},
	}
	for _, r := range reads {
		v, err := r.read(ctx)
		if err != nil {
			log.Debug().Err(err).Str("field", r.name).Msg("failed to read modem status")
			continue
		}
		*r.dst = v
	}

	a.mu.Lock()
	a.modem = st
	a.mu.Unlock()
}

// NetworkChanged streams a network state transition.
func (a *Agent) NetworkChanged(from, to netwatch.State) {
	err := a.events.Stream(context.Background(), events.TypeNetworkState, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to queue network event")
	}
}

// ModemChanged streams the outcome of a firmware or settings change.
func (a *Agent) ModemChanged(o firmware.Outcome) {
	err := a.events.Stream(context.Background(), events.TypeModemChange, map[string]interface{}{
		"action": o.Action,
		"target": o.Target,
		"state":  string(o.State),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to queue modem event")
	}
}

// Status is a snapshot for the REST surface.
func (a *Agent) Status() model.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := model.Status{
		Serial:          a.cfg.Serial,
		StartedAt:       a.started.Unix(),
		NetworkState:    string(a.watchdog.Current()),
		QueuedEvents:    a.events.Queued(),
		LastHealthError: a.lastHealthErr,
	}
	if !a.lastHealth.IsZero() {
		st.LastHealthCheck = a.lastHealth.Unix()
	}
	if a.modem != nil {
		m := *a.modem
		st.Modem = &m
	}
	return st
}
