package bus

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ModemManager1 names
const (
	ModemManagerService = "org.freedesktop.ModemManager1"
	ModemManagerIface   = "org.freedesktop.ModemManager1"
	ModemIface          = "org.freedesktop.ModemManager1.Modem"
	SimIface            = "org.freedesktop.ModemManager1.Sim"

	ModemPathPrefix = "/org/freedesktop/ModemManager1/Modem/"
)

// ModemManager1.Modem properties
const (
	ModemPropertyManufacturer = "Manufacturer"
	ModemPropertyModel        = "Model"
	ModemPropertyRevision     = "Revision"
	ModemPropertySim          = "Sim"
	ModemPropertyState        = "State"

	SimPropertyOperatorIdentifier = "OperatorIdentifier"
)

// MaxCommandTimeout is the longest AT command timeout the agent encodes.
const MaxCommandTimeout = 2000 * time.Millisecond

// UE mode of operation (AT+CEMODE).
const (
	UEModeDataOnly  = "0" // PS mode 2
	UEModeVoiceData = "2" // CS/PS mode 2
)

// Service domain (AT+QCFG="servicedomain").
const (
	ServiceDomainCS   = "0"
	ServiceDomainPS   = "1"
	ServiceDomainCSPS = "2"
)

// ModemManager enumerates the modems ModemManager has attached.
type ModemManager struct {
	proxy *Proxy
}

func NewModemManager(proxy *Proxy) *ModemManager {
	return &ModemManager{proxy: proxy}
}

// ListModems returns every attached modem. An error means ModemManager
// itself did not answer.
func (mm *ModemManager) ListModems(ctx context.Context) ([]*Modem, error) {
	handles, err := mm.proxy.Discover(ctx, ModemManagerService, ModemPathPrefix)
	if err != nil {
		return nil, err
	}
	modems := make([]*Modem, len(handles))
	for i, h := range handles {
		modems[i] = &Modem{proxy: mm.proxy, Handle: h}
	}
	return modems, nil
}

// FindModem returns the first modem whose Modem properties match desired,
// or nil when none does.
func (mm *ModemManager) FindModem(ctx context.Context, desired map[string][]string) (*Modem, error) {
	h, err := mm.proxy.FindByProperties(ctx, ModemManagerService, ModemPathPrefix, ModemIface, desired)
	if err != nil || h == nil {
		return nil, err
	}
	return &Modem{proxy: mm.proxy, Handle: *h}, nil
}

// Modem is one attached modem.
type Modem struct {
	proxy  *Proxy
	Handle Handle
}

// NewModem binds a handle discovered elsewhere.
func NewModem(proxy *Proxy, h Handle) *Modem {
	return &Modem{proxy: proxy, Handle: h}
}

// Command sends an AT command through ModemManager. The timeout is encoded
// in milliseconds and capped at MaxCommandTimeout.
func (m *Modem) Command(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 || timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}
	// the bus call itself gets the proxy bound on top of the modem's own
	out, err := m.proxy.CallTimeout(ctx, m.Handle, ModemIface+".Command", timeout+m.proxy.Timeout(), cmd, uint32(timeout.Milliseconds()))
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	resp, _ := out[0].(string)
	if strings.Contains(resp, "ERROR") {
		return "", &RemoteCallError{Name: "at-command", Text: strings.TrimSpace(resp)}
	}
	return resp, nil
}

// UEMode reads the UE mode of operation.
func (m *Modem) UEMode(ctx context.Context) (string, error) {
	resp, err := m.Command(ctx, "AT+CEMODE?", MaxCommandTimeout)
	if err != nil {
		return "", err
	}
	return responseValue(resp, "+CEMODE:")
}

// SetUEMode writes the UE mode of operation.
func (m *Modem) SetUEMode(ctx context.Context, mode string) error {
	_, err := m.Command(ctx, "AT+CEMODE="+mode, MaxCommandTimeout)
	return err
}

// ServiceDomain reads the circuit/packet switched preference.
func (m *Modem) ServiceDomain(ctx context.Context) (string, error) {
	resp, err := m.Command(ctx, `AT+QCFG="servicedomain"`, MaxCommandTimeout)
	if err != nil {
		return "", err
	}
	return responseValue(resp, "+QCFG:")
}

// SetServiceDomain writes the circuit/packet switched preference.
func (m *Modem) SetServiceDomain(ctx context.Context, domain string) error {
	_, err := m.Command(ctx, `AT+QCFG="servicedomain",`+domain, MaxCommandTimeout)
	return err
}

// FirmwareVersion returns the full firmware version string.
func (m *Modem) FirmwareVersion(ctx context.Context) (string, error) {
	resp, err := m.Command(ctx, "AT+QGMR", MaxCommandTimeout)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "OK" {
			return line, nil
		}
	}
	return "", errors.Wrap(ErrPropertyNotFound, "empty firmware version response")
}

// Revision returns the revision string ModemManager reports.
func (m *Modem) Revision(ctx context.Context) (string, error) {
	return m.proxy.GetString(ctx, m.Handle, ModemIface, ModemPropertyRevision)
}

// Reset performs a full functionality reset; the modem drops off the bus
// and comes back under a new object path.
func (m *Modem) Reset(ctx context.Context) error {
	_, err := m.Command(ctx, "AT+CFUN=1,1", MaxCommandTimeout)
	return err
}

// SimOperator returns the MCC/MNC of the inserted SIM, or "" when no SIM
// is present.
func (m *Modem) SimOperator(ctx context.Context) (string, error) {
	v, err := m.proxy.GetProperty(ctx, m.Handle, ModemIface, ModemPropertySim)
	if err != nil {
		return "", err
	}
	path, _ := v.(string)
	if path == "" || path == "/" {
		return "", nil
	}
	return m.proxy.GetString(ctx, Handle{Service: m.Handle.Service, Path: path}, SimIface, SimPropertyOperatorIdentifier)
}

// responseValue extracts the last comma separated field after prefix, e.g.
// `+QCFG: "servicedomain",1` -> "1".
func responseValue(resp, prefix string) (string, error) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Split(strings.TrimPrefix(line, prefix), ",")
		return strings.Trim(strings.TrimSpace(fields[len(fields)-1]), `"`), nil
	}
	return "", errors.Wrapf(ErrPropertyNotFound, "no %s in response %q", prefix, resp)
}
