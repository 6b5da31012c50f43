package bus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
	"github.com/ebobo/modem_health_go/pkg/retry"
)

// systemd1 names
const (
	SystemdService = "org.freedesktop.systemd1"
	SystemdPath    = "/org/freedesktop/systemd1"
	SystemdManager = "org.freedesktop.systemd1.Manager"
	SystemdUnit    = "org.freedesktop.systemd1.Unit"

	SubStateRunning = "running"
	SubStateDead    = "dead"
)

// ServiceManager starts, stops and restarts units through systemd.
type ServiceManager struct {
	proxy        *Proxy
	clock        clock.Clock
	pollAttempts int
	pollInterval time.Duration
}

// NewServiceManager returns a client that waits up to
// pollAttempts*pollInterval for a unit to reach a sub-state.
func NewServiceManager(proxy *Proxy, clk clock.Clock) *ServiceManager {
	return &ServiceManager{
		proxy:        proxy,
		clock:        clk,
		pollAttempts: 30,
		pollInterval: time.Second,
	}
}

var manager = Handle{Service: SystemdService, Path: SystemdPath}

// Start starts unit.
func (s *ServiceManager) Start(ctx context.Context, unit string) error {
	_, err := s.proxy.Call(ctx, manager, SystemdManager+".StartUnit", unit, "replace")
	return err
}

// Stop stops unit.
func (s *ServiceManager) Stop(ctx context.Context, unit string) error {
	_, err := s.proxy.Call(ctx, manager, SystemdManager+".StopUnit", unit, "replace")
	return err
}

// Restart restarts unit, starting it if it was not running.
func (s *ServiceManager) Restart(ctx context.Context, unit string) error {
	_, err := s.proxy.Call(ctx, manager, SystemdManager+".RestartUnit", unit, "replace")
	return err
}

// SubState returns the unit's sub-state, e.g. "running" or "dead".
func (s *ServiceManager) SubState(ctx context.Context, unit string) (string, error) {
	out, err := s.proxy.Call(ctx, manager, SystemdManager+".LoadUnit", unit)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", errors.Errorf("no object path returned for unit %s", unit)
	}
	path, ok := out[0].(string)
	if !ok {
		return "", errors.Errorf("unexpected object path %T for unit %s", out[0], unit)
	}
	return s.proxy.GetString(ctx, Handle{Service: SystemdService, Path: path}, SystemdUnit, "SubState")
}

// WaitSubState polls until unit reports want or the poll budget runs out.
func (s *ServiceManager) WaitSubState(ctx context.Context, unit, want string) error {
	var last string
	err := retry.Poll(ctx, s.clock, s.pollAttempts, s.pollInterval, func(ctx context.Context) bool {
		state, err := s.SubState(ctx, unit)
		if err != nil {
			log.Debug().Err(err).Str("unit", unit).Msg("sub-state unavailable")
			return false
		}
		last = state
		return state == want
	})
	if err != nil {
		return errors.Wrapf(err, "unit %s stuck in %q waiting for %q", unit, last, want)
	}
	return nil
}

// StopAndWait stops unit and waits for it to be dead.
func (s *ServiceManager) StopAndWait(ctx context.Context, unit string) error {
	if err := s.Stop(ctx, unit); err != nil {
		return err
	}
	return s.WaitSubState(ctx, unit, SubStateDead)
}

// StartAndWait starts unit and waits for it to be running.
func (s *ServiceManager) StartAndWait(ctx context.Context, unit string) error {
	if err := s.Start(ctx, unit); err != nil {
		return err
	}
	return s.WaitSubState(ctx, unit, SubStateRunning)
}

// Reboot asks systemd for an immediate reboot without stopping units.
func (s *ServiceManager) Reboot(ctx context.Context) error {
	_, err := s.proxy.Call(ctx, manager, SystemdManager+".Reboot")
	return err
}
