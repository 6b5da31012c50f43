package netwatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
)

const (
	DefaultNetworkUnit    = "NetworkManager.service"
	DefaultRebootCooldown = 24 * time.Hour
	DefaultRestartSettle  = 30 * time.Second
)

// StateProber computes the current network state.
type StateProber interface {
	State(ctx context.Context) State
}

// Remediator restarts units and reboots the device.
type Remediator interface {
	Restart(ctx context.Context, unit string) error
	Reboot(ctx context.Context) error
}

type Watchdog struct {
	probe    StateProber
	services Remediator
	reboots  *RebootLog
	clock    clock.Clock

	Unit          string
	Cooldown      time.Duration
	RestartSettle time.Duration

	// OnTransition, when set, is told about every change of state.
	OnTransition func(from, to State)

	mu    sync.Mutex
	state State
}

func NewWatchdog(probe StateProber, services Remediator, reboots *RebootLog, clk clock.Clock) *Watchdog {
	return &Watchdog{
		probe:         probe,
		services:      services,
		reboots:       reboots,
		clock:         clk,
		Unit:          DefaultNetworkUnit,
		Cooldown:      DefaultRebootCooldown,
		RestartSettle: DefaultRestartSettle,
		state:         StateUnknown,
	}
}

// Current returns the state computed by the last Check.
func (w *Watchdog) Current() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Check probes the network once. Entering Disconnected restarts the
// network manager; still being disconnected afterwards reboots the device
// unless it already rebooted within the cooldown.
func (w *Watchdog) Check(ctx context.Context) State {
	state, prev := w.set(w.probe.State(ctx))
	if state != StateDisconnected || prev == StateDisconnected {
		return state
	}

	log.Warn().Str("from", string(prev)).Str("unit", w.Unit).Msg("network lost, restarting network manager")
	if err := w.services.Restart(ctx, w.Unit); err != nil {
		log.Error().Err(err).Str("unit", w.Unit).Msg("failed to restart network manager")
	}
	if err := w.clock.Sleep(ctx, w.RestartSettle); err != nil {
		return state
	}
	state, _ = w.set(w.probe.State(ctx))
	if state != StateDisconnected {
		log.Info().Str("state", string(state)).Msg("network recovered after restart")
		return state
	}

	w.rebootUnlessRecent(ctx)
	return state
}

func (w *Watchdog) rebootUnlessRecent(ctx context.Context) {
	now := w.clock.Now()
	last, ok, err := w.reboots.Last()
	if err != nil {
		log.Error().Err(err).Msg("failed to read reboot log, not rebooting")
		return
	}
	if ok && now.Sub(last) < w.Cooldown {
		log.Warn().Time("last_reboot", last).Dur("cooldown", w.Cooldown).Msg("still disconnected, reboot suppressed")
		return
	}
	if err := w.reboots.Record(now); err != nil {
		log.Error().Err(err).Msg("failed to record reboot, not rebooting")
		return
	}
	log.Warn().Msg("still disconnected, rebooting")
	if err := w.services.Reboot(ctx); err != nil {
		log.Error().Err(err).Msg("failed to reboot")
	}
}

// set stores s and returns it along with the state it replaced.
func (w *Watchdog) set(s State) (State, State) {
	w.mu.Lock()
	from := w.state
	w.state = s
	w.mu.Unlock()
	if s == from {
		return s, from
	}
	log.Info().Str("from", string(from)).Str("to", string(s)).Msg("network state changed")
	if w.OnTransition != nil {
		w.OnTransition(from, s)
	}
	return s, from
}
