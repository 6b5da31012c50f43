// Package netwatch tracks whether the device can reach its gateway and the
// internet, and escalates from a network-manager restart to a reboot when it
// cannot.
package netwatch

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"
)

type State string

const (
	StateUnknown           State = "unknown"
	StateDisconnected      State = "disconnected"
	StateLocalOnly         State = "local_only"
	StateInternetConnected State = "internet_connected"
)

// Compute derives the state from the two checks. Internet reachability
// implies local reachability, so a gateway that drops pings does not hide
// a working uplink.
func Compute(local, internet bool) State {
	switch {
	case internet:
		return StateInternetConnected
	case local:
		return StateLocalOnly
	default:
		return StateDisconnected
	}
}

// DefaultInternetHost is the external host probed for internet reachability.
const DefaultInternetHost = "8.8.8.8"

// Checker is the single reachability primitive shared by the watchdog and
// the firmware manager.
type Checker struct {
	Prober       Prober
	InternetHost string
	// Gateway resolves the local gateway. Defaults to DefaultGateway.
	Gateway func() (net.IP, error)
}

func NewChecker(p Prober, internetHost string) *Checker {
	if internetHost == "" {
		internetHost = DefaultInternetHost
	}
	return &Checker{Prober: p, InternetHost: internetHost, Gateway: DefaultGateway}
}

func (c *Checker) InternetReachable(ctx context.Context) bool {
	return c.Prober.Reachable(ctx, c.InternetHost)
}

func (c *Checker) LocalReachable(ctx context.Context) bool {
	gateway := c.Gateway
	if gateway == nil {
		gateway = DefaultGateway
	}
	gw, err := gateway()
	if err != nil {
		log.Debug().Err(err).Msg("no gateway to probe")
		return false
	}
	return c.Prober.Reachable(ctx, gw.String())
}

// State probes both targets. The gateway is only probed when the internet
// does not answer.
func (c *Checker) State(ctx context.Context) State {
	if c.InternetReachable(ctx) {
		return StateInternetConnected
	}
	return Compute(c.LocalReachable(ctx), false)
}
