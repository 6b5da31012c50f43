// Package retry holds the bounded retry helpers shared by the health tasks.
// Every wait goes through a clock.Clock so callers never block in an
// unbounded loop.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
)

// ErrConditionNotMet is returned by Poll when the attempts run out.
var ErrConditionNotMet = errors.New("condition not met")

// Policy describes a bounded exponential backoff.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Factor   float64
}

// Delays returns the waits that Do performs between attempts.
func (p Policy) Delays() []time.Duration {
	if p.Attempts <= 1 {
		return nil
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	out := make([]time.Duration, 0, p.Attempts-1)
	d := p.Delay
	for i := 0; i < p.Attempts-1; i++ {
		out = append(out, d)
		d = time.Duration(float64(d) * factor)
	}
	return out
}

// Do calls fn until it succeeds or the policy is exhausted, returning the
// last error.
func Do(ctx context.Context, clk clock.Clock, p Policy, name string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delays := p.Delays()

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		log.Warn().Err(err).Str("op", name).Int("attempt", i+1).Dur("backoff", delays[i]).Msg("attempt failed, retrying")
		if serr := clk.Sleep(ctx, delays[i]); serr != nil {
			return errors.Wrapf(err, "%s interrupted", name)
		}
	}
	return errors.Wrapf(err, "%s failed after %d attempts", name, attempts)
}

// Poll evaluates cond up to attempts times, sleeping interval between
// evaluations, and returns nil as soon as it reports true.
func Poll(ctx context.Context, clk clock.Clock, attempts int, interval time.Duration, cond func(ctx context.Context) bool) error {
	for i := 0; i < attempts; i++ {
		if cond(ctx) {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if err := clk.Sleep(ctx, interval); err != nil {
			return err
		}
	}
	return ErrConditionNotMet
}
