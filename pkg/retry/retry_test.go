package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/modem_health_go/pkg/clock"
)

func TestPolicyDelays(t *testing.T) {
	p := Policy{Attempts: 4, Delay: 5 * time.Second, Factor: 2}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, p.Delays())
	assert.Nil(t, Policy{Attempts: 1, Delay: time.Second}.Delays())
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	err := Do(context.Background(), clk, Policy{Attempts: 3, Delay: time.Second, Factor: 2}, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestDoGivesUp(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sentinel := errors.New("always")
	calls := 0
	err := Do(context.Background(), clk, Policy{Attempts: 2, Delay: time.Second}, "op", func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	assert.Equal(t, 2, calls)
	assert.Len(t, clk.Sleeps(), 1)
}

func TestPoll(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	n := 0
	err := Poll(context.Background(), clk, 5, time.Second, func(ctx context.Context) bool {
		n++
		return n == 3
	})
	require.NoError(t, err)
	assert.Len(t, clk.Sleeps(), 2)

	err = Poll(context.Background(), clk, 2, time.Second, func(ctx context.Context) bool { return false })
	assert.Equal(t, ErrConditionNotMet, err)
}
