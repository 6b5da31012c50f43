package agent

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/modem_health_go/pkg/clock"
	"github.com/ebobo/modem_health_go/pkg/events"
	"github.com/ebobo/modem_health_go/pkg/firmware"
	"github.com/ebobo/modem_health_go/pkg/netwatch"
)

func TestSchedulerOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran []string
	var at []time.Duration
	as := 0
	s := NewScheduler(clk,
		Task{Name: "a", Every: 10 * time.Second, Run: func(ctx context.Context) {
			ran = append(ran, "a")
			at = append(at, clk.Now().Sub(time.Unix(0, 0)))
			if as++; as == 6 {
				cancel()
			}
		}},
		Task{Name: "b", Every: 25 * time.Second, Run: func(ctx context.Context) {
			ran = append(ran, "b")
			at = append(at, clk.Now().Sub(time.Unix(0, 0)))
		}},
		Task{Name: "never", Run: func(ctx context.Context) { t.Fatal("unscheduled task ran") }},
	)

	err := s.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"a", "b", "a", "a", "b", "a", "a", "a"}, ran)
	assert.Equal(t, []time.Duration{0, 0, 10 * time.Second, 20 * time.Second, 25 * time.Second, 30 * time.Second, 40 * time.Second, 50 * time.Second}, at)
}

func TestSchedulerOverrunDoesNotBurst(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts []time.Time
	s := NewScheduler(clk, Task{Name: "slow", Every: time.Second, Run: func(ctx context.Context) {
		starts = append(starts, clk.Now())
		clk.Advance(5 * time.Second)
		if len(starts) == 3 {
			cancel()
		}
	}})
	s.Run(ctx)
	require.Len(t, starts, 3)
	assert.Equal(t, 5*time.Second, starts[1].Sub(starts[0]))
	assert.Equal(t, 5*time.Second, starts[2].Sub(starts[1]))
}

type fakeHealth struct {
	runs int
	err  error
}

func (h *fakeHealth) EnsureHealth(ctx context.Context) error {
	h.runs++
	return h.err
}

type fakeNetwork struct {
	state netwatch.State
}

func (n *fakeNetwork) Check(ctx context.Context) netwatch.State { return n.state }
func (n *fakeNetwork) Current() netwatch.State                  { return n.state }

type streamed struct {
	kind   string
	fields map[string]interface{}
}

type fakeStreamer struct {
	got    []streamed
	drains int
}

func (s *fakeStreamer) Stream(ctx context.Context, kind string, fields map[string]interface{}) error {
	s.got = append(s.got, streamed{kind, fields})
	return nil
}

func (s *fakeStreamer) Drain(ctx context.Context) (int, error) {
	s.drains++
	return 3, nil
}

func (s *fakeStreamer) Queued() int { return 3 }

type stubModem struct{}

func (stubModem) UEMode(ctx context.Context) (string, error)           { return "0", nil }
func (stubModem) SetUEMode(ctx context.Context, mode string) error     { return nil }
func (stubModem) ServiceDomain(ctx context.Context) (string, error)    { return "1", nil }
func (stubModem) SetServiceDomain(ctx context.Context, d string) error { return nil }
func (stubModem) FirmwareVersion(ctx context.Context) (string, error)  { return "FW1", nil }
func (stubModem) Revision(ctx context.Context) (string, error)         { return "REV", nil }
func (stubModem) Reset(ctx context.Context) error                      { return nil }
func (stubModem) SimOperator(ctx context.Context) (string, error)      { return "", errors.New("no sim") }

type stubLocator struct{ modem firmware.Modem }

func (l stubLocator) Ping(ctx context.Context) error { return nil }
func (l stubLocator) Locate(ctx context.Context) (firmware.Modem, error) {
	return l.modem, nil
}

func TestAgentStatus(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	health := &fakeHealth{err: errors.New("context canceled")}
	streamer := &fakeStreamer{}
	a := New(Config{Serial: "GW-7"}, health, &fakeNetwork{state: netwatch.StateLocalOnly}, streamer, stubLocator{modem: stubModem{}}, clk)

	st := a.Status()
	assert.Equal(t, "GW-7", st.Serial)
	assert.Equal(t, int64(1000), st.StartedAt)
	assert.Equal(t, "local_only", st.NetworkState)
	assert.Equal(t, 3, st.QueuedEvents)
	assert.Zero(t, st.LastHealthCheck)
	assert.Nil(t, st.Modem)

	clk.Advance(time.Minute)
	a.checkModem(context.Background())
	st = a.Status()
	assert.Equal(t, 1, health.runs)
	assert.Equal(t, int64(1060), st.LastHealthCheck)
	assert.Equal(t, "context canceled", st.LastHealthError)
	require.NotNil(t, st.Modem)
	assert.Equal(t, "REV", st.Modem.Revision)
	assert.Equal(t, "FW1", st.Modem.Firmware)
	assert.Equal(t, "0", st.Modem.UEMode)
	assert.Equal(t, "1", st.Modem.ServiceDomain)
	assert.Equal(t, "", st.Modem.SIMOperator)

	a.locator = stubLocator{}
	a.checkModem(context.Background())
	assert.Nil(t, a.Status().Modem)
}

func TestAgentEvents(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	streamer := &fakeStreamer{}
	a := New(Config{}, &fakeHealth{}, &fakeNetwork{state: netwatch.StateInternetConnected}, streamer, stubLocator{}, clk)

	clk.Advance(90 * time.Second)
	a.heartbeat(context.Background())
	a.NetworkChanged(netwatch.StateInternetConnected, netwatch.StateDisconnected)
	a.ModemChanged(firmware.Outcome{Action: "ue_mode", Target: "0", State: firmware.StateRolledBack})

	require.Len(t, streamer.got, 3)
	assert.Equal(t, events.TypeHeartbeat, streamer.got[0].kind)
	assert.Equal(t, int64(90), streamer.got[0].fields["uptime_s"])
	assert.Equal(t, "internet_connected", streamer.got[0].fields["network_state"])
	assert.Equal(t, events.TypeNetworkState, streamer.got[1].kind)
	assert.Equal(t, "disconnected", streamer.got[1].fields["to"])
	assert.Equal(t, events.TypeModemChange, streamer.got[2].kind)
	assert.Equal(t, "rolled_back", streamer.got[2].fields["state"])
}

func TestNetworkCheckDrainsQueuedEvents(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	streamer := &fakeStreamer{}
	network := &fakeNetwork{state: netwatch.StateLocalOnly}
	a := New(Config{}, &fakeHealth{}, network, streamer, stubLocator{}, clk)

	a.checkNetwork(context.Background())
	assert.Equal(t, 0, streamer.drains)

	network.state = netwatch.StateInternetConnected
	a.checkNetwork(context.Background())
	assert.Equal(t, 1, streamer.drains)
	assert.Empty(t, streamer.got)
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	health := &fakeHealth{}
	ctx, cancel := context.WithCancel(context.Background())
	network := &cancellingNetwork{cancel: cancel}
	a := New(Config{}, health, network, &fakeStreamer{}, stubLocator{}, clk)

	err := a.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, network.checks)
	assert.Equal(t, 0, health.runs)
}

// cancellingNetwork stops the agent after its first check.
type cancellingNetwork struct {
	cancel context.CancelFunc
	checks int
}

func (n *cancellingNetwork) Check(ctx context.Context) netwatch.State {
	n.checks++
	n.cancel()
	return netwatch.StateInternetConnected
}

func (n *cancellingNetwork) Current() netwatch.State { return netwatch.StateInternetConnected }
