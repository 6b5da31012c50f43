package netwatch

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebobo/modem_health_go/pkg/clock"
)

func TestCompute(t *testing.T) {
	assert.Equal(t, StateDisconnected, Compute(false, false))
	assert.Equal(t, StateLocalOnly, Compute(true, false))
	assert.Equal(t, StateInternetConnected, Compute(true, true))
	assert.Equal(t, StateInternetConnected, Compute(false, true))
}

type hostProber map[string]bool

func (p hostProber) Reachable(ctx context.Context, host string) bool { return p[host] }

func TestChecker(t *testing.T) {
	c := NewChecker(hostProber{"192.168.1.1": true}, "")
	c.Gateway = func() (net.IP, error) { return net.IPv4(192, 168, 1, 1), nil }
	ctx := context.Background()

	assert.False(t, c.InternetReachable(ctx))
	assert.True(t, c.LocalReachable(ctx))
	assert.Equal(t, StateLocalOnly, c.State(ctx))

	c.Prober = hostProber{DefaultInternetHost: true}
	assert.Equal(t, StateInternetConnected, c.State(ctx))

	c.Prober = hostProber{"192.168.1.1": true}
	c.Gateway = func() (net.IP, error) { return nil, errors.New("no route") }
	assert.Equal(t, StateDisconnected, c.State(ctx))
}

func TestEchoPackets(t *testing.T) {
	payload := []byte("2026-10-18T10:00:00Z")
	req, err := echoRequest(0x1234, 7, payload)
	require.NoError(t, err)

	packet := gopacket.NewPacket(req, layers.LayerTypeICMPv4, gopacket.Default)
	icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(layers.ICMPv4TypeEchoRequest), icmp.TypeCode.Type())
	assert.Equal(t, uint16(0x1234), icmp.Id)
	assert.NotZero(t, icmp.Checksum)

	// a request is not a reply
	assert.False(t, isEchoReply(req, 7, payload))

	buf := gopacket.NewSerializeBuffer()
	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       0x9999,
		Seq:      7,
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, reply, gopacket.Payload(payload)))

	assert.True(t, isEchoReply(buf.Bytes(), 7, payload))
	assert.False(t, isEchoReply(buf.Bytes(), 8, payload))
	assert.False(t, isEchoReply(buf.Bytes(), 7, []byte("other")))
	assert.False(t, isEchoReply([]byte{0x01}, 7, payload))
}

func TestRebootLog(t *testing.T) {
	l := &RebootLog{Path: filepath.Join(t.TempDir(), "log", "reboots.log")}

	_, ok, err := l.Last()
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.Date(2026, 10, 1, 8, 30, 0, 0, time.Local)
	second := first.Add(36 * time.Hour)
	require.NoError(t, l.Record(first))
	require.NoError(t, l.Record(second))

	last, ok, err := l.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, second.Equal(last))

	raw, err := os.ReadFile(l.Path)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-01 08:30:00\n2026-10-02 20:30:00\n", string(raw))

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	f.WriteString("garbage\n\n")
	f.Close()
	last, ok, err = l.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, second.Equal(last))
}

type scriptedProbe struct {
	states []State
	calls  int
}

func (p *scriptedProbe) State(ctx context.Context) State {
	i := p.calls
	p.calls++
	if i >= len(p.states) {
		i = len(p.states) - 1
	}
	return p.states[i]
}

type fakeRemediator struct {
	restarts []string
	reboots  int
}

func (r *fakeRemediator) Restart(ctx context.Context, unit string) error {
	r.restarts = append(r.restarts, unit)
	return nil
}

func (r *fakeRemediator) Reboot(ctx context.Context) error {
	r.reboots++
	return nil
}

func newWatchdog(t *testing.T, states ...State) (*Watchdog, *fakeRemediator, *clock.Fake, *RebootLog) {
	clk := clock.NewFake(time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local))
	rem := &fakeRemediator{}
	reboots := &RebootLog{Path: filepath.Join(t.TempDir(), "reboots.log")}
	return NewWatchdog(&scriptedProbe{states: states}, rem, reboots, clk), rem, clk, reboots
}

func TestWatchdogRestartRecovers(t *testing.T) {
	w, rem, clk, _ := newWatchdog(t, StateInternetConnected, StateDisconnected, StateLocalOnly)
	var transitions [][2]State
	w.OnTransition = func(from, to State) { transitions = append(transitions, [2]State{from, to}) }
	ctx := context.Background()

	assert.Equal(t, StateInternetConnected, w.Check(ctx))
	assert.Equal(t, StateLocalOnly, w.Check(ctx))
	assert.Equal(t, []string{DefaultNetworkUnit}, rem.restarts)
	assert.Equal(t, 0, rem.reboots)
	assert.Equal(t, []time.Duration{DefaultRestartSettle}, clk.Sleeps())
	assert.Equal(t, [][2]State{
		{StateUnknown, StateInternetConnected},
		{StateInternetConnected, StateDisconnected},
		{StateDisconnected, StateLocalOnly},
	}, transitions)
}

func TestWatchdogRebootsOncePerCooldown(t *testing.T) {
	w, rem, clk, reboots := newWatchdog(t, StateDisconnected)
	ctx := context.Background()

	assert.Equal(t, StateDisconnected, w.Check(ctx))
	assert.Equal(t, 1, rem.reboots)
	last, ok, err := reboots.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(clk.Now().Truncate(time.Second)))

	// staying disconnected is not a transition
	w.Check(ctx)
	assert.Len(t, rem.restarts, 1)

	// a fresh process inside the cooldown does not reboot again
	w2 := NewWatchdog(&scriptedProbe{states: []State{StateDisconnected}}, rem, reboots, clk)
	clk.Advance(23 * time.Hour)
	w2.Check(ctx)
	assert.Len(t, rem.restarts, 2)
	assert.Equal(t, 1, rem.reboots)

	w3 := NewWatchdog(&scriptedProbe{states: []State{StateDisconnected}}, rem, reboots, clk)
	clk.Advance(2 * time.Hour)
	w3.Check(ctx)
	assert.Equal(t, 2, rem.reboots)
}
