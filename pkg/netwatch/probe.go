package netwatch

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/routing"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Prober answers whether a host responds.
type Prober interface {
	Reachable(ctx context.Context, host string) bool
}

const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultProbeCount   = 3
)

// ICMPProber sends ICMP echo requests. It needs a raw socket, or a kernel
// that allows unprivileged ping sockets.
type ICMPProber struct {
	Timeout time.Duration
	Count   int

	id  uint16
	seq uint32
}

func NewICMPProber() *ICMPProber {
	return &ICMPProber{
		Timeout: DefaultProbeTimeout,
		Count:   DefaultProbeCount,
		id:      uint16(rand.Intn(1 << 16)),
	}
}

// Reachable reports true on the first echo reply out of Count requests.
func (p *ICMPProber) Reachable(ctx context.Context, host string) bool {
	dst, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		log.Debug().Err(err).Str("host", host).Msg("unable to resolve probe target")
		return false
	}
	conn, network, err := listenICMP(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("unable to open icmp socket")
		return false
	}
	defer conn.Close()

	var to net.Addr = dst
	if network == "udp4" {
		to = &net.UDPAddr{IP: dst.IP}
	}

	count := p.Count
	if count <= 0 {
		count = DefaultProbeCount
	}
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return false
		}
		seq := uint16(atomic.AddUint32(&p.seq, 1))
		payload := []byte(time.Now().Format(time.RFC3339Nano))
		if ok := p.exchange(ctx, conn, to, seq, payload); ok {
			return true
		}
	}
	log.Debug().Str("host", host).Int("count", count).Msg("no echo reply")
	return false
}

func (p *ICMPProber) exchange(ctx context.Context, conn net.PacketConn, to net.Addr, seq uint16, payload []byte) bool {
	req, err := echoRequest(p.id, seq, payload)
	if err != nil {
		return false
	}
	if _, err := conn.WriteTo(req, to); err != nil {
		log.Debug().Err(err).Str("to", to.String()).Msg("unable to send echo request")
		return false
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return false
		}
		if isEchoReply(buf[:n], seq, payload) {
			return true
		}
	}
}

// listenICMP opens a raw socket, falling back to an unprivileged ping
// socket.
func listenICMP(ctx context.Context) (net.PacketConn, string, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "ip4:icmp", "0.0.0.0")
	if err == nil {
		return conn, "ip4:icmp", nil
	}
	conn, uerr := lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
	if uerr != nil {
		return nil, "", errors.Wrapf(err, "raw socket, and ping socket: %v", uerr)
	}
	return conn, "udp4", nil
}

func echoRequest(id, seq uint16, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	if err := gopacket.SerializeLayers(buf, opts, icmp, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, "unable to encode echo request")
	}
	return buf.Bytes(), nil
}

// isEchoReply matches on sequence and payload only, since ping sockets
// rewrite the identifier.
func isEchoReply(b []byte, seq uint16, payload []byte) bool {
	packet := gopacket.NewPacket(b, layers.LayerTypeICMPv4, gopacket.Default)
	icmpLayer := packet.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return false
	}
	icmp, _ := icmpLayer.(*layers.ICMPv4)
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoReply || icmp.Seq != seq {
		return false
	}
	return bytes.Equal(icmp.Payload, payload)
}

// DefaultGateway returns the next hop the kernel would use for internet
// traffic.
func DefaultGateway() (net.IP, error) {
	router, err := routing.New()
	if err != nil {
		return nil, errors.Wrap(err, "unable to read routing table")
	}
	iface, gw, _, err := router.Route(net.IPv4(8, 8, 8, 8))
	if err != nil {
		return nil, errors.Wrap(err, "no default route")
	}
	if gw == nil {
		return nil, errors.Errorf("default route on %s has no gateway", iface.Name)
	}
	return gw, nil
}
