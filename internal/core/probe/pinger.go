package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ErrUnreachable marks hosts that could not be resolved or reached at all,
// as opposed to hosts that simply did not answer in time.
var ErrUnreachable = errors.New("host unreachable")

// Pinger measures the round-trip time to a host.
type Pinger interface {
	Ping(ctx context.Context, address string) (time.Duration, error)
}

// PingerFunc adapts a plain function to a Pinger.
type PingerFunc func(ctx context.Context, address string) (time.Duration, error)

func (f PingerFunc) Ping(ctx context.Context, address string) (time.Duration, error) {
	return f(ctx, address)
}

// ICMPPinger sends ICMP echo requests. It prefers a raw socket and falls back
// to the unprivileged udp4 datagram flavor when raw sockets are not allowed.
type ICMPPinger struct {
	seq atomic.Uint32
}

func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{}
}

func (p *ICMPPinger) Ping(ctx context.Context, address string) (time.Duration, error) {
	ip, err := net.ResolveIPAddr("ip4", address)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var dst net.Addr = ip
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		conn, err = icmp.ListenPacket("udp4", "0.0.0.0")
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		dst = &net.UDPAddr{IP: ip.IP}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("proxydeck-probe"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			// A read deadline here means the host swallowed the probe.
			return 0, err
		}
		parsed, err := icmp.ParseMessage(1, rb[:n])
		if err != nil {
			continue
		}
		if parsed.Type == ipv4.ICMPTypeDestinationUnreachable {
			return 0, fmt.Errorf("%w: destination unreachable", ErrUnreachable)
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// The udp4 flavor rewrites the ID, so match on Seq alone.
		if echo.Seq != seq {
			continue
		}
		return time.Since(start), nil
	}
}
