package spoof

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// ReusePort spoofs the source port by binding a short-lived socket to src with
// SO_REUSEADDR and SO_REUSEPORT set. The socket already owning src must have been
// opened with the same options (see ListenUDP), otherwise the bind fails.
//
// While the short-lived socket exists the kernel may hand it an inbound datagram
// addressed to src; such a datagram is lost.
type ReusePort struct{}

func NewReusePort() *ReusePort { return &ReusePort{} }

func (*ReusePort) Send(src, dst netip.AddrPort, payload []byte) error {
	if err := checkIPv4(src, dst); err != nil {
		return err
	}
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", src.String())
	if err != nil {
		return fmt.Errorf("spoof: bind %s: %w", src, err)
	}
	defer pc.Close()

	if _, err := pc.WriteTo(payload, net.UDPAddrFromAddrPort(dst)); err != nil {
		return fmt.Errorf("spoof: send %s -> %s: %w", src, dst, err)
	}
	return nil
}

// ListenUDP binds a UDP listener on laddr that ReusePort can later send from.
func ListenUDP(ctx context.Context, laddr netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", laddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
