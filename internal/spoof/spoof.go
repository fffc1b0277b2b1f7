// Package spoof sends UDP datagrams whose apparent source endpoint is chosen by the caller.
//
// Traversal uses it to make keep-alives and hole punches look like they come from the
// application's own session port, so the NAT mapping they create is the one later
// application traffic reuses.
package spoof

import (
	"errors"
	"net/netip"
)

// ErrNotIPv4 is returned for non-IPv4 endpoints.
var ErrNotIPv4 = errors.New("spoof: endpoint is not ipv4")

// Spoofer transmits payload as a UDP datagram from src to dst.
// Delivery is best effort.
type Spoofer interface {
	Send(src, dst netip.AddrPort, payload []byte) error
}

// Func adapts a plain function to Spoofer.
type Func func(src, dst netip.AddrPort, payload []byte) error

func (f Func) Send(src, dst netip.AddrPort, payload []byte) error { return f(src, dst, payload) }

func checkIPv4(eps ...netip.AddrPort) error {
	for _, ep := range eps {
		if !ep.Addr().Unmap().Is4() {
			return ErrNotIPv4
		}
	}
	return nil
}
