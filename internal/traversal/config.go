// Package traversal is the host and client side of the rendezvous-assisted NAT
// traversal protocol.
//
// A host calls EnableNatTraversal for the port its application listens on. A
// background notification loop registers the session with the rendezvous service,
// keeps the NAT mapping alive and punches holes towards clients the service
// announces. A client calls TestNatTraversal to learn a host's addresses.
package traversal

import (
	"errors"
	"net/netip"
	"time"

	"github.com/matst80/natpunch/internal/spoof"
)

const (
	DefaultEnableTimeout     = 2200 * time.Millisecond
	DefaultLookupTimeout     = 2 * time.Second
	DefaultReceiveTimeout    = 1 * time.Second
	DefaultKeepAliveInterval = 19 * time.Second

	// disableWait bounds how long Disable waits for the loop to exit.
	disableWait = 3 * time.Second

	maxDatagram = 1500
)

var (
	ErrNoServiceAddr = errors.New("traversal: rendezvous service address not set")
	ErrNoSpoofer     = errors.New("traversal: spoofer not set")
)

// Config is captured by value when a Client is built and never changes afterwards.
type Config struct {
	// ServiceAddr is the rendezvous service (IPv4).
	ServiceAddr netip.AddrPort

	// Spoofer sends keep-alives, host announcements, punches and player-joined
	// notifications from a source endpoint other than the sending socket's.
	Spoofer spoof.Spoofer

	EnableTimeout     time.Duration
	LookupTimeout     time.Duration
	ReceiveTimeout    time.Duration
	KeepAliveInterval time.Duration
}

func DefaultConfig(service netip.AddrPort, sp spoof.Spoofer) Config {
	return Config{
		ServiceAddr:       service,
		Spoofer:           sp,
		EnableTimeout:     DefaultEnableTimeout,
		LookupTimeout:     DefaultLookupTimeout,
		ReceiveTimeout:    DefaultReceiveTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.EnableTimeout <= 0 {
		c.EnableTimeout = DefaultEnableTimeout
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = DefaultLookupTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	c.ServiceAddr = netip.AddrPortFrom(c.ServiceAddr.Addr().Unmap(), c.ServiceAddr.Port())
	return c
}
