package rendezvous_test

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matst80/natpunch/internal/proto"
	"github.com/matst80/natpunch/internal/rendezvous"
)

func mustAP(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	srv   *rendezvous.Server
	store rendezvous.StateStore
	hub   *rendezvous.Hub
	clock *clock
	addr  netip.AddrPort
}

// startServer runs a service on loopback until the test ends.
func startServer(t *testing.T, opts rendezvous.Options) *harness {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	h := &harness{
		store: rendezvous.NewMemoryStore(),
		hub:   rendezvous.NewHub(64, 64),
		clock: &clock{t: time.Unix(1_700_000_000, 0)},
	}
	if opts.Hub == nil {
		opts.Hub = h.hub
	}
	opts.Now = h.clock.Now
	h.srv = rendezvous.New(conn, h.store, opts)
	h.addr = h.srv.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = conn.Close()
	})
	return h
}

// peer is a loopback UDP socket talking to the service.
type peer struct {
	t    *testing.T
	conn *net.UDPConn
	to   netip.AddrPort
}

func newPeer(t *testing.T, to netip.AddrPort) *peer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{t: t, conn: conn, to: to}
}

func (p *peer) addr() netip.AddrPort { return p.conn.LocalAddr().(*net.UDPAddr).AddrPort() }

func (p *peer) send(m proto.Message) {
	p.t.Helper()

	wire, err := proto.Encode(m)
	require.NoError(p.t, err)
	p.sendRaw(wire)
}

func (p *peer) sendRaw(b []byte) {
	p.t.Helper()

	_, err := p.conn.WriteToUDPAddrPort(b, p.to)
	require.NoError(p.t, err)
}

// recv returns the next message or fails the test after a second.
func (p *peer) recv() proto.Message {
	p.t.Helper()

	m, ok := p.tryRecv(time.Second)
	require.True(p.t, ok, "no datagram received")
	return m
}

func (p *peer) tryRecv(wait time.Duration) (proto.Message, bool) {
	p.t.Helper()

	buf := make([]byte, 1500)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(wait)))
	n, _, err := p.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, false
	}
	m, err := proto.Decode(buf[:n])
	require.NoError(p.t, err)
	return m, true
}

func (p *peer) expectSilence() {
	p.t.Helper()

	if m, ok := p.tryRecv(150 * time.Millisecond); ok {
		p.t.Fatalf("unexpected %s", m.Type())
	}
}
