// Package rendezvous is the service side of the NAT traversal protocol. It
// records host sessions, answers client lookups and relays Connect requests to
// hosts over their notification channel.
package rendezvous

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/proto"
	"github.com/matst80/natpunch/internal/ratelimit"
)

const (
	DefaultHostTTL        = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultPendingTimeout = 10 * time.Second

	// storeTimeout bounds each store call made while handling one datagram.
	storeTimeout = 2 * time.Second
	maxDatagram  = 1500
)

type Options struct {
	// HostTTL is how long a session survives without Open, Host or KeepAlive.
	HostTTL       time.Duration
	SweepInterval time.Duration
	// PendingTimeout is how long a relayed Connect waits for its AckConnect
	// before it is dropped from latency tracking.
	PendingTimeout time.Duration
	// Limiter is applied to Lookup per source IP; nil disables it.
	Limiter *ratelimit.Limiter
	// Hub receives an Event per handled message; nil disables events.
	Hub *Hub
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HostTTL <= 0 {
		o.HostTTL = DefaultHostTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = DefaultPendingTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// pendingKey identifies a relayed Connect awaiting the host's AckConnect.
type pendingKey struct {
	session uuid.UUID
	client  netip.AddrPort
}

type Server struct {
	conn  *net.UDPConn
	store StateStore
	opts  Options

	pendingMu sync.Mutex
	pending   map[pendingKey]time.Time
}

func New(conn *net.UDPConn, store StateStore, opts Options) *Server {
	return &Server{
		conn:    conn,
		store:   store,
		opts:    opts.withDefaults(),
		pending: make(map[pendingKey]time.Time),
	}
}

func (s *Server) Addr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve reads datagrams until ctx is done or the socket fails. It returns nil
// after a ctx cancellation.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		s.handle(ctx, from, buf[:n])
	}
}

// RunSweep expires stale sessions and stale pending Connects every
// SweepInterval, and once more when ctx is done.
func (s *Server) RunSweep(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.sweep(context.Background())
			return
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	now := s.opts.Now()
	expired, err := s.store.Expire(ctx, now.Add(-s.opts.HostTTL))
	if err != nil {
		obs.Error("sweep.expire", obs.Fields{"err": err.Error()})
	}
	for _, reg := range expired {
		if reg.Hosted() {
			obs.HostsExpiredTotal.Inc()
		}
		obs.Info("session.expired", obs.Fields{"session": reg.SessionID.String(), "public": addrString(reg.Public)})
		s.publish(Event{Type: "expired", Session: reg.SessionID.String(), From: addrString(reg.Notify)})
	}

	cutoff := now.Add(-s.opts.PendingTimeout)
	s.pendingMu.Lock()
	for k, at := range s.pending {
		if at.Before(cutoff) {
			delete(s.pending, k)
		}
	}
	s.pendingMu.Unlock()

	if s.opts.Limiter != nil {
		s.opts.Limiter.Prune(s.opts.HostTTL)
	}
}

// PendingConnects is the number of relayed Connects still awaiting an AckConnect.
func (s *Server) PendingConnects() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func addrString(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return ""
	}
	return ap.String()
}

func (s *Server) publish(e Event) {
	if s.opts.Hub == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = s.opts.Now()
	}
	s.opts.Hub.Publish(e)
}

func (s *Server) reply(to netip.AddrPort, m proto.Message) {
	wire, err := proto.Encode(m)
	if err != nil {
		obs.Error("reply.encode", obs.Fields{"err": err.Error(), "type": m.Type().String()})
		obs.ErrorsTotal.WithLabelValues("encode").Inc()
		return
	}
	if _, err := s.conn.WriteToUDPAddrPort(wire, to); err != nil {
		obs.Warn("reply.send", obs.Fields{"err": err.Error(), "to": to.String(), "type": m.Type().String()})
		obs.ErrorsTotal.WithLabelValues("send").Inc()
	}
}
