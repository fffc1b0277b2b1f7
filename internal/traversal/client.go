package traversal

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/proto"
)

// Client is the entry point for both roles. It is safe for concurrent use.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if !cfg.ServiceAddr.IsValid() {
		return nil, ErrNoServiceAddr
	}
	if cfg.Spoofer == nil {
		return nil, ErrNoSpoofer
	}
	return &Client{cfg: cfg.withDefaults()}, nil
}

// EnableNatTraversal starts a host session for the application listening on
// privatePort. It blocks until the session is enabled, fails, EnableTimeout
// elapses or ctx is done, and always returns the session. The background loop
// keeps running after a timeout and may still enable the session later.
func (c *Client) EnableNatTraversal(ctx context.Context, privatePort uint16) *Session {
	s := newSession(uuid.New(), privatePort, c.cfg)
	obs.SessionsStartedTotal.Inc()
	go s.run()

	t := time.NewTimer(c.cfg.EnableTimeout)
	defer t.Stop()
	select {
	case <-s.settled:
	case <-t.C:
	case <-ctx.Done():
	}

	obs.Info("traversal.enable", obs.Fields{
		"session":      s.id.String(),
		"private_port": privatePort,
		"enabled":      s.Enabled(),
		"state":        s.State().String(),
	})
	return s
}

// NotifyPlayerHasJoined tells the service a client reached the session's
// application port. Best effort: every failure is dropped.
func (c *Client) NotifyPlayerHasJoined(s *Session, clientIP netip.Addr, clientPort uint16) {
	if s == nil {
		return
	}
	fields := obs.Fields{"session": s.id.String(), "client": netip.AddrPortFrom(clientIP, clientPort).String()}

	local := s.LocalEndpoint()
	if !local.IsValid() {
		obs.Debug("traversal.player_joined.no_local", fields)
		return
	}
	if err := c.notifyJoined(s.id, netip.AddrPortFrom(local.Addr(), s.privatePort), clientIP, clientPort); err != nil {
		obs.Debug("traversal.player_joined.send", fields.With("err", err.Error()))
		return
	}
	obs.Debug("traversal.player_joined", fields)
}

// NotifyPlayerHasJoinedFor is NotifyPlayerHasJoined for a session owned by
// another process, identified by its id and application port. Unlike the
// session form it reports failures.
func (c *Client) NotifyPlayerHasJoinedFor(id uuid.UUID, privatePort uint16, client netip.AddrPort) error {
	local, err := learnLocalEndpoint(c.cfg.ServiceAddr)
	if err != nil {
		return err
	}
	return c.notifyJoined(id, netip.AddrPortFrom(local.Addr(), privatePort), client.Addr(), client.Port())
}

func (c *Client) notifyJoined(id uuid.UUID, src netip.AddrPort, clientIP netip.Addr, clientPort uint16) error {
	wire, err := proto.Encode(&proto.PlayerHasJoined{SessionID: id, ClientPublicIP: clientIP, ClientPublicPort: clientPort})
	if err != nil {
		return err
	}
	return c.cfg.Spoofer.Send(src, c.cfg.ServiceAddr, wire)
}
