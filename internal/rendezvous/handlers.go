package rendezvous

import (
	"context"
	"errors"
	"net/netip"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/proto"
)

func (s *Server) handle(ctx context.Context, from netip.AddrPort, data []byte) {
	msg, err := proto.Decode(data)
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, proto.ErrNotOurPacket):
			reason = "foreign"
		case errors.Is(err, proto.ErrUnknownType):
			reason = "unknown_type"
		}
		obs.ErrorsTotal.WithLabelValues(reason).Inc()
		obs.Debug("datagram.discard", obs.Fields{"from": from.String(), "len": len(data), "err": err.Error()})
		return
	}
	obs.MessagesTotal.WithLabelValues(msg.Type().String()).Inc()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	switch m := msg.(type) {
	case *proto.OpenNotificationChannel:
		s.handleOpen(ctx, from, m)
	case *proto.Host:
		s.handleHost(ctx, from, m)
	case *proto.KeepAlive:
		s.handleKeepAlive(ctx, from, m)
	case *proto.Lookup:
		s.handleLookup(ctx, from, m)
	case *proto.AckConnect:
		s.handleAckConnect(ctx, from, m)
	case *proto.PlayerHasJoined:
		s.handlePlayerJoined(ctx, from, m)
	default:
		// Service to host/client kinds arriving here are not ours to answer.
		obs.ErrorsTotal.WithLabelValues("unexpected_type").Inc()
		obs.Debug("datagram.unexpected", obs.Fields{"from": from.String(), "type": msg.Type().String()})
	}
}

func (s *Server) handleOpen(ctx context.Context, from netip.AddrPort, m *proto.OpenNotificationChannel) {
	fields := obs.Fields{"session": m.SessionID.String(), "notify": from.String()}
	if err := s.store.OpenChannel(ctx, m.SessionID, from, s.opts.Now()); err != nil {
		obs.Error("open.store", fields.With("err", err.Error()))
		obs.ErrorsTotal.WithLabelValues("store").Inc()
		return
	}
	s.reply(from, &proto.AckOpenNotificationChannel{SessionID: m.SessionID})
	obs.Info("channel.opened", fields)
	s.publish(Event{Type: m.Type().String(), Session: m.SessionID.String(), From: from.String()})
}

// handleHost records the observed source as the host's public endpoint and
// answers over the notification channel, not to the observed source.
func (s *Server) handleHost(ctx context.Context, from netip.AddrPort, m *proto.Host) {
	fields := obs.Fields{"session": m.SessionID.String(), "public": from.String()}
	private := netip.AddrPortFrom(m.HostPrivateIP, m.HostPrivatePort)
	reg, err := s.store.RegisterHost(ctx, m.SessionID, from, private, s.opts.Now())
	if errors.Is(err, ErrUnknownSession) {
		obs.ErrorsTotal.WithLabelValues("unknown_session").Inc()
		obs.Debug("host.unknown_session", fields)
		return
	}
	if err != nil {
		obs.Error("host.store", fields.With("err", err.Error()))
		obs.ErrorsTotal.WithLabelValues("store").Inc()
		return
	}
	s.reply(reg.Notify, &proto.AckHost{SessionID: m.SessionID, HostPublicIP: from.Addr(), HostPublicPort: from.Port()})
	obs.Info("host.registered", fields.With("private", private.String(), "notify", reg.Notify.String()))
	s.publish(Event{Type: m.Type().String(), Session: m.SessionID.String(), From: from.String(), Detail: "private " + private.String()})
}

func (s *Server) handleKeepAlive(ctx context.Context, from netip.AddrPort, m *proto.KeepAlive) {
	if err := s.store.Touch(ctx, m.SessionID, s.opts.Now()); err != nil {
		if errors.Is(err, ErrUnknownSession) {
			obs.ErrorsTotal.WithLabelValues("unknown_session").Inc()
		} else {
			obs.Error("keepalive.store", obs.Fields{"err": err.Error(), "session": m.SessionID.String()})
			obs.ErrorsTotal.WithLabelValues("store").Inc()
		}
		return
	}
	obs.Debug("keepalive", obs.Fields{"session": m.SessionID.String(), "from": from.String()})
	s.publish(Event{Type: m.Type().String(), Session: m.SessionID.String(), From: from.String()})
}

// handleLookup relays a Connect to the host. The client only hears back once the
// host acknowledges, so the service sends nothing to the client on success here.
func (s *Server) handleLookup(ctx context.Context, from netip.AddrPort, m *proto.Lookup) {
	hostPublic := netip.AddrPortFrom(m.HostPublicIP, m.HostPublicPort)
	fields := obs.Fields{"client": from.String(), "host_public": hostPublic.String()}

	if !s.opts.Limiter.Allow(from.Addr().String()) {
		obs.LookupsLimitedTotal.Inc()
		obs.Debug("lookup.rate_limited", fields)
		return
	}

	reg, err := s.store.HostByPublic(ctx, hostPublic)
	if errors.Is(err, ErrHostNotFound) {
		s.reply(from, &proto.NotFound{HostPublicIP: m.HostPublicIP, HostPublicPort: m.HostPublicPort})
		obs.Info("lookup.not_found", fields)
		s.publish(Event{Type: proto.TypeNotFound.String(), From: from.String(), Detail: hostPublic.String()})
		return
	}
	if err != nil {
		obs.Error("lookup.store", fields.With("err", err.Error()))
		obs.ErrorsTotal.WithLabelValues("store").Inc()
		return
	}

	s.reply(reg.Notify, &proto.Connect{
		SessionID:         reg.SessionID,
		ClientPublicIP:    from.Addr(),
		ClientPrivateIP:   m.ClientPrivateIP,
		ClientPublicPort:  from.Port(),
		ClientPrivatePort: m.ClientPrivatePort,
	})

	s.pendingMu.Lock()
	s.pending[pendingKey{session: reg.SessionID, client: from}] = s.opts.Now()
	s.pendingMu.Unlock()

	obs.Info("lookup.connect", fields.With("session", reg.SessionID.String()))
	s.publish(Event{Type: m.Type().String(), Session: reg.SessionID.String(), From: from.String(), Detail: hostPublic.String()})
}

func (s *Server) handleAckConnect(ctx context.Context, from netip.AddrPort, m *proto.AckConnect) {
	client := netip.AddrPortFrom(m.ClientPublicIP, m.ClientPublicPort)
	fields := obs.Fields{"session": m.SessionID.String(), "client": client.String()}

	reg, err := s.store.Session(ctx, m.SessionID)
	if err != nil || !reg.Hosted() {
		obs.ErrorsTotal.WithLabelValues("unknown_session").Inc()
		obs.Debug("ack_connect.unknown_session", fields)
		return
	}
	if from != reg.Notify {
		obs.ErrorsTotal.WithLabelValues("foreign_sender").Inc()
		obs.Debug("ack_connect.foreign_sender", fields.With("from", from.String()))
		return
	}

	s.reply(client, &proto.AckLookup{
		HostPublicIP:    reg.Public.Addr(),
		HostPublicPort:  reg.Public.Port(),
		HostPrivateIP:   reg.Private.Addr(),
		HostPrivatePort: reg.Private.Port(),
	})

	key := pendingKey{session: m.SessionID, client: client}
	s.pendingMu.Lock()
	started, ok := s.pending[key]
	delete(s.pending, key)
	s.pendingMu.Unlock()
	if ok {
		obs.LookupLatencySecond.Observe(s.opts.Now().Sub(started).Seconds())
	}

	obs.Info("lookup.answered", fields)
	s.publish(Event{Type: m.Type().String(), Session: m.SessionID.String(), From: from.String(), Detail: client.String()})
}

func (s *Server) handlePlayerJoined(ctx context.Context, from netip.AddrPort, m *proto.PlayerHasJoined) {
	client := netip.AddrPortFrom(m.ClientPublicIP, m.ClientPublicPort)
	fields := obs.Fields{"session": m.SessionID.String(), "client": client.String(), "from": from.String()}

	if _, err := s.store.Session(ctx, m.SessionID); err != nil {
		obs.ErrorsTotal.WithLabelValues("unknown_session").Inc()
		obs.Debug("player_joined.unknown_session", fields)
		return
	}
	obs.PlayersJoinedTotal.Inc()
	obs.Info("player.joined", fields)
	s.publish(Event{Type: m.Type().String(), Session: m.SessionID.String(), From: from.String(), Detail: client.String()})
}
