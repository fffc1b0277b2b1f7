package traversal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/proto"
	"github.com/matst80/natpunch/internal/spoof"
)

// learnLocalEndpoint finds the local address+port the OS routes towards the
// service by connecting a throwaway socket.
func learnLocalEndpoint(service netip.AddrPort) (netip.AddrPort, error) {
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(service))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("route to %s: %w", service, err)
	}
	defer conn.Close()
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// run is the notification loop. It is the only writer of the session snapshot.
func (s *Session) run() {
	obs.SessionsActive.Inc()
	defer obs.SessionsActive.Dec()
	defer close(s.done)

	var ka *keepAlive
	defer func() {
		if ka != nil {
			ka.Stop()
		}
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		last := *s.current()
		last.state = StateDisabled
		s.publish(last)
		s.settle()
		obs.Info("session.disabled", obs.Fields{"session": s.id.String()})
	}()

	fields := obs.Fields{"session": s.id.String(), "private_port": s.privatePort, "service": s.cfg.ServiceAddr.String()}

	local, err := learnLocalEndpoint(s.cfg.ServiceAddr)
	if err != nil {
		obs.Error("session.local_endpoint", fields.With("err", err.Error()))
		return
	}
	conn, err := spoof.ListenUDP(context.Background(), local)
	if err != nil {
		obs.Error("session.bind", fields.With("err", err.Error(), "local", local.String()))
		return
	}

	s.mu.Lock()
	s.conn, s.local = conn, local
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}

	s.publish(snapshot{state: StateAwaitingChannelAck, local: local})
	if err := s.send(conn, &proto.OpenNotificationChannel{SessionID: s.id}); err != nil {
		obs.Error("session.open_channel", fields.With("err", err.Error()))
		return
	}
	obs.Debug("session.open_channel.sent", fields.With("local", local.String()))

	buf := make([]byte, maxDatagram)
	for {
		deadline := time.Time{}
		if s.current().state != StateEnabled {
			deadline = time.Now().Add(s.cfg.ReceiveTimeout)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			obs.Error("session.deadline", fields.With("err", err.Error()))
			return
		}

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			obs.Error("session.receive", fields.With("err", err.Error(), "state", s.State().String()))
			return
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		if from == local {
			if n == 0 {
				obs.Debug("session.stop_signal", fields)
				return
			}
			obs.DatagramsDiscardTotal.WithLabelValues("self").Inc()
			continue
		}
		if from != s.cfg.ServiceAddr {
			obs.DatagramsDiscardTotal.WithLabelValues("foreign_sender").Inc()
			continue
		}
		msg, err := proto.Decode(buf[:n])
		if err != nil {
			obs.DatagramsDiscardTotal.WithLabelValues("malformed").Inc()
			obs.Debug("session.discard", fields.With("err", err.Error()))
			continue
		}
		if id, ok := proto.SessionOf(msg); !ok || id != s.id {
			obs.DatagramsDiscardTotal.WithLabelValues("other_session").Inc()
			continue
		}
		ka = s.handle(conn, local, msg, ka)
	}
}

func (s *Session) handle(conn *net.UDPConn, local netip.AddrPort, msg proto.Message, ka *keepAlive) *keepAlive {
	fields := obs.Fields{"session": s.id.String(), "type": msg.Type().String()}

	switch m := msg.(type) {
	case *proto.AckOpenNotificationChannel:
		st := s.current().state
		if st != StateAwaitingChannelAck && st != StateAwaitingHostAck {
			return ka
		}
		host := &proto.Host{SessionID: s.id, HostPrivateIP: local.Addr(), HostPrivatePort: s.privatePort}
		if err := s.spoofed(local, host); err != nil {
			obs.Warn("session.host.send", fields.With("err", err.Error()))
		}
		s.publish(snapshot{state: StateAwaitingHostAck, local: local})

	case *proto.AckHost:
		if ka != nil {
			obs.Debug("session.ack_host.duplicate", fields)
			return ka
		}
		s.publish(snapshot{
			state:      StateEnabled,
			publicIP:   m.HostPublicIP,
			publicPort: m.HostPublicPort,
			local:      local,
		})
		s.settle()

		datagram, err := proto.Encode(&proto.KeepAlive{SessionID: s.id})
		if err != nil {
			obs.Error("session.keepalive.encode", fields.With("err", err.Error()))
			return ka
		}
		ka = startKeepAlive(keepAliveSettings{
			source:   netip.AddrPortFrom(local.Addr(), s.privatePort),
			service:  s.cfg.ServiceAddr,
			datagram: datagram,
		}, s.cfg.Spoofer, s.cfg.KeepAliveInterval)
		s.keepAliveStarts.Add(1)
		obs.SessionsEnabledTotal.Inc()
		obs.Info("session.enabled", fields.With(
			"public", netip.AddrPortFrom(m.HostPublicIP, m.HostPublicPort).String(),
			"private_port", s.privatePort,
		))

	case *proto.Connect:
		if s.current().state != StateEnabled {
			obs.DatagramsDiscardTotal.WithLabelValues("connect_not_enabled").Inc()
			return ka
		}
		s.punch(conn, local, m)

	default:
		obs.DatagramsDiscardTotal.WithLabelValues("unexpected_type").Inc()
	}
	return ka
}

// punch opens the NAT towards both client candidates from the application's
// port, then acknowledges. Punch outcomes are not observed here.
func (s *Session) punch(conn *net.UDPConn, local netip.AddrPort, m *proto.Connect) {
	src := netip.AddrPortFrom(local.Addr(), s.privatePort)
	targets := []netip.AddrPort{
		netip.AddrPortFrom(m.ClientPublicIP, m.ClientPublicPort),
		netip.AddrPortFrom(m.ClientPrivateIP, m.ClientPrivatePort),
	}
	for _, dst := range targets {
		if err := s.cfg.Spoofer.Send(src, dst, nil); err != nil {
			obs.Debug("session.punch", obs.Fields{"session": s.id.String(), "dst": dst.String(), "err": err.Error()})
			continue
		}
		obs.PunchesSentTotal.Inc()
	}

	ack := &proto.AckConnect{SessionID: s.id, ClientPublicIP: m.ClientPublicIP, ClientPublicPort: m.ClientPublicPort}
	if err := s.send(conn, ack); err != nil {
		obs.Warn("session.ack_connect", obs.Fields{"session": s.id.String(), "err": err.Error()})
		return
	}
	obs.Info("session.connect", obs.Fields{"session": s.id.String(), "client": targets[0].String(), "client_private": targets[1].String()})
}

// send writes m to the service over the notification socket.
func (s *Session) send(conn *net.UDPConn, m proto.Message) error {
	wire, err := proto.Encode(m)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDPAddrPort(wire, s.cfg.ServiceAddr)
	return err
}

// spoofed sends m to the service with src as its apparent source.
func (s *Session) spoofed(src netip.AddrPort, m proto.Message) error {
	wire, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return s.cfg.Spoofer.Send(src, s.cfg.ServiceAddr, wire)
}
