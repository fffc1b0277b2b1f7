package traversal_test

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matst80/natpunch/internal/proto"
	"github.com/matst80/natpunch/internal/traversal"
)

var errSpoof = errors.New("spoof failed")

type sent struct {
	src, dst netip.AddrPort
	payload  []byte
}

// recordingSpoofer records every send and forwards loopback destinations from an
// ordinary socket, so the simulated service still receives spoofed messages.
type recordingSpoofer struct {
	mu   sync.Mutex
	sent []sent
	conn *net.UDPConn
	fail bool
}

func newRecordingSpoofer(t *testing.T) *recordingSpoofer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &recordingSpoofer{conn: conn}
}

func (r *recordingSpoofer) Send(src, dst netip.AddrPort, payload []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, sent{src: src, dst: dst, payload: append([]byte(nil), payload...)})
	fail := r.fail
	r.mu.Unlock()

	if fail {
		return errSpoof
	}
	if dst.Addr().IsLoopback() {
		_, err := r.conn.WriteToUDPAddrPort(payload, dst)
		return err
	}
	return nil
}

func (r *recordingSpoofer) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

// ofType returns sends whose payload decodes to t.
func (r *recordingSpoofer) ofType(t proto.Type) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sent
	for _, s := range r.sent {
		if m, err := proto.Decode(s.payload); err == nil && m.Type() == t {
			out = append(out, s)
		}
	}
	return out
}

// punches returns the zero-length sends.
func (r *recordingSpoofer) punches() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sent
	for _, s := range r.sent {
		if len(s.payload) == 0 {
			out = append(out, s)
		}
	}
	return out
}

type received struct {
	msg  proto.Message
	from netip.AddrPort
}

// simService is a scripted loopback rendezvous service.
type simService struct {
	t       *testing.T
	conn    *net.UDPConn
	addr    netip.AddrPort
	handler func(s *simService, r received)

	mu     sync.Mutex
	got    []received
	notify netip.AddrPort
}

func startService(t *testing.T, handler func(s *simService, r received)) *simService {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &simService{
		t:       t,
		conn:    conn,
		addr:    conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		handler: handler,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			msg, err := proto.Decode(buf[:n])
			if err != nil {
				continue
			}
			r := received{msg: msg, from: from}
			s.mu.Lock()
			s.got = append(s.got, r)
			if msg.Type() == proto.TypeOpenNotificationChannel {
				s.notify = from
			}
			s.mu.Unlock()
			if s.handler != nil {
				s.handler(s, r)
			}
		}
	}()

	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return s
}

func (s *simService) reply(to netip.AddrPort, m proto.Message) {
	wire, err := proto.Encode(m)
	if err != nil {
		s.t.Errorf("encode %s: %v", m.Type(), err)
		return
	}
	_, _ = s.conn.WriteToUDPAddrPort(wire, to)
}

func (s *simService) notifyAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *simService) received(t proto.Type) []received {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []received
	for _, r := range s.got {
		if r.msg.Type() == t {
			out = append(out, r)
		}
	}
	return out
}

// registrar acknowledges the channel and answers every Host with one AckHost
// per entry of publics.
func registrar(publics ...netip.AddrPort) func(*simService, received) {
	return func(s *simService, r received) {
		switch m := r.msg.(type) {
		case *proto.OpenNotificationChannel:
			s.reply(r.from, &proto.AckOpenNotificationChannel{SessionID: m.SessionID})
		case *proto.Host:
			for _, pub := range publics {
				s.reply(s.notifyAddr(), &proto.AckHost{SessionID: m.SessionID, HostPublicIP: pub.Addr(), HostPublicPort: pub.Port()})
			}
		}
	}
}

func testConfig(svc *simService, sp *recordingSpoofer) traversal.Config {
	cfg := traversal.DefaultConfig(svc.addr, sp)
	cfg.EnableTimeout = 2 * time.Second
	cfg.LookupTimeout = 500 * time.Millisecond
	cfg.ReceiveTimeout = 50 * time.Millisecond
	return cfg
}

func newClient(t *testing.T, cfg traversal.Config) *traversal.Client {
	t.Helper()

	c, err := traversal.NewClient(cfg)
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, s *traversal.Session) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("notification loop did not exit")
	}
}
