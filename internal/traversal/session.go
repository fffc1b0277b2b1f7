package traversal

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the host session's position in the registration handshake.
type State int32

const (
	StateCreated State = iota
	StateAwaitingChannelAck
	StateAwaitingHostAck
	StateEnabled
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingChannelAck:
		return "awaiting_channel_ack"
	case StateAwaitingHostAck:
		return "awaiting_host_ack"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// snapshot is immutable once stored; the loop goroutine is its only writer.
type snapshot struct {
	state      State
	publicIP   netip.Addr
	publicPort uint16
	local      netip.AddrPort
}

// Session is a host traversal session. It is returned by EnableNatTraversal
// whether or not registration finished; check Enabled.
type Session struct {
	id          uuid.UUID
	privatePort uint16
	cfg         Config

	snap atomic.Pointer[snapshot]

	// mu guards conn, local and stopping between the loop and Disable.
	mu       sync.Mutex
	conn     *net.UDPConn
	local    netip.AddrPort
	stopping bool

	settled    chan struct{}
	settleOnce sync.Once
	done       chan struct{}

	keepAliveStarts atomic.Int32
}

func newSession(id uuid.UUID, privatePort uint16, cfg Config) *Session {
	s := &Session{
		id:          id,
		privatePort: privatePort,
		cfg:         cfg,
		settled:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.snap.Store(&snapshot{state: StateCreated})
	return s
}

func (s *Session) current() *snapshot { return s.snap.Load() }

func (s *Session) publish(next snapshot) { s.snap.Store(&next) }

// settle releases a caller blocked in EnableNatTraversal.
func (s *Session) settle() { s.settleOnce.Do(func() { close(s.settled) }) }

func (s *Session) ID() uuid.UUID       { return s.id }
func (s *Session) PrivatePort() uint16 { return s.privatePort }
func (s *Session) State() State        { return s.current().state }
func (s *Session) Enabled() bool       { return s.current().state == StateEnabled }

// PublicIPAddress is meaningful only while Enabled.
func (s *Session) PublicIPAddress() netip.Addr { return s.current().publicIP }

// PublicPort is meaningful only while Enabled.
func (s *Session) PublicPort() uint16 { return s.current().publicPort }

func (s *Session) PublicEndpoint() netip.AddrPort {
	c := s.current()
	return netip.AddrPortFrom(c.publicIP, c.publicPort)
}

// LocalEndpoint is the address+port the notification channel is bound to.
func (s *Session) LocalEndpoint() netip.AddrPort { return s.current().local }

// Done is closed once the notification loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Disable stops the notification loop and its keep-alive. It returns once the
// loop has exited, or after a bounded wait.
func (s *Session) Disable() {
	s.mu.Lock()
	s.stopping = true
	conn, local := s.conn, s.local
	s.mu.Unlock()

	if conn != nil {
		// Self-addressed empty datagram: the loop's only cancellation signal.
		_, _ = conn.WriteToUDPAddrPort(nil, local)
	}

	t := time.NewTimer(disableWait)
	defer t.Stop()
	select {
	case <-s.done:
	case <-t.C:
	}
}
