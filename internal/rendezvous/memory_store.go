package rendezvous

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/natpunch/internal/obs"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Registration
	byPublic map[netip.AddrPort]uuid.UUID
	closing  bool
	ready    bool
}

// NewMemoryStore returns a StateStore private to this process.
func NewMemoryStore() StateStore {
	return &memoryStore{
		sessions: make(map[uuid.UUID]*Registration),
		byPublic: make(map[netip.AddrPort]uuid.UUID),
	}
}

var _ StateStore = (*memoryStore)(nil)

func (m *memoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryStore) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *memoryStore) Close() error            { return nil }

// gauges must be called with mu held.
func (m *memoryStore) gauges() {
	obs.OpenChannels.Set(float64(len(m.sessions)))
	obs.RegisteredHosts.Set(float64(len(m.byPublic)))
}

func (m *memoryStore) OpenChannel(_ context.Context, id uuid.UUID, notify netip.AddrPort, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.sessions[id]; ok {
		reg.Notify = notify
		reg.LastSeen = now
		return nil
	}
	m.sessions[id] = &Registration{SessionID: id, Notify: notify, Opened: now, LastSeen: now}
	m.gauges()
	return nil
}

func (m *memoryStore) RegisterHost(_ context.Context, id uuid.UUID, public, private netip.AddrPort, now time.Time) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.sessions[id]
	if !ok {
		return Registration{}, ErrUnknownSession
	}
	if reg.Public.IsValid() && reg.Public != public {
		delete(m.byPublic, reg.Public)
	}
	// A newer session claiming the same public endpoint wins.
	if prev, ok := m.byPublic[public]; ok && prev != id {
		if old := m.sessions[prev]; old != nil {
			old.Public = netip.AddrPort{}
		}
	}
	reg.Public = public
	reg.Private = private
	reg.LastSeen = now
	m.byPublic[public] = id
	m.gauges()
	return *reg, nil
}

func (m *memoryStore) Touch(_ context.Context, id uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	reg.LastSeen = now
	return nil
}

func (m *memoryStore) Session(_ context.Context, id uuid.UUID) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.sessions[id]
	if !ok {
		return Registration{}, ErrUnknownSession
	}
	return *reg, nil
}

func (m *memoryStore) HostByPublic(_ context.Context, public netip.AddrPort) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPublic[public]
	if !ok {
		return Registration{}, ErrHostNotFound
	}
	return *m.sessions[id], nil
}

func (m *memoryStore) Expire(_ context.Context, cutoff time.Time) ([]Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Registration
	for id, reg := range m.sessions {
		if !m.closing && !reg.LastSeen.Before(cutoff) {
			continue
		}
		expired = append(expired, *reg)
		if reg.Public.IsValid() && m.byPublic[reg.Public] == id {
			delete(m.byPublic, reg.Public)
		}
		delete(m.sessions, id)
	}
	m.gauges()
	return expired, nil
}

func (m *memoryStore) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Channels: len(m.sessions), Hosts: len(m.byPublic)}, nil
}
