package rendezvous

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownSession = errors.New("rendezvous: unknown session")
	ErrHostNotFound   = errors.New("rendezvous: no host at that public endpoint")
)

// Registration is what the service knows about one host session.
type Registration struct {
	SessionID uuid.UUID      `json:"session_id"`
	Notify    netip.AddrPort `json:"notify"`
	Public    netip.AddrPort `json:"public"`
	Private   netip.AddrPort `json:"private"`
	Opened    time.Time      `json:"opened"`
	LastSeen  time.Time      `json:"last_seen"`
}

// Hosted reports whether the session completed the Host step.
func (r Registration) Hosted() bool { return r.Public.IsValid() }

// Stats is a point-in-time summary for dashboards and the state API.
type Stats struct {
	Channels int `json:"channels"`
	Hosts    int `json:"hosts"`
}

// StateStore abstracts registration storage so several service instances can
// share it.
type StateStore interface {
	// OpenChannel records notify as the notification endpoint of id, replacing
	// any previous one.
	OpenChannel(ctx context.Context, id uuid.UUID, notify netip.AddrPort, now time.Time) error
	// RegisterHost fails with ErrUnknownSession when no channel was opened for id.
	RegisterHost(ctx context.Context, id uuid.UUID, public, private netip.AddrPort, now time.Time) (Registration, error)
	Touch(ctx context.Context, id uuid.UUID, now time.Time) error
	Session(ctx context.Context, id uuid.UUID) (Registration, error)
	HostByPublic(ctx context.Context, public netip.AddrPort) (Registration, error)
	// Expire removes registrations last seen before cutoff and returns them.
	Expire(ctx context.Context, cutoff time.Time) ([]Registration, error)
	Stats(ctx context.Context) (Stats, error)

	SetClosing(closing bool)
	SetReady(ready bool)
	IsClosing() bool
	IsReady() bool
	Close() error
}
