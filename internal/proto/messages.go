package proto

import (
	"net/netip"

	"github.com/google/uuid"
)

// Type is the one-byte tag that follows the magic on every datagram.
type Type uint8

const (
	TypeOpenNotificationChannel    Type = 0
	TypeAckOpenNotificationChannel Type = 1
	TypeHost                       Type = 2
	TypeAckHost                    Type = 3
	TypeKeepAlive                  Type = 4
	TypeLookup                     Type = 5
	TypeNotFound                   Type = 6
	TypeConnect                    Type = 7
	TypeAckConnect                 Type = 8
	TypeAckLookup                  Type = 9
	TypePlayerHasJoined            Type = 10
)

var typeNames = [...]string{
	"open_notification_channel",
	"ack_open_notification_channel",
	"host",
	"ack_host",
	"keep_alive",
	"lookup",
	"not_found",
	"connect",
	"ack_connect",
	"ack_lookup",
	"player_has_joined",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Message is implemented by every wire message kind.
type Message interface {
	Type() Type
}

// OpenNotificationChannel host -> service, opens the channel for a session.
type OpenNotificationChannel struct {
	SessionID uuid.UUID
}

// AckOpenNotificationChannel service -> host.
type AckOpenNotificationChannel struct {
	SessionID uuid.UUID
}

// Host host -> service (spoofed), announces the host's private endpoint.
type Host struct {
	SessionID       uuid.UUID
	HostPrivateIP   netip.Addr
	HostPrivatePort uint16
}

// AckHost service -> host, carries the public endpoint the service observed.
type AckHost struct {
	SessionID      uuid.UUID
	HostPublicIP   netip.Addr
	HostPublicPort uint16
}

// KeepAlive host -> service (spoofed), periodic.
type KeepAlive struct {
	SessionID uuid.UUID
}

// Lookup client -> service.
type Lookup struct {
	HostPublicIP      netip.Addr
	HostPublicPort    uint16
	ClientPrivateIP   netip.Addr
	ClientPrivatePort uint16
}

// NotFound service -> client.
type NotFound struct {
	HostPublicIP   netip.Addr
	HostPublicPort uint16
}

// Connect service -> host, asks the host to punch towards a client.
type Connect struct {
	SessionID         uuid.UUID
	ClientPublicIP    netip.Addr
	ClientPrivateIP   netip.Addr
	ClientPublicPort  uint16
	ClientPrivatePort uint16
}

// AckConnect host -> service, echoes the client's public endpoint.
type AckConnect struct {
	SessionID        uuid.UUID
	ClientPublicIP   netip.Addr
	ClientPublicPort uint16
}

// AckLookup service -> client.
type AckLookup struct {
	HostPublicIP    netip.Addr
	HostPublicPort  uint16
	HostPrivateIP   netip.Addr
	HostPrivatePort uint16
}

// PlayerHasJoined host -> service (spoofed), telemetry only.
type PlayerHasJoined struct {
	SessionID        uuid.UUID
	ClientPublicIP   netip.Addr
	ClientPublicPort uint16
}

func (*OpenNotificationChannel) Type() Type    { return TypeOpenNotificationChannel }
func (*AckOpenNotificationChannel) Type() Type { return TypeAckOpenNotificationChannel }
func (*Host) Type() Type                       { return TypeHost }
func (*AckHost) Type() Type                    { return TypeAckHost }
func (*KeepAlive) Type() Type                  { return TypeKeepAlive }
func (*Lookup) Type() Type                     { return TypeLookup }
func (*NotFound) Type() Type                   { return TypeNotFound }
func (*Connect) Type() Type                    { return TypeConnect }
func (*AckConnect) Type() Type                 { return TypeAckConnect }
func (*AckLookup) Type() Type                  { return TypeAckLookup }
func (*PlayerHasJoined) Type() Type            { return TypePlayerHasJoined }

// SessionOf returns the session id carried by m, if its kind has one.
func SessionOf(m Message) (uuid.UUID, bool) {
	switch v := m.(type) {
	case *OpenNotificationChannel:
		return v.SessionID, true
	case *AckOpenNotificationChannel:
		return v.SessionID, true
	case *Host:
		return v.SessionID, true
	case *AckHost:
		return v.SessionID, true
	case *KeepAlive:
		return v.SessionID, true
	case *Connect:
		return v.SessionID, true
	case *AckConnect:
		return v.SessionID, true
	case *PlayerHasJoined:
		return v.SessionID, true
	}
	return uuid.Nil, false
}
