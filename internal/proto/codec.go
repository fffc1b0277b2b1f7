// Package proto defines the fixed-layout datagrams exchanged with the rendezvous service.
//
// Every datagram is Magic (2 bytes), a Type tag (1 byte), then the fields of that kind
// packed without padding. Session ids are copied as raw bytes; IPv4 addresses and
// ports are written in network byte order.
package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"reflect"

	"github.com/google/uuid"
)

// Magic prefixes every datagram of the protocol.
var Magic = [2]byte{0xD1, 0xCE}

// HeaderLen is magic + type tag.
const HeaderLen = 3

const (
	idLen   = 16
	ipLen   = 4
	portLen = 2
)

var sizes = [...]int{
	TypeOpenNotificationChannel:    HeaderLen + idLen,
	TypeAckOpenNotificationChannel: HeaderLen + idLen,
	TypeHost:                       HeaderLen + idLen + ipLen + portLen,
	TypeAckHost:                    HeaderLen + idLen + ipLen + portLen,
	TypeKeepAlive:                  HeaderLen + idLen,
	TypeLookup:                     HeaderLen + 2*(ipLen+portLen),
	TypeNotFound:                   HeaderLen + ipLen + portLen,
	TypeConnect:                    HeaderLen + idLen + 2*(ipLen+portLen),
	TypeAckConnect:                 HeaderLen + idLen + ipLen + portLen,
	TypeAckLookup:                  HeaderLen + 2*(ipLen+portLen),
	TypePlayerHasJoined:            HeaderLen + idLen + ipLen + portLen,
}

// Size returns the exact encoded length of a message kind.
func Size(t Type) (int, bool) {
	if int(t) >= len(sizes) {
		return 0, false
	}
	return sizes[t], true
}

type writer struct {
	b   []byte
	err error
}

func (w *writer) id(id uuid.UUID) { w.b = append(w.b, id[:]...) }

func (w *writer) ip(a netip.Addr) {
	a = a.Unmap()
	if !a.Is4() {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %q", ErrNotIPv4, a.String())
		}
		a = netip.IPv4Unspecified()
	}
	v := a.As4()
	w.b = append(w.b, v[:]...)
}

func (w *writer) port(p uint16) { w.b = binary.BigEndian.AppendUint16(w.b, p) }

// Encode serializes m into its exact wire form.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrMessageIsNil
	}
	if v := reflect.ValueOf(m); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, ErrMessageIsNil
	}
	t := m.Type()
	size, ok := Size(t)
	if !ok {
		return nil, ErrUnknownType
	}

	w := &writer{b: make([]byte, 0, size)}
	w.b = append(w.b, Magic[0], Magic[1], byte(t))

	switch v := m.(type) {
	case *OpenNotificationChannel:
		w.id(v.SessionID)
	case *AckOpenNotificationChannel:
		w.id(v.SessionID)
	case *Host:
		w.id(v.SessionID)
		w.ip(v.HostPrivateIP)
		w.port(v.HostPrivatePort)
	case *AckHost:
		w.id(v.SessionID)
		w.ip(v.HostPublicIP)
		w.port(v.HostPublicPort)
	case *KeepAlive:
		w.id(v.SessionID)
	case *Lookup:
		w.ip(v.HostPublicIP)
		w.port(v.HostPublicPort)
		w.ip(v.ClientPrivateIP)
		w.port(v.ClientPrivatePort)
	case *NotFound:
		w.ip(v.HostPublicIP)
		w.port(v.HostPublicPort)
	case *Connect:
		w.id(v.SessionID)
		w.ip(v.ClientPublicIP)
		w.ip(v.ClientPrivateIP)
		w.port(v.ClientPublicPort)
		w.port(v.ClientPrivatePort)
	case *AckConnect:
		w.id(v.SessionID)
		w.ip(v.ClientPublicIP)
		w.port(v.ClientPublicPort)
	case *AckLookup:
		w.ip(v.HostPublicIP)
		w.port(v.HostPublicPort)
		w.ip(v.HostPrivateIP)
		w.port(v.HostPrivatePort)
	case *PlayerHasJoined:
		w.id(v.SessionID)
		w.ip(v.ClientPublicIP)
		w.port(v.ClientPublicPort)
	default:
		return nil, ErrUnknownType
	}

	if w.err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, w.err)
	}
	return w.b, nil
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) id() (id uuid.UUID) {
	copy(id[:], r.b[r.off:r.off+idLen])
	r.off += idLen
	return
}

func (r *reader) ip() netip.Addr {
	var v [4]byte
	copy(v[:], r.b[r.off:r.off+ipLen])
	r.off += ipLen
	return netip.AddrFrom4(v)
}

func (r *reader) port() uint16 {
	p := binary.BigEndian.Uint16(r.b[r.off : r.off+portLen])
	r.off += portLen
	return p
}

// PeekType reports the tag of a datagram that carries the protocol magic.
func PeekType(data []byte) (Type, error) {
	if len(data) < HeaderLen || data[0] != Magic[0] || data[1] != Magic[1] {
		return 0, ErrNotOurPacket
	}
	return Type(data[2]), nil
}

// Decode parses a datagram. It fails on a missing magic, an unknown tag,
// or a length that differs from the tag's fixed size.
func Decode(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	size, ok := Size(t)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformedPacket, t, len(data), size)
	}

	r := &reader{b: data, off: HeaderLen}
	switch t {
	case TypeOpenNotificationChannel:
		return &OpenNotificationChannel{SessionID: r.id()}, nil
	case TypeAckOpenNotificationChannel:
		return &AckOpenNotificationChannel{SessionID: r.id()}, nil
	case TypeHost:
		m := &Host{SessionID: r.id()}
		m.HostPrivateIP = r.ip()
		m.HostPrivatePort = r.port()
		return m, nil
	case TypeAckHost:
		m := &AckHost{SessionID: r.id()}
		m.HostPublicIP = r.ip()
		m.HostPublicPort = r.port()
		return m, nil
	case TypeKeepAlive:
		return &KeepAlive{SessionID: r.id()}, nil
	case TypeLookup:
		m := &Lookup{HostPublicIP: r.ip()}
		m.HostPublicPort = r.port()
		m.ClientPrivateIP = r.ip()
		m.ClientPrivatePort = r.port()
		return m, nil
	case TypeNotFound:
		m := &NotFound{HostPublicIP: r.ip()}
		m.HostPublicPort = r.port()
		return m, nil
	case TypeConnect:
		m := &Connect{SessionID: r.id()}
		m.ClientPublicIP = r.ip()
		m.ClientPrivateIP = r.ip()
		m.ClientPublicPort = r.port()
		m.ClientPrivatePort = r.port()
		return m, nil
	case TypeAckConnect:
		m := &AckConnect{SessionID: r.id()}
		m.ClientPublicIP = r.ip()
		m.ClientPublicPort = r.port()
		return m, nil
	case TypeAckLookup:
		m := &AckLookup{HostPublicIP: r.ip()}
		m.HostPublicPort = r.port()
		m.HostPrivateIP = r.ip()
		m.HostPrivatePort = r.port()
		return m, nil
	case TypePlayerHasJoined:
		m := &PlayerHasJoined{SessionID: r.id()}
		m.ClientPublicIP = r.ip()
		m.ClientPublicPort = r.port()
		return m, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
}
