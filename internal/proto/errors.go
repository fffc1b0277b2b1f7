package proto

import "errors"

var (
	// ErrMessageIsNil is returned when trying to encode a nil message.
	ErrMessageIsNil = errors.New("proto: message is nil")

	// ErrNotOurPacket indicates the datagram does not start with the protocol magic.
	ErrNotOurPacket = errors.New("proto: not a rendezvous packet")

	// ErrUnknownType indicates a tag outside the known message kinds.
	ErrUnknownType = errors.New("proto: unknown message type")

	// ErrMalformedPacket indicates the length does not match the tag's fixed size.
	ErrMalformedPacket = errors.New("proto: malformed packet")

	// ErrNotIPv4 is returned when an address field is not an IPv4 address.
	ErrNotIPv4 = errors.New("proto: address is not ipv4")
)
