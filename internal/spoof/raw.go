package spoof

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
)

const udpHeaderLen = 8

// Raw writes hand-built IPv4+UDP packets through a raw socket, so any source
// endpoint can be used. It needs CAP_NET_RAW (or root).
type Raw struct {
	mu   sync.Mutex
	conn *ipv4.RawConn
	TTL  int
}

func NewRaw() (*Raw, error) {
	pc, err := net.ListenPacket("ip4:udp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("spoof: open raw socket: %w", err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("spoof: raw conn: %w", err)
	}
	return &Raw{conn: rc, TTL: 64}, nil
}

func (r *Raw) Send(src, dst netip.AddrPort, payload []byte) error {
	if err := checkIPv4(src, dst); err != nil {
		return err
	}
	datagram := buildUDP(src, dst, payload)
	s4, d4 := src.Addr().Unmap().As4(), dst.Addr().Unmap().As4()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(datagram),
		TTL:      r.TTL,
		Protocol: 17,
		Src:      net.IP(s4[:]),
		Dst:      net.IP(d4[:]),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.conn.WriteTo(h, datagram, nil); err != nil {
		return fmt.Errorf("spoof: raw send %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (r *Raw) Close() error { return r.conn.Close() }

// buildUDP returns header+payload with the checksum over the IPv4 pseudo header.
func buildUDP(src, dst netip.AddrPort, payload []byte) []byte {
	length := udpHeaderLen + len(payload)
	b := make([]byte, length)
	binary.BigEndian.PutUint16(b[0:2], src.Port())
	binary.BigEndian.PutUint16(b[2:4], dst.Port())
	binary.BigEndian.PutUint16(b[4:6], uint16(length))
	copy(b[udpHeaderLen:], payload)

	cs := udpChecksum(src.Addr().Unmap().As4(), dst.Addr().Unmap().As4(), b)
	if cs == 0 {
		cs = 0xFFFF
	}
	binary.BigEndian.PutUint16(b[6:8], cs)
	return b
}

func udpChecksum(src, dst [4]byte, datagram []byte) uint16 {
	pseudo := make([]byte, 0, 12+len(datagram)+1)
	pseudo = append(pseudo, src[:]...)
	pseudo = append(pseudo, dst[:]...)
	pseudo = append(pseudo, 0, 17)
	pseudo = binary.BigEndian.AppendUint16(pseudo, uint16(len(datagram)))
	pseudo = append(pseudo, datagram...)
	if len(pseudo)%2 == 1 {
		pseudo = append(pseudo, 0)
	}

	var sum uint32
	for i := 0; i < len(pseudo); i += 2 {
		sum += uint32(pseudo[i])<<8 | uint32(pseudo[i+1])
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}
