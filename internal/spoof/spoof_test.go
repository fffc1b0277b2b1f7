package spoof_test

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/natpunch/internal/spoof"
)

func TestBuildUDPChecksumVerifies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		src     netip.AddrPort
		dst     netip.AddrPort
		payload []byte
	}{
		{"empty", netip.MustParseAddrPort("192.168.1.2:7777"), netip.MustParseAddrPort("203.0.113.9:27015"), nil},
		{"odd", netip.MustParseAddrPort("10.0.0.1:1"), netip.MustParseAddrPort("10.0.0.2:65535"), []byte{0xD1, 0xCE, 4}},
		{"even", netip.MustParseAddrPort("0.0.0.0:0"), netip.MustParseAddrPort("255.255.255.255:9"), []byte("keepalive!")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := spoof.TestBuildUDP(tt.src, tt.dst, tt.payload)
			require.Len(t, b, 8+len(tt.payload))
			assert.Equal(t, tt.src.Port(), binary.BigEndian.Uint16(b[0:2]))
			assert.Equal(t, tt.dst.Port(), binary.BigEndian.Uint16(b[2:4]))
			assert.Equal(t, uint16(len(b)), binary.BigEndian.Uint16(b[4:6]))
			assert.NotZero(t, binary.BigEndian.Uint16(b[6:8]))
			assert.Equal(t, tt.payload, nilIfEmpty(b[8:]))

			assert.Zero(t, spoof.TestUDPChecksum(tt.src.Addr().As4(), tt.dst.Addr().As4(), b))
		})
	}
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func TestReusePortSendsFromSharedPort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT sharing semantics are only exercised on linux")
	}
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	owner, err := spoof.ListenUDP(ctx, netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer owner.Close()

	recv, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	src := owner.LocalAddr().(*net.UDPAddr).AddrPort()
	dst := recv.LocalAddr().(*net.UDPAddr).AddrPort()

	require.NoError(t, spoof.NewReusePort().Send(src, dst, []byte("punch")))

	_ = recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, from, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "punch", string(buf[:n]))
	assert.Equal(t, src.Port(), uint16(from.Port))
}

func TestRejectsIPv6(t *testing.T) {
	t.Parallel()

	err := spoof.NewReusePort().Send(
		netip.MustParseAddrPort("[::1]:1"),
		netip.MustParseAddrPort("127.0.0.1:2"),
		nil,
	)
	assert.ErrorIs(t, err, spoof.ErrNotIPv4)
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	var got netip.AddrPort
	var s spoof.Spoofer = spoof.Func(func(src, dst netip.AddrPort, payload []byte) error {
		got = src
		return nil
	})
	src := netip.MustParseAddrPort("10.0.0.1:7777")
	assert.NoError(t, s.Send(src, src, nil))
	assert.Equal(t, src, got)
}
