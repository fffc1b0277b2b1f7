package proto_test

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/natpunch/internal/proto"
)

var (
	zeroIP  = netip.MustParseAddr("0.0.0.0")
	maxIP   = netip.MustParseAddr("255.255.255.255")
	lanIP   = netip.MustParseAddr("192.168.1.20")
	wanIP   = netip.MustParseAddr("203.0.113.7")
	sid     = uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	fullSid = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func allKinds(id uuid.UUID, ip netip.Addr, port uint16) []proto.Message {
	return []proto.Message{
		&proto.OpenNotificationChannel{SessionID: id},
		&proto.AckOpenNotificationChannel{SessionID: id},
		&proto.Host{SessionID: id, HostPrivateIP: ip, HostPrivatePort: port},
		&proto.AckHost{SessionID: id, HostPublicIP: ip, HostPublicPort: port},
		&proto.KeepAlive{SessionID: id},
		&proto.Lookup{HostPublicIP: ip, HostPublicPort: port, ClientPrivateIP: lanIP, ClientPrivatePort: 1},
		&proto.NotFound{HostPublicIP: ip, HostPublicPort: port},
		&proto.Connect{SessionID: id, ClientPublicIP: ip, ClientPrivateIP: lanIP, ClientPublicPort: port, ClientPrivatePort: 7777},
		&proto.AckConnect{SessionID: id, ClientPublicIP: ip, ClientPublicPort: port},
		&proto.AckLookup{HostPublicIP: ip, HostPublicPort: port, HostPrivateIP: lanIP, HostPrivatePort: 7777},
		&proto.PlayerHasJoined{SessionID: id, ClientPublicIP: ip, ClientPublicPort: port},
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   uuid.UUID
		ip   netip.Addr
		port uint16
	}{
		{"representative", sid, wanIP, 40123},
		{"zero", uuid.Nil, zeroIP, 0},
		{"max", fullSid, maxIP, 65535},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			for _, in := range allKinds(tt.id, tt.ip, tt.port) {
				wire, err := proto.Encode(in)
				require.NoError(t, err, in.Type().String())

				size, ok := proto.Size(in.Type())
				assert.True(t, ok)
				assert.Len(t, wire, size, in.Type().String())

				out, err := proto.Decode(wire)
				require.NoError(t, err, in.Type().String())
				assert.Equal(t, in, out)
			}
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	t.Parallel()

	wire, err := proto.Encode(&proto.AckHost{
		SessionID:      sid,
		HostPublicIP:   netip.MustParseAddr("1.2.3.4"),
		HostPublicPort: 0x1F90,
	})
	require.NoError(t, err)

	want := append([]byte{0xD1, 0xCE, 3}, sid[:]...)
	want = append(want, 1, 2, 3, 4, 0x1F, 0x90)
	assert.Equal(t, want, wire)

	wire, err = proto.Encode(&proto.Connect{
		SessionID:         sid,
		ClientPublicIP:    netip.MustParseAddr("9.8.7.6"),
		ClientPrivateIP:   netip.MustParseAddr("10.0.0.2"),
		ClientPublicPort:  1,
		ClientPrivatePort: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7, 6, 10, 0, 0, 2, 0, 1, 0, 2}, wire[proto.HeaderLen+16:])
}

func TestEncodeRejects(t *testing.T) {
	t.Parallel()

	_, err := proto.Encode(nil)
	assert.ErrorIs(t, err, proto.ErrMessageIsNil)

	_, err = proto.Encode((*proto.Host)(nil))
	assert.ErrorIs(t, err, proto.ErrMessageIsNil)

	_, err = proto.Encode(&proto.NotFound{HostPublicIP: netip.MustParseAddr("2001:db8::1"), HostPublicPort: 1})
	assert.ErrorIs(t, err, proto.ErrNotIPv4)

	_, err = proto.Encode(&proto.NotFound{HostPublicPort: 1})
	assert.ErrorIs(t, err, proto.ErrNotIPv4)
}

func TestEncodeUnmapsIPv4InIPv6(t *testing.T) {
	t.Parallel()

	mapped := netip.AddrFrom16(netip.MustParseAddr("::ffff:10.1.2.3").As16())
	wire, err := proto.Encode(&proto.NotFound{HostPublicIP: mapped, HostPublicPort: 5})
	require.NoError(t, err)

	out, err := proto.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), out.(*proto.NotFound).HostPublicIP)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	good, err := proto.Encode(&proto.KeepAlive{SessionID: sid})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, proto.ErrNotOurPacket},
		{"short", []byte{0xD1}, proto.ErrNotOurPacket},
		{"foreign", []byte("foreign payload"), proto.ErrNotOurPacket},
		{"bad magic", append([]byte{0xD1, 0xCF}, good[2:]...), proto.ErrNotOurPacket},
		{"unknown tag", []byte{0xD1, 0xCE, 11}, proto.ErrUnknownType},
		{"high tag", []byte{0xD1, 0xCE, 0xFF, 0, 0}, proto.ErrUnknownType},
		{"truncated", good[:len(good)-1], proto.ErrMalformedPacket},
		{"padded", append(append([]byte{}, good...), 0), proto.ErrMalformedPacket},
		{"header only", []byte{0xD1, 0xCE, byte(proto.TypeLookup)}, proto.ErrMalformedPacket},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := proto.Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEveryKindRejectsWrongLength(t *testing.T) {
	t.Parallel()

	for _, m := range allKinds(sid, wanIP, 1) {
		wire, err := proto.Encode(m)
		require.NoError(t, err)

		_, err = proto.Decode(wire[:len(wire)-1])
		assert.ErrorIs(t, err, proto.ErrMalformedPacket, m.Type().String())

		_, err = proto.Decode(append(wire, 0xAA))
		assert.ErrorIs(t, err, proto.ErrMalformedPacket, m.Type().String())
	}
}

func TestSessionOf(t *testing.T) {
	t.Parallel()

	id, ok := proto.SessionOf(&proto.Connect{SessionID: sid})
	assert.True(t, ok)
	assert.Equal(t, sid, id)

	_, ok = proto.SessionOf(&proto.Lookup{})
	assert.False(t, ok)
}
