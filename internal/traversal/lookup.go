package traversal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/proto"
)

var (
	ErrHostNotFound    = errors.New("traversal: host not found")
	ErrUnexpectedReply = errors.New("traversal: unexpected reply")
)

// EnabledAddresses is the result of a successful lookup.
type EnabledAddresses struct {
	HostPublic  netip.AddrPort
	HostPrivate netip.AddrPort
	// Local is the caller's own endpoint as sent in the Lookup.
	Local netip.AddrPort
}

// TestNatTraversal asks the service for the addresses of the host registered at
// hostText:hostPublicPort. One request, one reply, no retries; every failure
// (not found, timeout, malformed reply, transport error) reports ok == false.
// ctx can only shorten the LookupTimeout.
func (c *Client) TestNatTraversal(ctx context.Context, hostText string, hostPublicPort uint16) (EnabledAddresses, bool) {
	res, err := c.lookup(ctx, hostText, hostPublicPort)
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, ErrHostNotFound):
			result = "not_found"
		case errors.Is(err, ErrNoIPv4Literal):
			result = "bad_host"
		case isTimeout(err):
			result = "timeout"
		}
		obs.LookupsTotal.WithLabelValues(result).Inc()
		obs.Debug("traversal.lookup.no_result", obs.Fields{"host": hostText, "port": hostPublicPort, "result": result, "err": err.Error()})
		return EnabledAddresses{}, false
	}
	obs.LookupsTotal.WithLabelValues("found").Inc()
	obs.Debug("traversal.lookup", obs.Fields{"host_public": res.HostPublic.String(), "host_private": res.HostPrivate.String()})
	return res, true
}

func (c *Client) lookup(ctx context.Context, hostText string, hostPublicPort uint16) (EnabledAddresses, error) {
	hostIP, err := parseHostAddress(hostText)
	if err != nil {
		return EnabledAddresses{}, err
	}

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(c.cfg.ServiceAddr))
	if err != nil {
		return EnabledAddresses{}, fmt.Errorf("dial service: %w", err)
	}
	defer conn.Close()

	la := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	local := netip.AddrPortFrom(la.Addr().Unmap(), la.Port())

	wire, err := proto.Encode(&proto.Lookup{
		HostPublicIP:      hostIP,
		HostPublicPort:    hostPublicPort,
		ClientPrivateIP:   local.Addr(),
		ClientPrivatePort: local.Port(),
	})
	if err != nil {
		return EnabledAddresses{}, err
	}

	deadline := time.Now().Add(c.cfg.LookupTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return EnabledAddresses{}, err
	}
	if _, err := conn.Write(wire); err != nil {
		return EnabledAddresses{}, fmt.Errorf("send lookup: %w", err)
	}

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return EnabledAddresses{}, fmt.Errorf("await reply: %w", err)
	}
	msg, err := proto.Decode(buf[:n])
	if err != nil {
		return EnabledAddresses{}, err
	}

	switch m := msg.(type) {
	case *proto.AckLookup:
		return EnabledAddresses{
			HostPublic:  netip.AddrPortFrom(m.HostPublicIP, m.HostPublicPort),
			HostPrivate: netip.AddrPortFrom(m.HostPrivateIP, m.HostPrivatePort),
			Local:       local,
		}, nil
	case *proto.NotFound:
		return EnabledAddresses{}, ErrHostNotFound
	}
	return EnabledAddresses{}, fmt.Errorf("%w: %s", ErrUnexpectedReply, msg.Type())
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
