package traversal

import (
	"errors"
	"net/netip"
	"regexp"
)

// ErrNoIPv4Literal is returned when host text does not start with an IPv4 literal.
var ErrNoIPv4Literal = errors.New("traversal: host text does not start with an ipv4 address")

var ipv4Prefix = regexp.MustCompile(`^\s*(\d{1,3}(?:\.\d{1,3}){3})`)

// parseHostAddress extracts the leading IPv4 literal from user-supplied host text
// such as "203.0.113.7", "203.0.113.7:7777" or "203.0.113.7 (lobby)".
// Host names are not resolved.
func parseHostAddress(text string) (netip.Addr, error) {
	m := ipv4Prefix.FindStringSubmatch(text)
	if m == nil {
		return netip.Addr{}, ErrNoIPv4Literal
	}
	addr, err := netip.ParseAddr(m[1])
	if err != nil {
		return netip.Addr{}, ErrNoIPv4Literal
	}
	return addr, nil
}
