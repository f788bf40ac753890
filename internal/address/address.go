// Package address normalizes the node identity/endpoint format used
// throughout raftkv: "/ip4/A.B.C.D/tcp/P" or "/ip6/.../tcp/P".
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a normalized node endpoint. Two addresses are equal iff their
// normalized string forms are equal; the normalized form IS the NodeId.
type Address struct {
	proto string // "ip4" or "ip6"
	host  string // lower-cased
	port  uint16
}

// Parse validates and normalizes a "/ipN/host/tcp/port" endpoint string.
func Parse(s string) (Address, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) != 4 {
		return Address{}, fmt.Errorf("address: malformed endpoint %q", s)
	}

	proto := strings.ToLower(parts[0])
	if proto != "ip4" && proto != "ip6" {
		return Address{}, fmt.Errorf("address: unknown protocol %q", parts[0])
	}

	if strings.ToLower(parts[2]) != "tcp" {
		return Address{}, fmt.Errorf("address: unsupported transport %q", parts[2])
	}

	port, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("address: invalid port %q: %w", parts[3], err)
	}

	return Address{
		proto: proto,
		host:  strings.ToLower(parts[1]),
		port:  uint16(port),
	}, nil
}

// MustParse is Parse but panics on error; intended for literals in tests
// and static configuration.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the canonical normalized form, also used as the NodeId.
func (a Address) String() string {
	return fmt.Sprintf("/%s/%s/tcp/%d", a.proto, a.host, a.port)
}

// Equal compares two addresses by their normalized form.
func (a Address) Equal(other Address) bool {
	return a.proto == other.proto && a.host == other.host && a.port == other.port
}

// IsZero reports whether the Address was never populated by Parse.
func (a Address) IsZero() bool {
	return a.proto == "" && a.host == ""
}

// HostPort returns a "host:port" form suitable for net.Dial.
func (a Address) HostPort() string {
	return fmt.Sprintf("%s:%d", a.host, a.port)
}
