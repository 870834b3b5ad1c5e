package lbmap

import (
	"fmt"
	"net/netip"
)

// IPv6 is a fixed-width IPv6 address as stored in map keys and values.
type IPv6 [16]byte

// IPv6FromAddr converts a netip.Addr into an IPv6. IPv4 and IPv4-mapped
// addresses are rejected.
func IPv6FromAddr(addr netip.Addr) (IPv6, error) {
	if !addr.Is6() || addr.Is4In6() {
		return IPv6{}, fmt.Errorf("%s is not an IPv6 address", addr)
	}
	return IPv6(addr.As16()), nil
}

// MustIPv6 parses s and panics on error. Intended for tests and constants.
func MustIPv6(s string) IPv6 {
	ip, err := IPv6FromAddr(netip.MustParseAddr(s))
	if err != nil {
		panic(err)
	}
	return ip
}

// Addr returns ip as a netip.Addr.
func (ip IPv6) Addr() netip.Addr {
	return netip.AddrFrom16(ip)
}

func (ip IPv6) String() string {
	return ip.Addr().String()
}

// ServiceKey identifies a row of the service directory. Slave 0 is the
// master row of the service; slaves 1..N hold its backends.
type ServiceKey struct {
	Address IPv6
	Port    uint16
	Slave   uint16
}

// String returns a human-readable representation of the ServiceKey.
func (k ServiceKey) String() string {
	return fmt.Sprintf("[%s]:%d/%d", k.Address, k.Port, k.Slave)
}

// Master returns the key of the master row of the service k belongs to.
func (k ServiceKey) Master() ServiceKey {
	k.Slave = 0
	return k
}

// WithSlave returns the key of slave row n of the service k belongs to.
func (k ServiceKey) WithSlave(n uint16) ServiceKey {
	k.Slave = n
	return k
}

// ServiceValue is a row of the service directory. On a master row only
// Count is meaningful, on a slave row only Target and Port.
type ServiceValue struct {
	Target IPv6
	// Port is the backend port; 0 keeps the destination port unchanged.
	Port uint16
	// Count is the number of slave rows. A master with Count 0 is a
	// tombstone and is treated as absent.
	Count uint16
}

// Available reports whether a master row describes a usable service.
func (v ServiceValue) Available() bool {
	return v.Count != 0
}

// Backend is a backend address as written into a slave row.
type Backend struct {
	Address IPv6
	Port    uint16
}

// String returns a human-readable representation of the Backend.
func (b Backend) String() string {
	if b.Port == 0 {
		return b.Address.String()
	}
	return fmt.Sprintf("[%s]:%d", b.Address, b.Port)
}

func (b Backend) value() ServiceValue {
	return ServiceValue{Target: b.Address, Port: b.Port}
}

// StateKey is the compact flow-state identifier used on the DSR reverse path.
type StateKey uint16

// StateValue holds the pre-NAT source identity restored on the reverse path.
type StateValue struct {
	Address IPv6
	// Port is the original source port; 0 leaves the port untouched.
	Port uint16
}

// String returns a human-readable representation of the StateValue.
func (v StateValue) String() string {
	return Backend{Address: v.Address, Port: v.Port}.String()
}
