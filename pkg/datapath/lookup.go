package datapath

import (
	"encoding/binary"

	"github.com/easzlab/ezdsr/pkg/lbmap"
)

// ServiceTable is the read side of the service directory.
type ServiceTable interface {
	Lookup(key lbmap.ServiceKey) (lbmap.ServiceValue, bool)
}

// StateTable is the read side of the flow-state store.
type StateTable interface {
	Lookup(key lbmap.StateKey) (lbmap.StateValue, bool)
}

// LookupService resolves the master row for key. An exact match with a
// non-zero count wins; otherwise a key with a port falls back to the
// wildcard service on port 0 of the same address. The returned key is the
// master key that matched and must be used for the slave lookup.
func LookupService(tbl ServiceTable, key lbmap.ServiceKey, tr Tracer) (lbmap.ServiceKey, lbmap.ServiceValue, error) {
	key = key.Master()

	if svc, ok := tbl.Lookup(key); ok && svc.Available() {
		return key, svc, nil
	}

	if key.Port != 0 {
		key.Port = 0
		if svc, ok := tbl.Lookup(key); ok && svc.Available() {
			return key, svc, nil
		}
	}

	tr.Trace(EventLookupFailMaster, lastWord(key.Address), uint32(key.Port))
	return key, lbmap.ServiceValue{}, ErrNoService
}

// LookupSlave returns slave row n of the service whose master key is master.
func LookupSlave(tbl ServiceTable, master lbmap.ServiceKey, n uint16, tr Tracer) (lbmap.ServiceValue, error) {
	key := master.WithSlave(n)
	if svc, ok := tbl.Lookup(key); ok {
		return svc, nil
	}

	tr.Trace(EventLookupFailSlave, uint32(n), uint32(key.Port))
	return lbmap.ServiceValue{}, ErrNoBackend
}

// SelectSlave maps a packet hash onto a slave index in [1, count]. Index 0
// is the master row. count must not be 0.
func SelectSlave(count uint16, hash uint32, tr Tracer) uint16 {
	slave := uint16(hash%uint32(count)) + 1
	tr.Trace(EventPacketHash, hash, uint32(slave))
	return slave
}

// lastWord returns the low 32 bits of an address for trace arguments.
func lastWord(addr lbmap.IPv6) uint32 {
	return binary.BigEndian.Uint32(addr[12:])
}
