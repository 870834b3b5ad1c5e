package datapath

import (
	"github.com/easzlab/ezdsr/pkg/csum"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
)

// ModifyPort replaces the 16-bit port at portOff with to and folds the
// change into the transport checksum. from must be the value currently
// stored in the packet.
func ModifyPort(acc packet.Accessor, l Layout, portOff int, from, to uint16) error {
	if l.CsumOff != 0 {
		if err := csum.Replace(acc, l.CsumOff, uint32(from), uint32(to), l.CsumFlags|2); err != nil {
			return ErrChecksum
		}
	}
	if err := packet.StorePort(acc, portOff, to); err != nil {
		return ErrWrite
	}
	return nil
}

// Local rewrites a forward-path packet towards one backend of the service
// svc found under master and returns the selected slave index. key is the
// key extracted from the packet; it differs from master in the port after a
// wildcard match, and its port is what the packet carries. The destination
// address is always rewritten, the destination port only for TCP and UDP
// when the backend names a different one.
func Local(acc packet.Accessor, l Layout, tbl ServiceTable, key, master lbmap.ServiceKey, svc lbmap.ServiceValue, hash uint32, tr Tracer) (uint16, lbmap.Backend, error) {
	slave := SelectSlave(svc.Count, hash, tr)
	target, err := LookupSlave(tbl, master, slave, tr)
	if err != nil {
		return slave, lbmap.Backend{}, err
	}
	backend := lbmap.Backend{Address: target.Target, Port: target.Port}

	if err := acc.Store(packet.IPv6DstAddrOff, backend.Address[:]); err != nil {
		return slave, backend, ErrWrite
	}

	if l.CsumOff != 0 {
		sum := csum.Diff(key.Address[:], backend.Address[:], 0)
		if err := csum.Replace(acc, l.CsumOff, 0, sum, l.CsumFlags|csum.PseudoHdr); err != nil {
			return slave, backend, ErrChecksum
		}
	}

	if backend.Port != 0 && backend.Port != key.Port && l.hasPorts() {
		// Port offsets for UDP and TCP are the same.
		if err := ModifyPort(acc, l, l.L4Off+packet.DstPortOff, key.Port, backend.Port); err != nil {
			return slave, backend, err
		}
	}

	return slave, backend, nil
}
