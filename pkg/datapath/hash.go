package datapath

import (
	"github.com/cespare/xxhash/v2"
	"github.com/easzlab/ezdsr/pkg/packet"
)

// flowTupleLen covers source and destination address, next header and both
// ports.
const flowTupleLen = 2*packet.IPv6AddrLen + 1 + 4

// FlowHash derives a per-flow hash from the 5-tuple of a packet, for callers
// that have no hash of their own. Packets without ports hash on their
// addresses and protocol only.
func FlowHash(acc packet.Accessor, nexthdr uint8, l4Off int) (uint32, error) {
	var tuple [flowTupleLen]byte
	if err := acc.Load(packet.IPv6SrcAddrOff, tuple[:2*packet.IPv6AddrLen]); err != nil {
		return 0, ErrInvalidPacket
	}
	tuple[2*packet.IPv6AddrLen] = nexthdr
	if nexthdr == packet.ProtoTCP || nexthdr == packet.ProtoUDP {
		if err := acc.Load(l4Off+packet.SrcPortOff, tuple[2*packet.IPv6AddrLen+1:]); err != nil {
			return 0, ErrInvalidPacket
		}
	}
	sum := xxhash.Sum64(tuple[:])
	return uint32(sum) ^ uint32(sum>>32), nil
}
