package csum

import (
	"encoding/binary"

	"github.com/easzlab/ezdsr/pkg/packet"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// Verify recomputes the transport checksum of an IPv6 packet over the
// pseudo-header and the whole L4 segment. It reads the full payload and is
// meant for diagnostics, never for the per-packet path.
func Verify(pkt []byte) bool {
	if len(pkt) < packet.IPv6HeaderLen {
		return false
	}
	nexthdr := pkt[packet.IPv6NextHdrOff]
	off, flags, ok := OffsetAndFlags(nexthdr)
	if !ok {
		return false
	}
	segment := pkt[packet.IPv6HeaderLen:]
	if len(segment) < off+2 {
		return false
	}
	if flags&MarkMangled0 != 0 && binary.BigEndian.Uint16(segment[off:]) == 0 {
		// IPv6 forbids a zero UDP checksum.
		return false
	}
	return checksum.Checksum(segment, PseudoHeaderSum(pkt, uint32(len(segment)))) == 0xffff
}

// PseudoHeaderSum returns the folded sum of the IPv6 pseudo-header of pkt
// for an upper-layer length of l4Len.
func PseudoHeaderSum(pkt []byte, l4Len uint32) uint16 {
	var ph [2*packet.IPv6AddrLen + 8]byte
	copy(ph[:], pkt[packet.IPv6SrcAddrOff:packet.IPv6DstAddrOff+packet.IPv6AddrLen])
	binary.BigEndian.PutUint32(ph[2*packet.IPv6AddrLen:], l4Len)
	ph[len(ph)-1] = pkt[packet.IPv6NextHdrOff]
	return checksum.Checksum(ph[:], 0)
}
