// Package csum implements incremental one's-complement checksum updates for
// L4 headers, with the same semantics as the kernel csum_diff and
// l4_csum_replace helpers.
package csum

import (
	"encoding/binary"
	"errors"

	"github.com/easzlab/ezdsr/pkg/packet"
)

// Flags control how Replace interprets its arguments.
type Flags uint32

const (
	// SizeMask selects the width of the replaced field: 0 means "to" is a
	// precomputed difference, 2 and 4 mean 16 and 32 bit fields.
	SizeMask Flags = 0xf
	// PseudoHdr marks the field as covered by the IPv6 pseudo-header.
	PseudoHdr Flags = 1 << 4
	// MarkMangled0 leaves a zero checksum untouched and never writes zero,
	// as required for UDP.
	MarkMangled0 Flags = 1 << 5
)

// mangled0 is what a zero result is written as when MarkMangled0 is set.
const mangled0 = 0xffff

// ErrInvalidFlags is returned by Replace for an unsupported field size.
var ErrInvalidFlags = errors.New("invalid checksum flags")

// Diff returns the one's-complement difference between from and to, added
// to seed. Both slices are read as big-endian 16-bit words and must have an
// even length. The result is an unfolded 32-bit partial sum suitable as the
// "to" argument of Replace with size 0.
func Diff(from, to []byte, seed uint32) uint32 {
	sum := uint64(seed)
	for i := 0; i+1 < len(from); i += 2 {
		sum += uint64(^binary.BigEndian.Uint16(from[i:]))
	}
	for i := 0; i+1 < len(to); i += 2 {
		sum += uint64(binary.BigEndian.Uint16(to[i:]))
	}
	return fold32(sum)
}

// Replace updates the 16-bit checksum stored at off in acc. With a size of
// 2 or 4 in flags, from and to are the old and new field values; with size
// 0, to is a difference produced by Diff and from is ignored.
func Replace(acc packet.Accessor, off int, from, to uint32, flags Flags) error {
	var field [2]byte
	if err := acc.Load(off, field[:]); err != nil {
		return err
	}
	cur := binary.BigEndian.Uint16(field[:])
	if flags&MarkMangled0 != 0 && cur == 0 {
		return nil
	}

	var diff uint64
	switch flags & SizeMask {
	case 0:
		diff = uint64(to)
	case 2:
		diff = uint64(^uint16(from)) + uint64(uint16(to))
	case 4:
		diff = uint64(^from) + uint64(to)
	default:
		return ErrInvalidFlags
	}

	next := ^Fold(uint64(^cur) + diff)
	if flags&MarkMangled0 != 0 && next == 0 {
		next = mangled0
	}
	binary.BigEndian.PutUint16(field[:], next)
	return acc.Store(off, field[:])
}

// Fold reduces a one's-complement sum to 16 bits with end-around carry.
func Fold(sum uint64) uint16 {
	s := uint64(fold32(sum))
	s = (s & 0xffff) + (s >> 16)
	s = (s & 0xffff) + (s >> 16)
	return uint16(s)
}

func fold32(sum uint64) uint32 {
	sum = (sum & 0xffffffff) + (sum >> 32)
	sum = (sum & 0xffffffff) + (sum >> 32)
	return uint32(sum)
}

// OffsetAndFlags returns the offset of the checksum field relative to the
// transport header and the flags to use with Replace. ok is false for
// protocols whose checksum is not handled.
func OffsetAndFlags(nexthdr uint8) (off int, flags Flags, ok bool) {
	switch nexthdr {
	case packet.ProtoTCP:
		return packet.TCPCsumOff, 0, true
	case packet.ProtoUDP:
		return packet.UDPCsumOff, MarkMangled0, true
	case packet.ProtoICMPv6:
		return packet.ICMPv6CsumOff, 0, true
	default:
		return 0, 0, false
	}
}
