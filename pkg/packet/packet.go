package packet

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrTruncated is returned when a field access runs past the end of the packet.
	ErrTruncated = errors.New("packet truncated")
	// ErrNotIPv6 is returned by ParseIPv6 when the version nibble is not 6.
	ErrNotIPv6 = errors.New("not an IPv6 packet")
)

// IPv6 header layout. The datapath only handles packets starting directly
// with the IPv6 header (no link layer in front of it).
const (
	IPv6HeaderLen     = 40
	IPv6NextHdrOff    = 6
	IPv6SrcAddrOff    = 8
	IPv6DstAddrOff    = 24
	IPv6AddrLen       = 16
	IPv6PayloadLenOff = 4
)

// L4 field offsets relative to the start of the transport header.
// Port offsets for UDP and TCP are the same.
const (
	SrcPortOff     = 0
	DstPortOff     = 2
	TCPCsumOff     = 16
	UDPCsumOff     = 6
	ICMPv6CsumOff  = 2
	minL4HeaderLen = 8
)

// IP protocol numbers handled by the datapath.
const (
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// Accessor reads and writes raw packet bytes at fixed offsets.
// Implementations fail with ErrTruncated when the buffer is too short.
type Accessor interface {
	Load(offset int, dst []byte) error
	Store(offset int, src []byte) error
}

// Buffer is an Accessor over a contiguous in-memory packet.
type Buffer []byte

// Load copies len(dst) bytes starting at offset into dst.
func (b Buffer) Load(offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > len(b) {
		return ErrTruncated
	}
	copy(dst, b[offset:])
	return nil
}

// Store copies src into the packet starting at offset.
func (b Buffer) Store(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > len(b) {
		return ErrTruncated
	}
	copy(b[offset:], src)
	return nil
}

// LoadPort reads a big-endian 16-bit port and returns it in host order.
func LoadPort(acc Accessor, offset int) (uint16, error) {
	var p [2]byte
	if err := acc.Load(offset, p[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p[:]), nil
}

// StorePort writes a host order port as big-endian at offset.
func StorePort(acc Accessor, offset int, port uint16) error {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return acc.Store(offset, p[:])
}

// LoadAddr reads a 16 byte IPv6 address at offset.
func LoadAddr(acc Accessor, offset int) ([IPv6AddrLen]byte, error) {
	var a [IPv6AddrLen]byte
	err := acc.Load(offset, a[:])
	return a, err
}

// ParseIPv6 returns the next header value and the offset of the transport
// header. Extension headers are not walked: their type is returned as the
// next header and left to the caller to classify. For TCP, UDP and ICMPv6
// the fixed part of the transport header must be present.
func ParseIPv6(acc Accessor) (nexthdr uint8, l4Off int, err error) {
	var hdr [IPv6NextHdrOff + 1]byte
	if err := acc.Load(0, hdr[:]); err != nil {
		return 0, 0, err
	}
	if hdr[0]>>4 != 6 {
		return 0, 0, ErrNotIPv6
	}
	nexthdr = hdr[IPv6NextHdrOff]
	switch nexthdr {
	case ProtoTCP, ProtoUDP, ProtoICMPv6:
		var probe [minL4HeaderLen]byte
		if err := acc.Load(IPv6HeaderLen, probe[:]); err != nil {
			return 0, 0, err
		}
	}
	return nexthdr, IPv6HeaderLen, nil
}
