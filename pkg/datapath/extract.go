package datapath

import (
	"github.com/easzlab/ezdsr/pkg/csum"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
)

// Layout locates the fields the rewriters touch.
type Layout struct {
	NextHdr uint8
	L4Off   int
	// CsumOff is the absolute offset of the transport checksum, 0 if there
	// is none to update.
	CsumOff   int
	CsumFlags csum.Flags
}

// LayoutFor resolves the checksum location for a transport protocol. ok is
// false for protocols the datapath does not handle.
func LayoutFor(nexthdr uint8, l4Off int) (Layout, bool) {
	off, flags, ok := csum.OffsetAndFlags(nexthdr)
	if !ok {
		return Layout{}, false
	}
	return Layout{
		NextHdr:   nexthdr,
		L4Off:     l4Off,
		CsumOff:   l4Off + off,
		CsumFlags: flags,
	}, true
}

// hasPorts reports whether the transport header starts with source and
// destination ports.
func (l Layout) hasPorts() bool {
	return l.NextHdr == packet.ProtoTCP || l.NextHdr == packet.ProtoUDP
}

// ExtractKey builds the service key of a packet from its destination address
// and, for TCP and UDP, its destination port. It does not modify the packet.
func ExtractKey(acc packet.Accessor, nexthdr uint8, l4Off int) (lbmap.ServiceKey, Layout, error) {
	var key lbmap.ServiceKey

	layout, ok := LayoutFor(nexthdr, l4Off)
	if !ok {
		return key, Layout{}, ErrUnsupportedProtocol
	}

	if err := acc.Load(packet.IPv6DstAddrOff, key.Address[:]); err != nil {
		return key, layout, ErrInvalidPacket
	}

	if layout.hasPorts() {
		// Port offsets for UDP and TCP are the same.
		port, err := packet.LoadPort(acc, l4Off+packet.DstPortOff)
		if err != nil {
			return key, layout, ErrInvalidPacket
		}
		key.Port = port
	}

	return key, layout, nil
}
