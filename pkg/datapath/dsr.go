package datapath

import (
	"github.com/easzlab/ezdsr/pkg/csum"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
)

// DSRSNAT restores the pre-NAT source identity recorded under state on a
// reverse-path packet. TCP and UDP get their source port restored when the
// record carries one; ICMPv6 only has its address restored. Packets of other
// protocols are left untouched.
func DSRSNAT(acc packet.Accessor, l Layout, tbl StateTable, state lbmap.StateKey, tr Tracer) (lbmap.StateValue, error) {
	st, ok := tbl.Lookup(state)
	if !ok {
		tr.Trace(EventStateLookupFail, uint32(state), 0)
		return lbmap.StateValue{}, ErrStateLookup
	}

	switch l.NextHdr {
	case packet.ProtoTCP, packet.ProtoUDP:
		if st.Port != 0 {
			// Port offsets for UDP and TCP are the same.
			portOff := l.L4Off + packet.SrcPortOff
			sport, err := packet.LoadPort(acc, portOff)
			if err != nil {
				return st, ErrInvalidPacket
			}
			if st.Port != sport {
				if err := ModifyPort(acc, l, portOff, sport, st.Port); err != nil {
					return st, err
				}
			}
		}
	case packet.ProtoICMPv6:
	default:
		return st, ErrUnsupportedProtocol
	}

	saddr, err := packet.LoadAddr(acc, packet.IPv6SrcAddrOff)
	if err != nil {
		return st, ErrInvalidPacket
	}
	if err := acc.Store(packet.IPv6SrcAddrOff, st.Address[:]); err != nil {
		return st, ErrWrite
	}

	if l.CsumOff != 0 {
		sum := csum.Diff(saddr[:], st.Address[:], 0)
		if err := csum.Replace(acc, l.CsumOff, 0, sum, l.CsumFlags|csum.PseudoHdr); err != nil {
			return st, ErrChecksum
		}
	}

	return st, nil
}
