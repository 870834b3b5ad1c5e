package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Template describes a synthetic IPv6 packet.
type Template struct {
	Src     netip.Addr
	Dst     netip.Addr
	Proto   uint8
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// Build serializes t into a wire-valid IPv6 packet with correct lengths and
// transport checksum. For ICMPv6 an echo request is built and the ports are
// ignored.
func Build(t Template) ([]byte, error) {
	if !t.Src.Is6() || !t.Dst.Is6() {
		return nil, fmt.Errorf("source %s and destination %s must be IPv6", t.Src, t.Dst)
	}
	src, dst := t.Src.As16(), t.Dst.As16()
	ip6 := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocol(t.Proto),
		HopLimit:   64,
		SrcIP:      net.IP(src[:]),
		DstIP:      net.IP(dst[:]),
	}

	var l4 []gopacket.SerializableLayer
	switch t.Proto {
	case ProtoTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(t.SrcPort),
			DstPort: layers.TCPPort(t.DstPort),
			Seq:     1,
			ACK:     true,
			PSH:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		l4 = append(l4, tcp)
	case ProtoUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(t.SrcPort),
			DstPort: layers.UDPPort(t.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		l4 = append(l4, udp)
	case ProtoICMPv6:
		icmp := &layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
		}
		if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		l4 = append(l4, icmp, &layers.ICMPv6Echo{Identifier: t.SrcPort, SeqNumber: 1})
	default:
		return nil, fmt.Errorf("unsupported protocol %d", t.Proto)
	}

	all := append([]gopacket.SerializableLayer{ip6}, l4...)
	all = append(all, gopacket.Payload(t.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, all...); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

// Describe returns a one-line summary of an IPv6 packet for diagnostics.
func Describe(pkt []byte) string {
	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv6, gopacket.NoCopy)
	ip6, ok := p.NetworkLayer().(*layers.IPv6)
	if !ok {
		return fmt.Sprintf("<undecodable %d bytes>", len(pkt))
	}
	switch l4 := p.TransportLayer().(type) {
	case *layers.TCP:
		return fmt.Sprintf("tcp [%s]:%d -> [%s]:%d csum=%#04x",
			ip6.SrcIP, l4.SrcPort, ip6.DstIP, l4.DstPort, l4.Checksum)
	case *layers.UDP:
		return fmt.Sprintf("udp [%s]:%d -> [%s]:%d csum=%#04x",
			ip6.SrcIP, l4.SrcPort, ip6.DstIP, l4.DstPort, l4.Checksum)
	}
	if icmp, ok := p.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
		return fmt.Sprintf("icmpv6 %s -> %s type=%s csum=%#04x",
			ip6.SrcIP, ip6.DstIP, icmp.TypeCode, icmp.Checksum)
	}
	return fmt.Sprintf("proto %d %s -> %s", ip6.NextHeader, ip6.SrcIP, ip6.DstIP)
}
