package datapath

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
	"pgregory.net/rapid"
)

func TestForward_ExampleScenario(t *testing.T) {
	services, states := newTables()
	addService(t, services, "2001:db8::1", 80,
		backend("fd00::a", 8080),
		backend("fd00::b", 0),
	)
	tr := &recordingTracer{}
	dp := New(services, states, WithTracer(tr))

	client := mustAddr("2001:db8::100")
	pkt := buildPacket(t, packet.ProtoTCP, client, mustAddr("2001:db8::1"), 40000, 80, []byte("GET / HTTP/1.1\r\n"))

	res := dp.Forward(packet.Buffer(pkt), 5)
	if res.Verdict != Forwarded || res.Err != nil {
		t.Fatalf("expected forwarded packet, got %s (%v)", res.Verdict, res.Err)
	}
	if res.Slave != 2 {
		t.Errorf("expected slave (5 mod 2)+1 = 2, got %d", res.Slave)
	}
	if res.Backend != backend("fd00::b", 0) {
		t.Errorf("expected backend fd00::b, got %s", res.Backend)
	}
	if got := tr.last(); got != (traceRecord{EventPacketHash, 5, 2}) {
		t.Errorf("expected packet hash trace, got %+v", got)
	}

	// Destination port stays 80; only the address diff enters the checksum.
	want := buildPacket(t, packet.ProtoTCP, client, mustAddr("fd00::b"), 40000, 80, []byte("GET / HTTP/1.1\r\n"))
	assertSamePacket(t, pkt, want)
}

func TestForward_PortRewrite(t *testing.T) {
	tests := []struct {
		name      string
		listen    uint16
		back      lbmap.Backend
		proto     uint8
		dport     uint16
		wantDport uint16
	}{
		{"tcp backend port", 80, backend("fd00::a", 8080), packet.ProtoTCP, 80, 8080},
		{"udp backend port", 53, backend("fd00::a", 5353), packet.ProtoUDP, 53, 5353},
		{"same port not rewritten", 80, backend("fd00::a", 80), packet.ProtoTCP, 80, 80},
		{"wildcard keeps packet port", 0, backend("fd00::a", 0), packet.ProtoTCP, 443, 443},
		{"wildcard with backend port", 0, backend("fd00::a", 8443), packet.ProtoTCP, 443, 8443},
		{"wildcard udp with backend port", 0, backend("fd00::a", 9000), packet.ProtoUDP, 1234, 9000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services, states := newTables()
			addService(t, services, "2001:db8::1", tt.listen, tt.back)
			dp := New(services, states)

			client, vip := mustAddr("2001:db8::100"), mustAddr("2001:db8::1")
			pkt := buildPacket(t, tt.proto, client, vip, 40000, tt.dport, []byte("payload"))
			res := dp.Forward(packet.Buffer(pkt), 0)
			if res.Verdict != Forwarded {
				t.Fatalf("expected forwarded packet, got %s (%v)", res.Verdict, res.Err)
			}

			want := buildPacket(t, tt.proto, client, tt.back.Address.Addr(), 40000, tt.wantDport, []byte("payload"))
			assertSamePacket(t, pkt, want)
		})
	}
}

func TestForward_ICMPv6AddressOnly(t *testing.T) {
	services, states := newTables()
	addService(t, services, "2001:db8::1", 0, backend("fd00::a", 8080))
	dp := New(services, states)

	client := mustAddr("2001:db8::100")
	pkt := buildPacket(t, packet.ProtoICMPv6, client, mustAddr("2001:db8::1"), 7, 0, []byte("ping"))
	res := dp.Forward(packet.Buffer(pkt), 0)
	if res.Verdict != Forwarded {
		t.Fatalf("expected forwarded packet, got %s (%v)", res.Verdict, res.Err)
	}
	want := buildPacket(t, packet.ProtoICMPv6, client, mustAddr("fd00::a"), 7, 0, []byte("ping"))
	assertSamePacket(t, pkt, want)
}

// TestForward_ChecksumMatchesFullRecomputation rewrites random packets and
// compares them with packets built from scratch with the expected fields.
func TestForward_ChecksumMatchesFullRecomputation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		proto := rapid.SampledFrom([]uint8{packet.ProtoTCP, packet.ProtoUDP, packet.ProtoICMPv6}).Draw(t, "proto")
		client := drawAddr(t, "client", 0x20)
		vip := drawAddr(t, "vip", 0x20)
		target := drawAddr(t, "target", 0xfd)
		sport := rapid.Uint16().Draw(t, "sport")
		dport := rapid.Uint16Range(1, 0xffff).Draw(t, "dport")
		backendPort := rapid.Uint16().Draw(t, "backendPort")
		wildcard := rapid.Bool().Draw(t, "wildcard")
		hash := rapid.Uint32().Draw(t, "hash")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 128).Draw(t, "payload")

		listen := dport
		if wildcard || proto == packet.ProtoICMPv6 {
			listen = 0
		}
		services, states := newTables()
		targetKey, _ := lbmap.IPv6FromAddr(target)
		addService(t, services, vip.String(), listen, lbmap.Backend{Address: targetKey, Port: backendPort})

		pkt := buildPacket(t, proto, client, vip, sport, dport, payload)
		if _, sum := checksumAt(pkt); proto == packet.ProtoUDP && sum == 0 {
			t.Skip("zero UDP checksum means no checksum")
		}

		res := New(services, states).Forward(packet.Buffer(pkt), hash)
		if res.Verdict != Forwarded {
			t.Fatalf("expected forwarded packet, got %s (%v)", res.Verdict, res.Err)
		}

		wantPort := dport
		if proto != packet.ProtoICMPv6 && backendPort != 0 {
			wantPort = backendPort
		}
		want := buildPacket(t, proto, client, target, sport, wantPort, payload)
		assertSamePacket(t, pkt, want)
	})
}

func TestForward_ConsistencyFaultIsolation(t *testing.T) {
	services, states := newTables()
	master := addService(t, services, "2001:db8::1", 80,
		backend("fd00::a", 0),
		backend("fd00::b", 0),
	)
	// The master counts a third backend whose row is missing.
	if err := services.Update(master, lbmap.ServiceValue{Count: 3}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	tr := &recordingTracer{}
	dp := New(services, states, WithTracer(tr))

	client, vip := mustAddr("2001:db8::100"), mustAddr("2001:db8::1")
	for hash := uint32(0); hash < 30; hash++ {
		pkt := buildPacket(t, packet.ProtoUDP, client, vip, 5000, 80, nil)
		res := dp.Forward(packet.Buffer(pkt), hash)

		if hash%3+1 == 3 {
			if res.Verdict != Dropped || !errors.Is(res.Err, ErrNoBackend) {
				t.Errorf("hash %d: expected drop with ErrNoBackend, got %s (%v)", hash, res.Verdict, res.Err)
			}
			if got := tr.last(); got != (traceRecord{EventLookupFailSlave, 3, 80}) {
				t.Errorf("hash %d: expected slave lookup trace, got %+v", hash, got)
			}
			continue
		}
		if res.Verdict != Forwarded {
			t.Errorf("hash %d: expected forwarded packet, got %s (%v)", hash, res.Verdict, res.Err)
		}
	}
	if got := tr.count(EventLookupFailSlave); got != 10 {
		t.Errorf("expected 10 slave lookup failures, got %d", got)
	}
}

func TestForward_WriteFailureDrops(t *testing.T) {
	services, states := newTables()
	addService(t, services, "2001:db8::1", 80, backend("fd00::a", 0))
	dp := New(services, states)

	pkt := buildPacket(t, packet.ProtoTCP, mustAddr("2001:db8::100"), mustAddr("2001:db8::1"), 1, 80, nil)
	res := dp.Forward(readOnly{packet.Buffer(pkt)}, 0)
	if res.Verdict != Dropped || !errors.Is(res.Err, ErrWrite) {
		t.Fatalf("expected drop with ErrWrite, got %s (%v)", res.Verdict, res.Err)
	}
}

func TestForward_TruncatedChecksumDrops(t *testing.T) {
	services, states := newTables()
	addService(t, services, "2001:db8::1", 80, backend("fd00::a", 0))
	dp := New(services, states)

	// A TCP header cut before its checksum field.
	pkt := buildPacket(t, packet.ProtoTCP, mustAddr("2001:db8::100"), mustAddr("2001:db8::1"), 1, 80, nil)
	pkt = pkt[:packet.IPv6HeaderLen+packet.TCPCsumOff]
	res := dp.Forward(packet.Buffer(pkt), 0)
	if res.Verdict != Dropped || !errors.Is(res.Err, ErrChecksum) {
		t.Fatalf("expected drop with ErrChecksum, got %s (%v)", res.Verdict, res.Err)
	}
}

func TestModifyPort(t *testing.T) {
	pkt := buildPacket(t, packet.ProtoUDP, mustAddr("2001:db8::100"), mustAddr("2001:db8::1"), 1000, 53, []byte("q"))
	if _, sum := checksumAt(pkt); sum == 0 {
		t.Skip("zero UDP checksum")
	}
	layout, _ := LayoutFor(packet.ProtoUDP, packet.IPv6HeaderLen)

	if err := ModifyPort(packet.Buffer(pkt), layout, packet.IPv6HeaderLen+packet.DstPortOff, 53, 5353); err != nil {
		t.Fatalf("ModifyPort failed: %v", err)
	}
	if got := binary.BigEndian.Uint16(pkt[packet.IPv6HeaderLen+packet.DstPortOff:]); got != 5353 {
		t.Errorf("expected port 5353, got %d", got)
	}
	want := buildPacket(t, packet.ProtoUDP, mustAddr("2001:db8::100"), mustAddr("2001:db8::1"), 1000, 5353, []byte("q"))
	assertSamePacket(t, pkt, want)
}

func drawAddr(t *rapid.T, label string, first byte) netip.Addr {
	b := [16]byte(rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, label))
	b[0] = first
	return netip.AddrFrom16(b)
}
