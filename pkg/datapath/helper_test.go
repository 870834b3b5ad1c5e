package datapath

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"sync"

	"github.com/easzlab/ezdsr/pkg/csum"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
)

// fatalHelper is satisfied by both *testing.T and *rapid.T.
type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

type traceRecord struct {
	ev         Event
	arg1, arg2 uint32
}

// recordingTracer keeps every event it receives.
type recordingTracer struct {
	mu     sync.Mutex
	events []traceRecord
}

func (r *recordingTracer) Trace(ev Event, arg1, arg2 uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, traceRecord{ev, arg1, arg2})
}

func (r *recordingTracer) count(ev Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.events {
		if rec.ev == ev {
			n++
		}
	}
	return n
}

func (r *recordingTracer) last() traceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return traceRecord{}
	}
	return r.events[len(r.events)-1]
}

// readOnly is an Accessor over a packet that refuses all writes.
type readOnly struct {
	packet.Buffer
}

func (readOnly) Store(int, []byte) error {
	return packet.ErrTruncated
}

func newTables() (*lbmap.ServiceMap, *lbmap.StateMap) {
	return lbmap.NewMap[lbmap.ServiceKey, lbmap.ServiceValue]("services", 64),
		lbmap.NewMap[lbmap.StateKey, lbmap.StateValue]("states", 64)
}

// addService writes a master row at addr:port and one slave row per backend.
func addService(t fatalHelper, tbl *lbmap.ServiceMap, addr string, port uint16, backends ...lbmap.Backend) lbmap.ServiceKey {
	t.Helper()
	master := lbmap.ServiceKey{Address: lbmap.MustIPv6(addr), Port: port}
	for i, b := range backends {
		if err := tbl.Update(master.WithSlave(uint16(i+1)), lbmap.ServiceValue{Target: b.Address, Port: b.Port}); err != nil {
			t.Fatalf("failed to write slave %d: %v", i+1, err)
		}
	}
	if err := tbl.Update(master, lbmap.ServiceValue{Count: uint16(len(backends))}); err != nil {
		t.Fatalf("failed to write master: %v", err)
	}
	return master
}

func backend(addr string, port uint16) lbmap.Backend {
	return lbmap.Backend{Address: lbmap.MustIPv6(addr), Port: port}
}

func buildPacket(t fatalHelper, proto uint8, src, dst netip.Addr, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	pkt, err := packet.Build(packet.Template{
		Src:     src,
		Dst:     dst,
		Proto:   proto,
		SrcPort: sport,
		DstPort: dport,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return pkt
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

// checksumAt returns the transport checksum of pkt.
func checksumAt(pkt []byte) (int, uint16) {
	off, _, ok := csum.OffsetAndFlags(pkt[packet.IPv6NextHdrOff])
	if !ok {
		return 0, 0
	}
	at := packet.IPv6HeaderLen + off
	return at, binary.BigEndian.Uint16(pkt[at:])
}

// sameChecksum treats 0x0000 and 0xffff as equal, they are the two
// one's-complement encodings of zero.
func sameChecksum(a, b uint16) bool {
	if a == b {
		return true
	}
	return (a == 0 || a == 0xffff) && (b == 0 || b == 0xffff)
}

// assertSamePacket compares got with a packet built from scratch. The
// checksum fields only need to be equal in one's-complement arithmetic.
func assertSamePacket(t fatalHelper, got, want []byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length %d, want %d", len(got), len(want))
	}
	at, gotSum := checksumAt(got)
	_, wantSum := checksumAt(want)
	if !sameChecksum(gotSum, wantSum) {
		t.Fatalf("checksum %#04x, full recomputation gives %#04x", gotSum, wantSum)
	}
	g := bytes.Clone(got)
	w := bytes.Clone(want)
	if at != 0 {
		g[at], g[at+1], w[at], w[at+1] = 0, 0, 0, 0
	}
	if !bytes.Equal(g, w) {
		t.Fatalf("packet mismatch\n got: %s\nwant: %s", packet.Describe(got), packet.Describe(want))
	}
	if !csum.Verify(got) {
		t.Fatalf("rewritten packet does not verify: %s", packet.Describe(got))
	}
}
