package monitor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/easzlab/ezdsr/pkg/datapath"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestMonitor(t *testing.T) (*Monitor, *Metrics, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewMetrics(prometheus.NewRegistry())
	return New(m, zap.New(core)), m, logs
}

func TestMonitor_Observe(t *testing.T) {
	mon, m, _ := newTestMonitor(t)

	mon.Observe(datapath.DirForward, datapath.Forwarded, 0)
	mon.Observe(datapath.DirForward, datapath.Forwarded, 0)
	mon.Observe(datapath.DirForward, datapath.Dropped, datapath.ErrNoService)
	mon.Observe(datapath.DirReverse, datapath.Passed, datapath.ErrUnsupportedProtocol)
	mon.Observe(datapath.DirReverse, datapath.Dropped, datapath.ErrStateLookup)

	tests := []struct {
		c    prometheus.Collector
		want float64
	}{
		{m.PacketsTotal.WithLabelValues("forward", "forwarded"), 2},
		{m.PacketsTotal.WithLabelValues("forward", "dropped"), 1},
		{m.PacketsTotal.WithLabelValues("reverse", "passed"), 1},
		{m.PacketsTotal.WithLabelValues("reverse", "forwarded"), 0},
		{m.DropsTotal.WithLabelValues("forward", "no_service"), 1},
		{m.DropsTotal.WithLabelValues("reverse", "unsupported_protocol"), 1},
		{m.DropsTotal.WithLabelValues("reverse", "state_lookup_failed"), 1},
		{m.DropsTotal.WithLabelValues("forward", "no_backend"), 0},
	}
	for i, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("case %d: expected %v, got %v", i, tt.want, got)
		}
	}
}

func TestMonitor_Trace(t *testing.T) {
	mon, m, logs := newTestMonitor(t)

	mon.Trace(datapath.EventLookupFailMaster, 0x000a000b, 0)
	mon.Trace(datapath.EventPacketHash, 5, 2)
	mon.Trace(datapath.EventPacketHash, 6, 1)
	mon.Trace(datapath.Event(99), 1, 1)

	if got := testutil.ToFloat64(m.TraceEventsTotal.WithLabelValues("packet_hash")); got != 2 {
		t.Errorf("expected 2 packet_hash events, got %v", got)
	}
	if got := testutil.ToFloat64(m.TraceEventsTotal.WithLabelValues("lookup_fail_master")); got != 1 {
		t.Errorf("expected 1 lookup_fail_master event, got %v", got)
	}

	if logs.Len() != 4 {
		t.Fatalf("expected 4 debug entries, got %d", logs.Len())
	}
	first := logs.All()[0].ContextMap()
	if first["event"] != "lookup_fail_master" || first["arg1"] != uint32(0x000a000b) {
		t.Errorf("unexpected trace fields: %v", first)
	}
}

func TestMonitor_TraceSilentAboveDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mon := New(NewMetrics(prometheus.NewRegistry()), zap.New(core))

	mon.Trace(datapath.EventStateLookupFail, 7, 0)
	if logs.Len() != 0 {
		t.Errorf("expected no log entries at info level, got %d", logs.Len())
	}
}

func TestMonitor_WiredIntoDatapath(t *testing.T) {
	mon, m, _ := newTestMonitor(t)
	services := lbmap.NewMap[lbmap.ServiceKey, lbmap.ServiceValue]("services", 4)
	states := lbmap.NewMap[lbmap.StateKey, lbmap.StateValue]("states", 4)
	dp := datapath.New(services, states, datapath.WithTracer(mon), datapath.WithObserver(mon))

	dp.Reverse(packet.Buffer(nil), 3)

	if got := testutil.ToFloat64(m.DropsTotal.WithLabelValues("reverse", "invalid_packet")); got != 1 {
		t.Errorf("expected 1 invalid_packet drop, got %v", got)
	}
}

func TestMetrics_Helpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetBackendHealth("[fd00::a]:80", true)
	m.SetBackendHealth("[fd00::b]:80", false)
	if got := testutil.ToFloat64(m.BackendHealthy.WithLabelValues("[fd00::a]:80")); got != 1 {
		t.Errorf("expected healthy gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.BackendHealthy.WithLabelValues("[fd00::b]:80")); got != 0 {
		t.Errorf("expected unhealthy gauge 0, got %v", got)
	}
	if got := testutil.CollectAndCount(m.BackendHealthy); got != 2 {
		t.Errorf("expected 2 health series, got %d", got)
	}

	m.ObserveReconcile(nil)
	m.ObserveReconcile(errors.New("boom"))
	m.ObserveReconcile(nil)
	if got := testutil.ToFloat64(m.ReconcileTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("expected 2 successful reconciles, got %v", got)
	}

	m.SetTableRows(5, 2)
	if got := testutil.ToFloat64(m.ServiceRows); got != 5 {
		t.Errorf("expected 5 service rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.StateRows); got != 2 {
		t.Errorf("expected 2 state rows, got %v", got)
	}
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetTableRows(3, 1)

	srv := NewServer("127.0.0.1:0", reg, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "ezdsr_service_rows 3") {
		t.Errorf("expected service_rows in output, got:\n%s", body)
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", prometheus.NewRegistry(), zap.NewNop())
	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start returned %v", err)
	}
	if srv.Addr() != nil {
		t.Error("expected nil address before Start")
	}
}
