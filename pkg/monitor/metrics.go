// Package monitor turns datapath trace events and verdicts into debug logs
// and Prometheus metrics, and serves the metrics over HTTP.
package monitor

import (
	"github.com/easzlab/ezdsr/pkg/datapath"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ezdsr"

// Metrics holds every collector exported by ezdsr.
type Metrics struct {
	// PacketsTotal counts processed packets by direction and verdict.
	PacketsTotal *prometheus.CounterVec
	// DropsTotal counts dropped and passed packets by direction and reason.
	DropsTotal *prometheus.CounterVec
	// TraceEventsTotal counts datapath trace events.
	TraceEventsTotal *prometheus.CounterVec
	// BackendHealthy is 1 for healthy and 0 for unhealthy probe targets.
	BackendHealthy *prometheus.GaugeVec
	// ReconcileTotal counts reconcile passes by result.
	ReconcileTotal *prometheus.CounterVec
	// ServiceRows and StateRows track the occupancy of the two tables.
	ServiceRows prometheus.Gauge
	StateRows   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datapath_packets_total",
				Help:      "Total number of packets processed by the datapath",
			},
			[]string{"direction", "verdict"},
		),
		DropsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datapath_unhandled_total",
				Help:      "Total number of packets not rewritten, by reason",
			},
			[]string{"direction", "reason"},
		),
		TraceEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datapath_trace_events_total",
				Help:      "Total number of datapath trace events",
			},
			[]string{"event"},
		),
		BackendHealthy: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_healthy",
				Help:      "Health status of probed backends (1=healthy, 0=unhealthy)",
			},
			[]string{"address"},
		),
		ReconcileTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Total number of reconcile passes",
			},
			[]string{"result"},
		),
		ServiceRows: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_rows",
				Help:      "Number of rows in the service directory",
			},
		),
		StateRows: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state_rows",
				Help:      "Number of records in the flow-state store",
			},
		),
	}
}

// SetBackendHealth records the health of a probe target.
func (m *Metrics) SetBackendHealth(address string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.BackendHealthy.WithLabelValues(address).Set(v)
}

// ObserveReconcile counts one reconcile pass.
func (m *Metrics) ObserveReconcile(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ReconcileTotal.WithLabelValues(result).Inc()
}

// SetTableRows records the current table occupancy.
func (m *Metrics) SetTableRows(services, states int) {
	m.ServiceRows.Set(float64(services))
	m.StateRows.Set(float64(states))
}

// reasons lists every datapath reason so counters can be resolved up front.
var reasons = []datapath.Reason{
	datapath.ErrUnsupportedProtocol,
	datapath.ErrNoService,
	datapath.ErrNoBackend,
	datapath.ErrWrite,
	datapath.ErrChecksum,
	datapath.ErrStateLookup,
	datapath.ErrInvalidPacket,
}

var events = []datapath.Event{
	datapath.EventLookupFailMaster,
	datapath.EventLookupFailSlave,
	datapath.EventPacketHash,
	datapath.EventStateLookupFail,
}
