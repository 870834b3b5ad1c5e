package monitor

import (
	"github.com/easzlab/ezdsr/pkg/datapath"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	numDirections = 2
	numVerdicts   = 3
	numReasons    = int(datapath.ErrInvalidPacket) + 1
	numEvents     = int(datapath.EventStateLookupFail) + 1
)

// Monitor is the datapath Tracer and Observer. Trace events are logged at
// debug level and counted; verdicts are counted per direction. Counters are
// resolved at construction so the per-packet calls do no label lookups.
type Monitor struct {
	logger  *zap.Logger
	packets [numDirections][numVerdicts]prometheus.Counter
	reasons [numDirections][numReasons]prometheus.Counter
	events  [numEvents]prometheus.Counter
}

// New creates a Monitor reporting into m.
func New(m *Metrics, logger *zap.Logger) *Monitor {
	mon := &Monitor{logger: logger}
	for _, dir := range []datapath.Direction{datapath.DirForward, datapath.DirReverse} {
		for _, v := range []datapath.Verdict{datapath.Forwarded, datapath.Passed, datapath.Dropped} {
			mon.packets[dir][v] = m.PacketsTotal.WithLabelValues(dir.String(), v.String())
		}
		for _, r := range reasons {
			mon.reasons[dir][r] = m.DropsTotal.WithLabelValues(dir.String(), r.String())
		}
	}
	for _, ev := range events {
		mon.events[ev] = m.TraceEventsTotal.WithLabelValues(ev.String())
	}
	return mon
}

// Trace implements datapath.Tracer.
func (m *Monitor) Trace(ev datapath.Event, arg1, arg2 uint32) {
	if int(ev) < numEvents && m.events[ev] != nil {
		m.events[ev].Inc()
	}
	if ce := m.logger.Check(zap.DebugLevel, "datapath trace"); ce != nil {
		ce.Write(
			zap.Stringer("event", ev),
			zap.Uint32("arg1", arg1),
			zap.Uint32("arg2", arg2),
		)
	}
}

// Observe implements datapath.Observer.
func (m *Monitor) Observe(dir datapath.Direction, verdict datapath.Verdict, reason datapath.Reason) {
	if int(dir) >= numDirections || int(verdict) >= numVerdicts {
		return
	}
	m.packets[dir][verdict].Inc()
	if reason != 0 && int(reason) < numReasons {
		m.reasons[dir][reason].Inc()
	}
}
