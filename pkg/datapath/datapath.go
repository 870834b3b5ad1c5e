// Package datapath implements the per-packet path of the load balancer:
// service key extraction, service and backend resolution, destination NAT
// on the forward path and source restoration on the DSR reverse path. All
// checksum work is incremental; no operation reads the payload.
package datapath

import (
	"errors"

	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/packet"
)

// Direction tells forward-path results from reverse-path results.
type Direction uint8

const (
	DirForward Direction = iota
	DirReverse
)

func (d Direction) String() string {
	if d == DirReverse {
		return "reverse"
	}
	return "forward"
}

// Observer is notified of the outcome of every packet.
type Observer interface {
	Observe(dir Direction, verdict Verdict, reason Reason)
}

// Result is the outcome of processing one packet.
type Result struct {
	Verdict Verdict
	// Err is nil for rewritten packets and a Reason otherwise.
	Err error
	// Key is the service key extracted from the packet, Master the key of
	// the master row it resolved to.
	Key    lbmap.ServiceKey
	Master lbmap.ServiceKey
	// Slave and Backend describe the selected backend on the forward path.
	Slave   uint16
	Backend lbmap.Backend
	// State is the restored source identity on the reverse path.
	State lbmap.StateValue
}

// Option configures a Datapath.
type Option func(*Datapath)

// WithTracer sets the receiver of trace events.
func WithTracer(tr Tracer) Option {
	return func(d *Datapath) {
		d.tracer = tr
	}
}

// WithObserver sets the receiver of per-packet verdicts.
func WithObserver(o Observer) Option {
	return func(d *Datapath) {
		d.observer = o
	}
}

// WithPassOnNoService lets packets for which no service exists continue
// unmodified instead of being dropped.
func WithPassOnNoService(pass bool) Option {
	return func(d *Datapath) {
		d.passOnNoService = pass
	}
}

// Datapath chains the per-packet components over a pair of tables. It holds
// no per-packet state and is safe for concurrent use.
type Datapath struct {
	services        ServiceTable
	states          StateTable
	tracer          Tracer
	observer        Observer
	passOnNoService bool
}

// New creates a Datapath reading services and states.
func New(services ServiceTable, states StateTable, opts ...Option) *Datapath {
	d := &Datapath{
		services: services,
		states:   states,
		tracer:   NopTracer{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Forward load-balances a packet addressed to a service: it rewrites the
// destination to one backend selected by hash.
func (d *Datapath) Forward(acc packet.Accessor, hash uint32) Result {
	var res Result

	nexthdr, l4Off, err := packet.ParseIPv6(acc)
	if err != nil {
		return d.finish(DirForward, res, parseError(err))
	}

	key, layout, err := ExtractKey(acc, nexthdr, l4Off)
	res.Key = key
	if err != nil {
		return d.finish(DirForward, res, err)
	}

	master, svc, err := LookupService(d.services, key, d.tracer)
	res.Master = master
	if err != nil {
		return d.finish(DirForward, res, err)
	}

	slave, backend, err := Local(acc, layout, d.services, key, master, svc, hash, d.tracer)
	res.Slave, res.Backend = slave, backend
	return d.finish(DirForward, res, err)
}

// Reverse restores the original source identity recorded under state on a
// reply sent directly by a backend.
func (d *Datapath) Reverse(acc packet.Accessor, state lbmap.StateKey) Result {
	var res Result

	nexthdr, l4Off, err := packet.ParseIPv6(acc)
	if err != nil {
		return d.finish(DirReverse, res, parseError(err))
	}

	layout, ok := LayoutFor(nexthdr, l4Off)
	if !ok {
		// The state is still looked up so a missing record is reported
		// before the protocol is.
		layout = Layout{NextHdr: nexthdr, L4Off: l4Off}
	}

	st, err := DSRSNAT(acc, layout, d.states, state, d.tracer)
	res.State = st
	return d.finish(DirReverse, res, err)
}

func (d *Datapath) finish(dir Direction, res Result, err error) Result {
	res.Err = err
	res.Verdict = Disposition(err)
	if d.passOnNoService && errors.Is(err, ErrNoService) {
		res.Verdict = Passed
	}
	if d.observer != nil {
		d.observer.Observe(dir, res.Verdict, ReasonOf(err))
	}
	return res
}

// parseError maps an IPv6 header parse failure. Packets that are not IPv6
// are not for this datapath and pass.
func parseError(err error) error {
	if errors.Is(err, packet.ErrNotIPv6) {
		return ErrUnsupportedProtocol
	}
	return ErrInvalidPacket
}
