package datapath

// Event identifies a diagnostic trace point.
type Event uint8

const (
	// EventLookupFailMaster carries the last address word and the port of
	// the key that found no service.
	EventLookupFailMaster Event = iota + 1
	// EventLookupFailSlave carries the slave index and the port.
	EventLookupFailSlave
	// EventPacketHash carries the packet hash and the selected slave.
	EventPacketHash
	// EventStateLookupFail carries the missing flow-state identifier.
	EventStateLookupFail
)

func (e Event) String() string {
	switch e {
	case EventLookupFailMaster:
		return "lookup_fail_master"
	case EventLookupFailSlave:
		return "lookup_fail_slave"
	case EventPacketHash:
		return "packet_hash"
	case EventStateLookupFail:
		return "state_lookup_fail"
	default:
		return "unknown"
	}
}

// Tracer receives trace events. Implementations must not block and must not
// retain anything beyond the arguments.
type Tracer interface {
	Trace(ev Event, arg1, arg2 uint32)
}

// NopTracer discards all events.
type NopTracer struct{}

// Trace implements Tracer.
func (NopTracer) Trace(Event, uint32, uint32) {}
