package datapath

import "errors"

// Reason is the terminal failure of a packet. It implements error so the
// components can return it directly; the values are constants and never
// allocate.
type Reason uint8

const (
	// ErrUnsupportedProtocol marks a transport protocol the datapath does
	// not balance. The packet passes unmodified.
	ErrUnsupportedProtocol Reason = iota + 1
	// ErrNoService means neither the exact nor the wildcard master row
	// describes an available service.
	ErrNoService
	// ErrNoBackend means the selected slave row is missing although the
	// master counts it.
	ErrNoBackend
	// ErrWrite means an address or port field could not be written.
	ErrWrite
	// ErrChecksum means the checksum field could not be updated.
	ErrChecksum
	// ErrStateLookup means the flow-state identifier of a reverse-path
	// packet is not in the store.
	ErrStateLookup
	// ErrInvalidPacket means a header field could not be read.
	ErrInvalidPacket
)

var reasonNames = [...]string{
	ErrUnsupportedProtocol: "unsupported_protocol",
	ErrNoService:           "no_service",
	ErrNoBackend:           "no_backend",
	ErrWrite:               "write_error",
	ErrChecksum:            "checksum_error",
	ErrStateLookup:         "state_lookup_failed",
	ErrInvalidPacket:       "invalid_packet",
}

// String returns the reason as a metric-friendly label.
func (r Reason) String() string {
	if int(r) < len(reasonNames) && reasonNames[r] != "" {
		return reasonNames[r]
	}
	return "unknown"
}

func (r Reason) Error() string {
	switch r {
	case ErrUnsupportedProtocol:
		return "unsupported transport protocol"
	case ErrNoService:
		return "no service available"
	case ErrNoBackend:
		return "no backend available"
	case ErrWrite:
		return "packet write failed"
	case ErrChecksum:
		return "checksum update failed"
	case ErrStateLookup:
		return "flow state lookup failed"
	case ErrInvalidPacket:
		return "invalid packet"
	default:
		return "unknown datapath error"
	}
}

// Verdict is the terminal decision for a packet.
type Verdict uint8

const (
	// Forwarded means the packet was rewritten and should be sent on.
	Forwarded Verdict = iota
	// Passed means the packet should be sent on unmodified.
	Passed
	// Dropped means the packet must not be sent.
	Dropped
)

func (v Verdict) String() string {
	switch v {
	case Forwarded:
		return "forwarded"
	case Passed:
		return "passed"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Disposition maps the result of a datapath operation to its verdict.
func Disposition(err error) Verdict {
	if err == nil {
		return Forwarded
	}
	if errors.Is(err, ErrUnsupportedProtocol) {
		return Passed
	}
	return Dropped
}

// ReasonOf extracts the Reason carried by err, or 0 if there is none.
func ReasonOf(err error) Reason {
	var r Reason
	if errors.As(err, &r) {
		return r
	}
	return 0
}
