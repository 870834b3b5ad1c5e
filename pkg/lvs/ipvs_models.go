package lvs

import "net"

// Service is the subset of an IPVS virtual service the mirror manages.
type Service struct {
	Address       net.IP
	Protocol      uint16
	Port          uint16
	SchedName     string
	Flags         uint32
	Netmask       uint32
	AddressFamily uint16
}

// Destination is an IPVS real server.
type Destination struct {
	Address             net.IP
	Port                uint16
	Weight              int
	ConnectionFlags     uint32
	AddressFamily       uint16
	ActiveConnections   int
	InactiveConnections int
}

// Destination forwarding method constants.
const (
	ConnectionFlagFwdMask     = 0x0007
	ConnectionFlagMasq        = 0x0000
	ConnectionFlagTunnel      = 0x0002
	ConnectionFlagDirectRoute = 0x0003
)

// SourceHashing is the scheduler used for mirrored services: like the
// datapath it pins a flow to one backend by hashing its source.
const SourceHashing = "sh"
