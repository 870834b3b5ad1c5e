package lvs

import (
	"net"
	"syscall"
	"testing"

	"github.com/easzlab/ezdsr/pkg/lbmap"
	"go.uber.org/zap"
)

// newTestManager creates a Manager backed by the in-memory IPVS handle.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManagerWithHandle(NewFakeHandle(), zap.NewNop())
}

func newTestService(address string, port uint16, protocol uint16) *Service {
	return &Service{
		Address:       net.ParseIP(address),
		Protocol:      protocol,
		Port:          port,
		SchedName:     SourceHashing,
		AddressFamily: syscall.AF_INET6,
		Netmask:       128,
	}
}

func newTestDestination(address string, port uint16, weight int) *Destination {
	return &Destination{
		Address:         net.ParseIP(address),
		Port:            port,
		Weight:          weight,
		ConnectionFlags: ConnectionFlagDirectRoute,
		AddressFamily:   syscall.AF_INET6,
	}
}

func makeEntry(listen string, port uint16, protocol string, backends ...lbmap.Backend) lbmap.ServiceEntry {
	return lbmap.ServiceEntry{
		Key:      lbmap.ServiceKey{Address: lbmap.MustIPv6(listen), Port: port},
		Name:     listen,
		Protocol: protocol,
		Backends: backends,
	}
}

func makeBackend(address string, port uint16) lbmap.Backend {
	return lbmap.Backend{Address: lbmap.MustIPv6(address), Port: port}
}
