package lvs

import (
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/easzlab/ezdsr/pkg/lbmap"
)

// ServiceKey uniquely identifies an IPVS virtual service.
type ServiceKey struct {
	Address  string
	Port     uint16
	Protocol uint16
}

// String returns a human-readable representation of the ServiceKey.
func (k ServiceKey) String() string {
	return fmt.Sprintf("%s/%s", net.JoinHostPort(k.Address, strconv.Itoa(int(k.Port))), protocolToString(k.Protocol))
}

func protocolToString(protocol uint16) string {
	switch protocol {
	case syscall.IPPROTO_TCP:
		return "tcp"
	case syscall.IPPROTO_UDP:
		return "udp"
	default:
		return fmt.Sprintf("unknown(%d)", protocol)
	}
}

// DestinationKey uniquely identifies an IPVS destination within a service.
type DestinationKey struct {
	Address string
	Port    uint16
}

// String returns a human-readable representation of the DestinationKey.
func (k DestinationKey) String() string {
	return net.JoinHostPort(k.Address, strconv.Itoa(int(k.Port)))
}

// protocolFromString converts a protocol name to its syscall constant.
// An empty protocol means tcp.
func protocolFromString(protocol string) (uint16, error) {
	switch protocol {
	case "tcp", "":
		return syscall.IPPROTO_TCP, nil
	case "udp":
		return syscall.IPPROTO_UDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

func hostPort(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// ServiceKeyFromIPVS generates a ServiceKey from a Service.
func ServiceKeyFromIPVS(svc *Service) ServiceKey {
	return ServiceKey{
		Address:  svc.Address.String(),
		Port:     svc.Port,
		Protocol: svc.Protocol,
	}
}

// DestinationKeyFromIPVS generates a DestinationKey from a Destination.
func DestinationKeyFromIPVS(dst *Destination) DestinationKey {
	return DestinationKey{
		Address: dst.Address.String(),
		Port:    dst.Port,
	}
}

// ServiceFromEntry converts a service directory entry into an IPVS service
// using direct routing and source hashing. ok is false for wildcard
// services, which IPVS cannot express without firewall marks.
func ServiceFromEntry(entry lbmap.ServiceEntry) (svc *Service, ok bool, err error) {
	if entry.Key.Port == 0 {
		return nil, false, nil
	}
	protocol, err := protocolFromString(entry.Protocol)
	if err != nil {
		return nil, false, err
	}
	addr := entry.Key.Address
	return &Service{
		Address:       net.IP(addr[:]),
		Protocol:      protocol,
		Port:          entry.Key.Port,
		SchedName:     SourceHashing,
		AddressFamily: syscall.AF_INET6,
		Netmask:       128,
	}, true, nil
}

// DestinationsFromEntry converts the slave rows of an entry into IPVS
// destinations. A backend occupying several slots becomes one destination
// weighted by its slot count. Direct routing cannot translate ports, so a
// backend without a port is reached on the service port.
func DestinationsFromEntry(entry lbmap.ServiceEntry) []*Destination {
	var result []*Destination
	index := make(map[DestinationKey]*Destination)
	for _, backend := range entry.Backends {
		port := backend.Port
		if port == 0 {
			port = entry.Key.Port
		}
		addr := backend.Address
		key := DestinationKey{Address: addr.String(), Port: port}
		if dst, ok := index[key]; ok {
			dst.Weight++
			continue
		}
		dst := &Destination{
			Address:         net.IP(addr[:]),
			Port:            port,
			Weight:          1,
			ConnectionFlags: ConnectionFlagDirectRoute,
			AddressFamily:   syscall.AF_INET6,
		}
		index[key] = dst
		result = append(result, dst)
	}
	return result
}
