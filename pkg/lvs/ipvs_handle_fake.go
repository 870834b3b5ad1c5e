package lvs

import (
	"fmt"
	"net"
	"sync"
)

type fakeServiceKey struct {
	address  string
	port     uint16
	protocol uint16
}

func makeFakeServiceKey(svc *Service) fakeServiceKey {
	return fakeServiceKey{
		address:  svc.Address.String(),
		port:     svc.Port,
		protocol: svc.Protocol,
	}
}

type fakeDestinationKey struct {
	address string
	port    uint16
}

func makeFakeDestinationKey(dst *Destination) fakeDestinationKey {
	return fakeDestinationKey{
		address: dst.Address.String(),
		port:    dst.Port,
	}
}

// fakeHandle simulates the IPVS table in memory with the kernel's error
// behavior for duplicate and missing entries.
type fakeHandle struct {
	mu           sync.Mutex
	services     map[fakeServiceKey]*Service
	destinations map[fakeServiceKey]map[fakeDestinationKey]*Destination
}

// NewFakeHandle creates an empty in-memory IPVS handle.
func NewFakeHandle() IPVSHandle {
	return &fakeHandle{
		services:     make(map[fakeServiceKey]*Service),
		destinations: make(map[fakeServiceKey]map[fakeDestinationKey]*Destination),
	}
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services = nil
	h.destinations = nil
}

func (h *fakeHandle) NewService(svc *Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := makeFakeServiceKey(svc)
	if _, exists := h.services[key]; exists {
		return fmt.Errorf("service %s already exists", hostPort(svc.Address, svc.Port))
	}

	h.services[key] = cloneService(svc)
	h.destinations[key] = make(map[fakeDestinationKey]*Destination)
	return nil
}

func (h *fakeHandle) UpdateService(svc *Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := makeFakeServiceKey(svc)
	if _, exists := h.services[key]; !exists {
		return fmt.Errorf("service %s not found", hostPort(svc.Address, svc.Port))
	}

	h.services[key] = cloneService(svc)
	return nil
}

func (h *fakeHandle) DelService(svc *Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := makeFakeServiceKey(svc)
	if _, exists := h.services[key]; !exists {
		return fmt.Errorf("service %s not found", hostPort(svc.Address, svc.Port))
	}

	delete(h.services, key)
	delete(h.destinations, key)
	return nil
}

func (h *fakeHandle) GetServices() ([]*Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]*Service, 0, len(h.services))
	for _, svc := range h.services {
		result = append(result, cloneService(svc))
	}
	return result, nil
}

// serviceDestinations returns the destination set of svc. h.mu must be held.
func (h *fakeHandle) serviceDestinations(svc *Service) (map[fakeDestinationKey]*Destination, error) {
	dstMap, ok := h.destinations[makeFakeServiceKey(svc)]
	if !ok {
		return nil, fmt.Errorf("service %s not found", hostPort(svc.Address, svc.Port))
	}
	return dstMap, nil
}

func (h *fakeHandle) NewDestination(svc *Service, dst *Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return err
	}
	dstKey := makeFakeDestinationKey(dst)
	if _, exists := dstMap[dstKey]; exists {
		return fmt.Errorf("destination %s already exists in service %s",
			hostPort(dst.Address, dst.Port), hostPort(svc.Address, svc.Port))
	}

	dstMap[dstKey] = cloneDestination(dst)
	return nil
}

func (h *fakeHandle) UpdateDestination(svc *Service, dst *Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return err
	}
	dstKey := makeFakeDestinationKey(dst)
	if _, exists := dstMap[dstKey]; !exists {
		return fmt.Errorf("destination %s not found in service %s",
			hostPort(dst.Address, dst.Port), hostPort(svc.Address, svc.Port))
	}

	dstMap[dstKey] = cloneDestination(dst)
	return nil
}

func (h *fakeHandle) DelDestination(svc *Service, dst *Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return err
	}
	dstKey := makeFakeDestinationKey(dst)
	if _, exists := dstMap[dstKey]; !exists {
		return fmt.Errorf("destination %s not found in service %s",
			hostPort(dst.Address, dst.Port), hostPort(svc.Address, svc.Port))
	}

	delete(dstMap, dstKey)
	return nil
}

func (h *fakeHandle) GetDestinations(svc *Service) ([]*Destination, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dstMap, err := h.serviceDestinations(svc)
	if err != nil {
		return nil, err
	}
	result := make([]*Destination, 0, len(dstMap))
	for _, dst := range dstMap {
		result = append(result, cloneDestination(dst))
	}
	return result, nil
}

func (h *fakeHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.services = make(map[fakeServiceKey]*Service)
	h.destinations = make(map[fakeServiceKey]map[fakeDestinationKey]*Destination)
	return nil
}

func cloneService(svc *Service) *Service {
	c := *svc
	c.Address = cloneIP(svc.Address)
	return &c
}

func cloneDestination(dst *Destination) *Destination {
	c := *dst
	c.Address = cloneIP(dst.Address)
	return &c
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	return append(net.IP(nil), ip...)
}
