package lvs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/easzlab/ezdsr/pkg/lbmap"
	"go.uber.org/zap"
)

// Mirror keeps the kernel IPVS table in sync with the service directory, so
// hosts without the datapath still balance the same services the same way.
// A service the directory names is adopted even if an earlier process
// created it. Other services are removed only when the Mirror created them.
type Mirror struct {
	manager *Manager
	logger  *zap.Logger
	managed map[ServiceKey]bool
	mu      sync.Mutex
}

// NewMirror creates a new Mirror.
func NewMirror(manager *Manager, logger *zap.Logger) *Mirror {
	return &Mirror{
		manager: manager,
		logger:  logger,
		managed: make(map[ServiceKey]bool),
	}
}

type desiredService struct {
	service      *Service
	destinations []*Destination
}

// Sync applies entries to IPVS. Wildcard services and services without
// backends are not mirrored.
func (m *Mirror) Sync(entries []lbmap.ServiceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desiredMap, err := m.buildDesiredState(entries)
	if err != nil {
		return fmt.Errorf("failed to build desired IPVS state: %w", err)
	}

	actualServices, err := m.manager.GetServices()
	if err != nil {
		return fmt.Errorf("failed to get current IPVS services: %w", err)
	}

	actualMap := make(map[ServiceKey]*Service)
	for _, svc := range actualServices {
		key := ServiceKeyFromIPVS(svc)
		if _, desired := desiredMap[key]; desired || m.managed[key] {
			actualMap[key] = svc
		}
	}

	var syncErrors []error

	for key, actual := range actualMap {
		if _, exists := desiredMap[key]; exists {
			continue
		}
		if err := m.manager.DeleteService(actual); err != nil {
			syncErrors = append(syncErrors, fmt.Errorf("delete service %s: %w", key, err))
			continue
		}
		delete(m.managed, key)
	}

	for key, desired := range desiredMap {
		actual, exists := actualMap[key]
		switch {
		case !exists:
			if err := m.manager.CreateService(desired.service); err != nil {
				syncErrors = append(syncErrors, fmt.Errorf("create service %s: %w", key, err))
				continue
			}
		case actual.SchedName != desired.service.SchedName:
			if err := m.manager.UpdateService(desired.service); err != nil {
				syncErrors = append(syncErrors, fmt.Errorf("update service %s: %w", key, err))
				continue
			}
		}
		m.managed[key] = true

		if err := m.syncDestinations(desired); err != nil {
			syncErrors = append(syncErrors, err)
		}
	}

	if len(syncErrors) > 0 {
		m.logger.Error("IPVS mirror sync completed with errors", zap.Int("error_count", len(syncErrors)))
		return errors.Join(syncErrors...)
	}

	m.logger.Debug("IPVS mirror in sync", zap.Int("services", len(desiredMap)))
	return nil
}

// Flush removes every service the Mirror created.
func (m *Mirror) Flush() error {
	return m.Sync(nil)
}

func (m *Mirror) buildDesiredState(entries []lbmap.ServiceEntry) (map[ServiceKey]*desiredService, error) {
	result := make(map[ServiceKey]*desiredService)

	for _, entry := range entries {
		svc, ok, err := ServiceFromEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", entry.Key, err)
		}
		if !ok {
			m.logger.Debug("not mirroring wildcard service", zap.String("service", entry.Key.String()))
			continue
		}
		if len(entry.Backends) == 0 {
			continue
		}

		result[ServiceKeyFromIPVS(svc)] = &desiredService{
			service:      svc,
			destinations: DestinationsFromEntry(entry),
		}
	}

	return result, nil
}

func (m *Mirror) syncDestinations(desired *desiredService) error {
	actualDests, err := m.manager.GetDestinations(desired.service)
	if err != nil {
		return fmt.Errorf("get destinations for %s: %w",
			hostPort(desired.service.Address, desired.service.Port), err)
	}

	actualDestMap := make(map[DestinationKey]*Destination)
	for _, dst := range actualDests {
		actualDestMap[DestinationKeyFromIPVS(dst)] = dst
	}

	desiredDestMap := make(map[DestinationKey]*Destination)
	for _, dst := range desired.destinations {
		desiredDestMap[DestinationKeyFromIPVS(dst)] = dst
	}

	var syncErrors []error

	for key, desiredDst := range desiredDestMap {
		actualDst, exists := actualDestMap[key]
		if !exists {
			if err := m.manager.CreateDestination(desired.service, desiredDst); err != nil {
				syncErrors = append(syncErrors, fmt.Errorf("create destination %s: %w", key, err))
			}
			continue
		}
		if actualDst.Weight != desiredDst.Weight ||
			actualDst.ConnectionFlags&ConnectionFlagFwdMask != desiredDst.ConnectionFlags {
			if err := m.manager.UpdateDestination(desired.service, desiredDst); err != nil {
				syncErrors = append(syncErrors, fmt.Errorf("update destination %s: %w", key, err))
			}
		}
	}

	for key, actualDst := range actualDestMap {
		if _, exists := desiredDestMap[key]; exists {
			continue
		}
		if err := m.manager.DeleteDestination(desired.service, actualDst); err != nil {
			syncErrors = append(syncErrors, fmt.Errorf("delete destination %s: %w", key, err))
		}
	}

	return errors.Join(syncErrors...)
}
