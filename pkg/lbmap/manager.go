package lbmap

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ServiceEntry is the control-plane view of one service: its master key and
// the backends occupying slave rows 1..len(Backends) in order.
type ServiceEntry struct {
	Key      ServiceKey
	Name     string
	Protocol string
	Backends []Backend
}

type serviceMeta struct {
	name     string
	protocol string
}

// Manager owns the service directory and the flow-state store and provides
// logged write operations on them. Writes keep the directory consistent for
// concurrent readers: slave rows are written before the master row that
// counts them, and removed only after the master stopped counting them.
type Manager struct {
	services *ServiceMap
	states   *StateMap
	meta     map[ServiceKey]serviceMeta
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewManager creates both tables with the given capacity each.
func NewManager(size int, logger *zap.Logger) *Manager {
	m := &Manager{
		services: NewMap[ServiceKey, ServiceValue]("services", size),
		states:   NewMap[StateKey, StateValue]("states", size),
		meta:     make(map[ServiceKey]serviceMeta),
		logger:   logger,
	}
	logger.Info("lb maps initialized",
		zap.Int("services_capacity", m.services.Capacity()),
		zap.Int("states_capacity", m.states.Capacity()),
	)
	return m
}

// Services returns the service directory.
func (m *Manager) Services() *ServiceMap {
	return m.services
}

// States returns the flow-state store.
func (m *Manager) States() *StateMap {
	return m.states
}

// GetServices returns all services with a master row, sorted by key.
// Tombstoned services are reported with no backends.
func (m *Manager) GetServices() []ServiceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []ServiceEntry
	m.services.Range(func(key ServiceKey, value ServiceValue) bool {
		if key.Slave != 0 {
			return true
		}
		entry := ServiceEntry{
			Key:      key,
			Name:     m.meta[key].name,
			Protocol: m.meta[key].protocol,
		}
		for n := uint16(1); n <= value.Count && n != 0; n++ {
			slave, ok := m.services.Lookup(key.WithSlave(n))
			if !ok {
				m.logger.Warn("master counts a missing slave row",
					zap.String("service", key.String()),
					zap.Uint16("slave", n),
				)
				continue
			}
			entry.Backends = append(entry.Backends, Backend{Address: slave.Target, Port: slave.Port})
		}
		entries = append(entries, entry)
		return true
	})

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries
}

// UpsertService writes the rows of entry. An entry without backends leaves a
// tombstoned master row (count 0) so lookups treat the service as absent.
func (m *Manager) UpsertService(entry ServiceEntry) error {
	if len(entry.Backends) > math.MaxUint16 {
		return fmt.Errorf("service %s: too many backend slots (%d)", entry.Key, len(entry.Backends))
	}
	master := entry.Key.Master()

	m.mu.Lock()
	defer m.mu.Unlock()

	old, _ := m.services.Lookup(master)

	for i, backend := range entry.Backends {
		if err := m.services.Update(master.WithSlave(uint16(i+1)), backend.value()); err != nil {
			// Drop the rows this call added; the old master never counted them.
			m.deleteSlavesLocked(master, int(old.Count)+1, i)
			return fmt.Errorf("failed to write slave %d of service %s: %w", i+1, master, err)
		}
	}
	count := uint16(len(entry.Backends))
	if err := m.services.Update(master, ServiceValue{Count: count}); err != nil {
		m.deleteSlavesLocked(master, int(old.Count)+1, int(count))
		return fmt.Errorf("failed to write master of service %s: %w", master, err)
	}
	m.deleteSlavesLocked(master, int(count)+1, int(old.Count))
	m.meta[master] = serviceMeta{name: entry.Name, protocol: entry.Protocol}

	m.logger.Info("updated service",
		zap.String("service", master.String()),
		zap.String("name", entry.Name),
		zap.Uint16("count", count),
	)
	return nil
}

// DeleteService removes the master row and all slave rows of a service.
func (m *Manager) DeleteService(key ServiceKey) error {
	master := key.Master()

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.services.Lookup(master)
	if !ok {
		return fmt.Errorf("failed to delete service %s: %w", master, ErrNotFound)
	}
	// Tombstone first so no reader selects a slave that is about to go away.
	if err := m.services.Update(master, ServiceValue{}); err != nil {
		return fmt.Errorf("failed to tombstone service %s: %w", master, err)
	}
	m.deleteSlavesLocked(master, 1, int(old.Count))
	if err := m.services.Delete(master); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to delete service %s: %w", master, err)
	}
	delete(m.meta, master)

	m.logger.Info("deleted service", zap.String("service", master.String()))
	return nil
}

// deleteSlavesLocked removes slave rows from..to inclusive. Must be called
// with m.mu held.
func (m *Manager) deleteSlavesLocked(master ServiceKey, from, to int) {
	for n := from; n <= to; n++ {
		if err := m.services.Delete(master.WithSlave(uint16(n))); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("failed to delete slave row",
				zap.String("service", master.String()),
				zap.Int("slave", n),
				zap.Error(err),
			)
		}
	}
}

// GetStates returns a copy of the flow-state store.
func (m *Manager) GetStates() map[StateKey]StateValue {
	result := make(map[StateKey]StateValue)
	m.states.Range(func(key StateKey, value StateValue) bool {
		result[key] = value
		return true
	})
	return result
}

// UpsertState records the original source identity of a DSR flow.
func (m *Manager) UpsertState(key StateKey, value StateValue) error {
	if err := m.states.Update(key, value); err != nil {
		return fmt.Errorf("failed to write state %d: %w", key, err)
	}
	m.logger.Info("updated flow state",
		zap.Uint16("state", uint16(key)),
		zap.String("source", value.String()),
	)
	return nil
}

// DeleteState removes a flow-state record.
func (m *Manager) DeleteState(key StateKey) error {
	if err := m.states.Delete(key); err != nil {
		return fmt.Errorf("failed to delete state %d: %w", key, err)
	}
	m.logger.Info("deleted flow state", zap.Uint16("state", uint16(key)))
	return nil
}

// Flush empties both tables.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.services.Flush()
	m.states.Flush()
	m.meta = make(map[ServiceKey]serviceMeta)
	m.logger.Info("flushed all lb maps")
}
