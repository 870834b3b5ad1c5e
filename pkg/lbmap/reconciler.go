package lbmap

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/easzlab/ezdsr/pkg/config"
	"go.uber.org/zap"
)

// HealthChecker is the interface used by Reconciler to query backend health status.
// This decouples the lbmap package from the healthcheck package.
type HealthChecker interface {
	IsHealthy(address string) bool
}

// Reconciler implements declarative reconciliation between desired state
// (config + health) and the rows of the service directory and flow-state
// store. Rows it did not write are left alone.
type Reconciler struct {
	manager       *Manager
	healthMgr     HealthChecker
	logger        *zap.Logger
	managed       map[ServiceKey]bool
	managedStates map[StateKey]bool
	mu            sync.Mutex
}

// NewReconciler creates a new Reconciler.
func NewReconciler(manager *Manager, healthMgr HealthChecker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		manager:       manager,
		healthMgr:     healthMgr,
		logger:        logger,
		managed:       make(map[ServiceKey]bool),
		managedStates: make(map[StateKey]bool),
	}
}

// Reconcile brings the service directory and the flow-state store in line
// with the given configuration.
func (r *Reconciler) Reconcile(services []config.ServiceConfig, states []config.StateConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("starting reconcile",
		zap.Int("desired_services", len(services)),
		zap.Int("desired_states", len(states)),
	)

	desired, err := r.buildDesiredServices(services)
	if err != nil {
		return fmt.Errorf("failed to build desired services: %w", err)
	}
	desiredStates, err := BuildStates(states)
	if err != nil {
		return fmt.Errorf("failed to build desired states: %w", err)
	}

	actual := make(map[ServiceKey]ServiceEntry)
	for _, entry := range r.manager.GetServices() {
		if r.managed[entry.Key] {
			actual[entry.Key] = entry
		}
	}

	var reconcileErrors []error

	// Delete first so capacity freed by removed services is available to
	// new ones.
	for key := range actual {
		if _, exists := desired[key]; exists {
			continue
		}
		if err := r.manager.DeleteService(key); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete service %s: %w", key, err))
			continue
		}
		delete(r.managed, key)
	}

	for key, want := range desired {
		if have, exists := actual[key]; exists && entryEqual(have, want) {
			continue
		}
		if err := r.manager.UpsertService(want); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("update service %s: %w", key, err))
			continue
		}
		r.managed[key] = true
	}

	if err := r.reconcileStates(desiredStates); err != nil {
		reconcileErrors = append(reconcileErrors, err)
	}

	if len(reconcileErrors) > 0 {
		r.logger.Error("reconcile completed with errors", zap.Int("error_count", len(reconcileErrors)))
		return errors.Join(reconcileErrors...)
	}

	r.logger.Info("reconcile completed successfully")
	return nil
}

// buildDesiredServices converts config services into directory entries,
// filtering out unhealthy backends and replicating each backend into as
// many slave slots as its weight.
func (r *Reconciler) buildDesiredServices(configs []config.ServiceConfig) (map[ServiceKey]ServiceEntry, error) {
	result := make(map[ServiceKey]ServiceEntry)

	for _, svcCfg := range configs {
		key, err := ServiceKeyFromConfig(svcCfg)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svcCfg.Name, err)
		}

		entry := ServiceEntry{
			Key:      key,
			Name:     svcCfg.Name,
			Protocol: svcCfg.Protocol,
		}
		for _, backendCfg := range svcCfg.Backends {
			if svcCfg.HealthCheck.IsEnabled() {
				if probe, ok := config.ProbeAddress(svcCfg, backendCfg); ok && !r.healthMgr.IsHealthy(probe) {
					r.logger.Info("skipping unhealthy backend",
						zap.String("service", svcCfg.Name),
						zap.String("backend", backendCfg.Address),
					)
					continue
				}
			}

			backend, err := BackendFromConfig(backendCfg)
			if err != nil {
				return nil, fmt.Errorf("service %q, backend %q: %w", svcCfg.Name, backendCfg.Address, err)
			}
			for range backendCfg.GetWeight() {
				entry.Backends = append(entry.Backends, backend)
			}
		}
		if len(entry.Backends) == 0 {
			r.logger.Warn("service has no healthy backends", zap.String("service", svcCfg.Name))
		}

		result[key] = entry
	}

	return result, nil
}

// reconcileStates diffs the managed flow-state records against desired.
func (r *Reconciler) reconcileStates(desired map[StateKey]StateValue) error {
	actual := r.manager.GetStates()

	var reconcileErrors []error

	for key := range r.managedStates {
		if _, exists := desired[key]; exists {
			continue
		}
		if err := r.manager.DeleteState(key); err != nil && !errors.Is(err, ErrNotFound) {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete state %d: %w", key, err))
			continue
		}
		delete(r.managedStates, key)
	}

	for key, want := range desired {
		if have, exists := actual[key]; exists && have == want {
			r.managedStates[key] = true
			continue
		}
		if err := r.manager.UpsertState(key, want); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("update state %d: %w", key, err))
			continue
		}
		r.managedStates[key] = true
	}

	if len(reconcileErrors) > 0 {
		return errors.Join(reconcileErrors...)
	}
	return nil
}

func entryEqual(a, b ServiceEntry) bool {
	return a.Key == b.Key &&
		a.Name == b.Name &&
		a.Protocol == b.Protocol &&
		slices.Equal(a.Backends, b.Backends)
}

// ServiceKeyFromConfig returns the master key of a configured service.
func ServiceKeyFromConfig(svcCfg config.ServiceConfig) (ServiceKey, error) {
	addr, port, err := config.ParseHostPort(svcCfg.Listen)
	if err != nil {
		return ServiceKey{}, fmt.Errorf("invalid listen address %q: %w", svcCfg.Listen, err)
	}
	ip, err := IPv6FromAddr(addr)
	if err != nil {
		return ServiceKey{}, err
	}
	return ServiceKey{Address: ip, Port: port}, nil
}

// BackendFromConfig converts a configured backend into a slave row value.
func BackendFromConfig(backendCfg config.BackendConfig) (Backend, error) {
	addr, port, err := config.ParseHostPort(backendCfg.Address)
	if err != nil {
		return Backend{}, err
	}
	ip, err := IPv6FromAddr(addr)
	if err != nil {
		return Backend{}, err
	}
	return Backend{Address: ip, Port: port}, nil
}

// BuildStates converts configured flow states into store records.
func BuildStates(states []config.StateConfig) (map[StateKey]StateValue, error) {
	result := make(map[StateKey]StateValue, len(states))
	for _, st := range states {
		addr, port, err := config.ParseHostPort(st.Address)
		if err != nil {
			return nil, fmt.Errorf("state %d: %w", st.ID, err)
		}
		ip, err := IPv6FromAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("state %d: %w", st.ID, err)
		}
		result[StateKey(st.ID)] = StateValue{Address: ip, Port: port}
	}
	return result, nil
}
