package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/easzlab/ezdsr/pkg/config"
	"go.uber.org/zap"
)

// StatusFunc is invoked whenever a probed backend changes health.
type StatusFunc func(address string, healthy bool)

// target tracks the health state and consecutive check results for a single
// probe address.
type target struct {
	service          string
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
}

// probeConfig holds the check parameters shared by the targets of a service.
type probeConfig struct {
	checker   Checker
	interval  time.Duration
	failCount int
	riseCount int
}

// Manager orchestrates health checks for all backends across all services.
// Targets are keyed by probe address, see config.ProbeAddress.
type Manager struct {
	targets  map[string]*target
	mu       sync.RWMutex
	onChange StatusFunc
	logger   *zap.Logger
}

// NewManager creates a new health check Manager.
func NewManager(onChange StatusFunc, logger *zap.Logger) *Manager {
	return &Manager{
		targets:  make(map[string]*target),
		onChange: onChange,
		logger:   logger,
	}
}

// IsHealthy returns whether the backend probed at address is considered
// healthy. Addresses that are not probed are healthy.
func (m *Manager) IsHealthy(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.targets[address]
	if !exists {
		return true
	}
	return t.healthy
}

// Statuses returns the health of every probed address.
func (m *Manager) Statuses() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]bool, len(m.targets))
	for address, t := range m.targets {
		result[address] = t.healthy
	}
	return result
}

// Addresses returns the probed addresses in sorted order.
func (m *Manager) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addresses := make([]string, 0, len(m.targets))
	for address := range m.targets {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// UpdateTargets synchronizes the probed addresses with services. Checks are
// started for new targets and stopped for targets no enabled service
// references any more. Backends without a probe address are never checked.
func (m *Manager) UpdateTargets(ctx context.Context, services []config.ServiceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]bool)

	for _, svcCfg := range services {
		if !svcCfg.HealthCheck.IsEnabled() {
			continue
		}
		probe := &probeConfig{
			checker:   NewChecker(svcCfg.Protocol, svcCfg.HealthCheck.GetTimeout()),
			interval:  svcCfg.HealthCheck.GetInterval(),
			failCount: svcCfg.HealthCheck.GetFailCount(),
			riseCount: svcCfg.HealthCheck.GetRiseCount(),
		}

		for _, backend := range svcCfg.Backends {
			address, ok := config.ProbeAddress(svcCfg, backend)
			if !ok {
				m.logger.Debug("backend has no probe port, skipping health check",
					zap.String("service", svcCfg.Name),
					zap.String("backend", backend.Address),
				)
				continue
			}
			if desired[address] {
				continue
			}
			desired[address] = true

			if _, exists := m.targets[address]; !exists {
				m.startLocked(ctx, svcCfg.Name, address, probe)
			}
		}
	}

	for address, t := range m.targets {
		if desired[address] {
			continue
		}
		if t.cancel != nil {
			t.cancel()
		}
		delete(m.targets, address)
		m.logger.Info("stopped health check",
			zap.String("service", t.service),
			zap.String("address", address),
		)
	}
}

// startLocked starts a check goroutine for a single address. New targets
// start healthy. Must be called with m.mu held.
func (m *Manager) startLocked(ctx context.Context, service, address string, probe *probeConfig) {
	checkCtx, cancel := context.WithCancel(ctx)
	m.targets[address] = &target{
		service: service,
		healthy: true,
		cancel:  cancel,
	}

	m.logger.Info("started health check",
		zap.String("service", service),
		zap.String("address", address),
		zap.Duration("interval", probe.interval),
	)

	go m.runCheck(checkCtx, address, probe)
}

// runCheck periodically probes address until ctx is cancelled.
func (m *Manager) runCheck(ctx context.Context, address string, probe *probeConfig) {
	ticker := time.NewTicker(probe.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := probe.checker.Check(ctx, address)
			if ctx.Err() != nil {
				return
			}
			m.handleCheckResult(address, err, probe)
		}
	}
}

// handleCheckResult applies one probe result. The status flips after
// failCount consecutive failures or riseCount consecutive successes.
func (m *Manager) handleCheckResult(address string, checkErr error, probe *probeConfig) {
	m.mu.Lock()

	t, exists := m.targets[address]
	if !exists {
		m.mu.Unlock()
		return
	}

	previouslyHealthy := t.healthy

	if checkErr != nil {
		t.consecutiveFails++
		t.consecutiveOK = 0

		if t.healthy && t.consecutiveFails >= probe.failCount {
			t.healthy = false
			m.logger.Warn("backend marked unhealthy",
				zap.String("service", t.service),
				zap.String("address", address),
				zap.Int("consecutive_fails", t.consecutiveFails),
				zap.Error(checkErr),
			)
		}
	} else {
		t.consecutiveOK++
		t.consecutiveFails = 0

		if !t.healthy && t.consecutiveOK >= probe.riseCount {
			t.healthy = true
			m.logger.Info("backend marked healthy",
				zap.String("service", t.service),
				zap.String("address", address),
				zap.Int("consecutive_ok", t.consecutiveOK),
			)
		}
	}

	healthy := t.healthy
	m.mu.Unlock()

	if previouslyHealthy != healthy && m.onChange != nil {
		m.onChange(address, healthy)
	}
}

// Stop cancels all running health check goroutines and clears state.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for address, t := range m.targets {
		if t.cancel != nil {
			t.cancel()
		}
		m.logger.Debug("stopped health check", zap.String("address", address))
	}

	m.targets = make(map[string]*target)
	m.logger.Info("all health checks stopped")
}
