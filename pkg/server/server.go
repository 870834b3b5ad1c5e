package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/easzlab/ezdsr/pkg/config"
	"github.com/easzlab/ezdsr/pkg/datapath"
	"github.com/easzlab/ezdsr/pkg/healthcheck"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"github.com/easzlab/ezdsr/pkg/lvs"
	"github.com/easzlab/ezdsr/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr  *config.Manager
	lbMgr      *lbmap.Manager
	reconciler *lbmap.Reconciler
	healthMgr  *healthcheck.Manager
	pinner     *lbmap.Pinner
	lvsMgr     *lvs.Manager
	mirror     *lvs.Mirror
	registry   *prometheus.Registry
	metrics    *monitor.Metrics
	monitor    *monitor.Monitor
	metricsSrv *monitor.Server
	datapath   atomic.Pointer[datapath.Datapath]
	level      zap.AtomicLevel
	logger     *zap.Logger
}

// NewServer initializes all modules and returns a ready-to-run Server. level
// is adjusted to global.log_level on load and on every reload.
func NewServer(configPath string, level zap.AtomicLevel, logger *zap.Logger) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	var lvsMgr *lvs.Manager
	if configMgr.GetConfig().Global.IPVSMirror {
		lvsMgr, err = lvs.NewManager(logger.Named("lvs"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize IPVS manager: %w", err)
		}
	}

	return newServerWithManager(configMgr, lvsMgr, level, logger)
}

// newServerWithManager initializes a Server with a pre-created LVS Manager,
// nil when IPVS mirroring is disabled. This allows tests to inject a fake.
func newServerWithManager(configMgr *config.Manager, lvsMgr *lvs.Manager, level zap.AtomicLevel, logger *zap.Logger) (*Server, error) {
	cfg := configMgr.GetConfig()

	server := &Server{
		configMgr: configMgr,
		lvsMgr:    lvsMgr,
		registry:  prometheus.NewRegistry(),
		level:     level,
		logger:    logger,
	}
	server.applyLogLevel(cfg)

	server.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server.metrics = monitor.NewMetrics(server.registry)
	server.monitor = monitor.New(server.metrics, logger.Named("datapath"))

	server.lbMgr = lbmap.NewManager(cfg.Global.MapSize, logger.Named("lbmap"))

	if cfg.Global.StatePinPath != "" {
		pinner, err := lbmap.OpenPinner(cfg.Global.StatePinPath, logger.Named("pin"))
		if err != nil {
			return nil, fmt.Errorf("failed to open state pin file: %w", err)
		}
		restored, err := pinner.Restore(server.lbMgr)
		if err != nil {
			pinner.Close()
			return nil, fmt.Errorf("failed to restore pinned states: %w", err)
		}
		logger.Info("restored pinned flow states", zap.Int("count", restored))
		server.pinner = pinner
	}

	// Health changes update the gauge and trigger a reconcile
	server.healthMgr = healthcheck.NewManager(func(address string, healthy bool) {
		server.metrics.SetBackendHealth(address, healthy)
		server.triggerReconcile()
	}, logger.Named("healthcheck"))

	server.reconciler = lbmap.NewReconciler(server.lbMgr, server.healthMgr, logger.Named("reconciler"))

	if lvsMgr != nil {
		server.mirror = lvs.NewMirror(lvsMgr, logger.Named("mirror"))
	}

	server.buildDatapath(cfg)
	return server, nil
}

// Datapath returns the datapath reading the tables this Server maintains.
func (s *Server) Datapath() *datapath.Datapath {
	return s.datapath.Load()
}

// Tables returns the service directory and flow-state store manager.
func (s *Server) Tables() *lbmap.Manager {
	return s.lbMgr
}

// Gatherer returns the registry holding all metrics of this Server.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Run starts the server in daemon mode: performs initial reconcile, starts health checks
// and config watching, then enters the main event loop until context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()

	if cfg.Global.MetricsListen != "" {
		s.metricsSrv = monitor.NewServer(cfg.Global.MetricsListen, s.registry, s.logger.Named("metrics"))
		if err := s.metricsSrv.Start(); err != nil {
			s.shutdown()
			return err
		}
	}

	s.updateHealthTargets(ctx, cfg)

	if err := s.reconcile(cfg); err != nil {
		s.logger.Error("initial reconcile failed", zap.Error(err))
	}

	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	s.logger.Info("server started, entering main loop")
	for {
		select {
		case <-s.configMgr.OnChange():
			s.logger.Info("config change detected, triggering reconcile")
			newCfg := s.configMgr.GetConfig()
			s.applyConfig(cfg, newCfg)
			s.updateHealthTargets(ctx, newCfg)
			if err := s.reconcile(newCfg); err != nil {
				s.logger.Error("reconcile after config change failed", zap.Error(err))
			}
			cfg = newCfg

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			s.shutdown()
			return nil
		}
	}
}

// RunOnce performs a single reconcile pass and then shuts down.
// This is used for manual one-shot reconciliation (e.g., via CLI or cron).
func (s *Server) RunOnce() error {
	cfg := s.configMgr.GetConfig()

	err := s.reconcile(cfg)
	s.shutdown()

	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	return nil
}

// triggerReconcile is called by the health check manager when a backend's health status changes.
func (s *Server) triggerReconcile() {
	cfg := s.configMgr.GetConfig()
	if err := s.reconcile(cfg); err != nil {
		s.logger.Error("reconcile after health change failed", zap.Error(err))
	}
}

// reconcile writes cfg into the tables, then mirrors and pins the result.
func (s *Server) reconcile(cfg *config.Config) error {
	err := s.reconciler.Reconcile(cfg.Services, cfg.States)

	if s.mirror != nil {
		if mirrorErr := s.mirror.Sync(s.lbMgr.GetServices()); mirrorErr != nil {
			err = errors.Join(err, fmt.Errorf("IPVS mirror: %w", mirrorErr))
		}
	}
	if s.pinner != nil {
		if pinErr := s.pinner.Save(s.lbMgr.GetStates()); pinErr != nil {
			err = errors.Join(err, fmt.Errorf("pin states: %w", pinErr))
		}
	}

	s.metrics.ObserveReconcile(err)
	s.metrics.SetTableRows(s.lbMgr.Services().Len(), s.lbMgr.States().Len())
	return err
}

// applyConfig takes over the settings of a reloaded config that do not go
// through the reconciler.
func (s *Server) applyConfig(oldCfg, newCfg *config.Config) {
	s.applyLogLevel(newCfg)
	if oldCfg.Global.NoService != newCfg.Global.NoService {
		s.buildDatapath(newCfg)
	}
	if oldCfg.Global.MapSize != newCfg.Global.MapSize {
		s.logger.Warn("map_size changes take effect after restart",
			zap.Int("current", oldCfg.Global.MapSize),
			zap.Int("configured", newCfg.Global.MapSize),
		)
	}
	if oldCfg.Global.MetricsListen != newCfg.Global.MetricsListen ||
		oldCfg.Global.StatePinPath != newCfg.Global.StatePinPath ||
		oldCfg.Global.IPVSMirror != newCfg.Global.IPVSMirror {
		s.logger.Warn("metrics_listen, state_pin_path and ipvs_mirror changes take effect after restart")
	}
}

func (s *Server) applyLogLevel(cfg *config.Config) {
	level, err := zapcore.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return
	}
	s.level.SetLevel(level)
}

func (s *Server) buildDatapath(cfg *config.Config) {
	s.datapath.Store(datapath.New(
		s.lbMgr.Services(),
		s.lbMgr.States(),
		datapath.WithTracer(s.monitor),
		datapath.WithObserver(s.monitor),
		datapath.WithPassOnNoService(cfg.Global.PassOnNoService()),
	))
}

// updateHealthTargets registers the probe targets of cfg and drops gauges of
// targets that are no longer probed.
func (s *Server) updateHealthTargets(ctx context.Context, cfg *config.Config) {
	s.healthMgr.UpdateTargets(ctx, cfg.Services)
	s.metrics.BackendHealthy.Reset()
	for address, healthy := range s.healthMgr.Statuses() {
		s.metrics.SetBackendHealth(address, healthy)
	}
}

// shutdown gracefully stops all modules.
func (s *Server) shutdown() {
	s.healthMgr.Stop()
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Stop(context.Background()); err != nil {
			s.logger.Error("failed to stop metrics server", zap.Error(err))
		}
	}
	if s.pinner != nil {
		if err := s.pinner.Save(s.lbMgr.GetStates()); err != nil {
			s.logger.Error("failed to pin flow states", zap.Error(err))
		}
		if err := s.pinner.Close(); err != nil {
			s.logger.Error("failed to close state pin file", zap.Error(err))
		}
	}
	if s.lvsMgr != nil {
		s.lvsMgr.Close()
	}
	s.logger.Info("server stopped")
}
