package server

import (
	"fmt"

	"github.com/easzlab/ezdsr/pkg/config"
	"github.com/easzlab/ezdsr/pkg/lbmap"
	"go.uber.org/zap"
)

// assumeHealthy reports every backend healthy.
type assumeHealthy struct{}

func (assumeHealthy) IsHealthy(string) bool { return true }

// LoadTables builds the service directory and flow-state store described by
// the config at configPath without probing backends or touching IPVS.
// Pinned states are merged in when the pin file can be opened; it is locked
// while a daemon runs.
func LoadTables(configPath string, logger *zap.Logger) (*lbmap.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.GetConfig()

	lbMgr := lbmap.NewManager(cfg.Global.MapSize, logger.Named("lbmap"))

	if cfg.Global.StatePinPath != "" {
		pinner, err := lbmap.OpenPinner(cfg.Global.StatePinPath, logger.Named("pin"))
		if err != nil {
			logger.Warn("pinned flow states unavailable", zap.Error(err))
		} else {
			if _, err := pinner.Restore(lbMgr); err != nil {
				logger.Warn("failed to restore pinned flow states", zap.Error(err))
			}
			pinner.Close()
		}
	}

	reconciler := lbmap.NewReconciler(lbMgr, assumeHealthy{}, logger.Named("reconciler"))
	if err := reconciler.Reconcile(cfg.Services, cfg.States); err != nil {
		return nil, nil, err
	}
	return lbMgr, cfg, nil
}
