package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global   GlobalConfig    `yaml:"global"   mapstructure:"global"`
	Services []ServiceConfig `yaml:"services" mapstructure:"services"`
	States   []StateConfig   `yaml:"states"   mapstructure:"states"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"      mapstructure:"log_level"`
	MapSize       int    `yaml:"map_size"       mapstructure:"map_size"`
	MetricsListen string `yaml:"metrics_listen" mapstructure:"metrics_listen"`
	StatePinPath  string `yaml:"state_pin_path" mapstructure:"state_pin_path"`
	IPVSMirror    bool   `yaml:"ipvs_mirror"    mapstructure:"ipvs_mirror"`
	// NoService is what happens to packets addressed to no service:
	// "drop" (default) or "pass".
	NoService string `yaml:"no_service" mapstructure:"no_service"`
}

// PassOnNoService reports whether packets for unknown services continue
// unmodified.
func (g GlobalConfig) PassOnNoService() bool {
	return g.NoService == NoServicePass
}

// ServiceConfig defines a virtual service with its backends and health check settings.
// A listen port of 0 registers a wildcard service matching any destination port.
type ServiceConfig struct {
	Name        string            `yaml:"name"         mapstructure:"name"`
	Listen      string            `yaml:"listen"       mapstructure:"listen"`
	Protocol    string            `yaml:"protocol"     mapstructure:"protocol"`
	HealthCheck HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`
	Backends    []BackendConfig   `yaml:"backends"     mapstructure:"backends"`
}

// HealthCheckConfig defines per-service health check parameters.
type HealthCheckConfig struct {
	Enabled   *bool  `yaml:"enabled"    mapstructure:"enabled"`
	Interval  string `yaml:"interval"   mapstructure:"interval"`
	Timeout   string `yaml:"timeout"    mapstructure:"timeout"`
	FailCount int    `yaml:"fail_count" mapstructure:"fail_count"`
	RiseCount int    `yaml:"rise_count" mapstructure:"rise_count"`
}

// IsEnabled returns whether health check is enabled for this service.
// Defaults to true if not explicitly set.
func (h HealthCheckConfig) IsEnabled() bool {
	if h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// GetInterval parses and returns the health check interval duration.
// Defaults to 5s if not set or invalid.
func (h HealthCheckConfig) GetInterval() time.Duration {
	return parseDurationOr(h.Interval, 5*time.Second)
}

// GetTimeout parses and returns the health check timeout duration.
// Defaults to 3s if not set or invalid.
func (h HealthCheckConfig) GetTimeout() time.Duration {
	return parseDurationOr(h.Timeout, 3*time.Second)
}

// GetFailCount returns the consecutive failure threshold.
// Defaults to 3 if not set.
func (h HealthCheckConfig) GetFailCount() int {
	if h.FailCount <= 0 {
		return 3
	}
	return h.FailCount
}

// GetRiseCount returns the consecutive success threshold.
// Defaults to 2 if not set.
func (h HealthCheckConfig) GetRiseCount() int {
	if h.RiseCount <= 0 {
		return 2
	}
	return h.RiseCount
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return duration
}

// BackendConfig defines a real server. An address without a port leaves the
// destination port of forwarded packets unchanged.
type BackendConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Weight  int    `yaml:"weight"  mapstructure:"weight"`
}

// GetWeight returns the number of slave slots the backend occupies.
// Defaults to 1 if not set.
func (b BackendConfig) GetWeight() int {
	if b.Weight <= 0 {
		return 1
	}
	return b.Weight
}

// StateConfig defines a DSR flow-state record: the original source identity
// restored on the reverse path of flows tagged with ID.
type StateConfig struct {
	ID      uint16 `yaml:"id"      mapstructure:"id"`
	Address string `yaml:"address" mapstructure:"address"`
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("global.map_size", DefaultMapSize)
	viperInstance.SetDefault("global.no_service", NoServiceDrop)

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
