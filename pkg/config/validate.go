package config

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultMapSize is the default capacity of the service directory and of the
// flow-state store.
const DefaultMapSize = 1024

// Values of global.no_service.
const (
	NoServiceDrop = "drop"
	NoServicePass = "pass"
)

var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

// ParseHostPort parses "[v6]:port" or a bare IPv6 address. A bare address
// yields port 0. IPv4 and IPv4-mapped addresses are rejected.
func ParseHostPort(s string) (netip.Addr, uint16, error) {
	var (
		addr netip.Addr
		port uint16
	)
	if strings.HasPrefix(s, "[") {
		addrPort, err := netip.ParseAddrPort(s)
		if err != nil {
			return netip.Addr{}, 0, err
		}
		addr, port = addrPort.Addr(), addrPort.Port()
	} else {
		parsed, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Addr{}, 0, err
		}
		addr = parsed
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, 0, fmt.Errorf("%q is not an IPv6 address", s)
	}
	if addr.Zone() != "" {
		return netip.Addr{}, 0, fmt.Errorf("%q: zoned addresses are not supported", s)
	}
	return addr, port, nil
}

// ProbeAddress returns the host:port a health check should dial for backend.
// A backend without a port is probed on the service port. ok is false when
// neither carries a port, as for a bare backend of a wildcard service.
func ProbeAddress(svc ServiceConfig, backend BackendConfig) (string, bool) {
	addr, port, err := ParseHostPort(backend.Address)
	if err != nil {
		return "", false
	}
	if port == 0 {
		_, listenPort, err := ParseHostPort(svc.Listen)
		if err != nil || listenPort == 0 {
			return "", false
		}
		port = listenPort
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), true
}

// Validate checks cfg for errors and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.Global.LogLevel != "" {
		if _, err := zapcore.ParseLevel(cfg.Global.LogLevel); err != nil {
			return fmt.Errorf("global: invalid log_level %q: %w", cfg.Global.LogLevel, err)
		}
	}
	if cfg.Global.MapSize == 0 {
		cfg.Global.MapSize = DefaultMapSize
	}
	if cfg.Global.MapSize < 0 {
		return fmt.Errorf("global: map_size must be a positive number")
	}
	if cfg.Global.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(cfg.Global.MetricsListen); err != nil {
			return fmt.Errorf("global: invalid metrics_listen %q: %w", cfg.Global.MetricsListen, err)
		}
	}

	switch cfg.Global.NoService {
	case "":
		cfg.Global.NoService = NoServiceDrop
	case NoServiceDrop, NoServicePass:
	default:
		return fmt.Errorf("global: no_service must be %q or %q, got %q", NoServiceDrop, NoServicePass, cfg.Global.NoService)
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be defined")
	}

	nameSet := make(map[string]bool)
	listenSet := make(map[netip.AddrPort]string)
	rows := 0

	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if nameSet[svc.Name] {
			return fmt.Errorf("service[%d]: duplicate service name %q", i, svc.Name)
		}
		nameSet[svc.Name] = true

		// Port 0 registers a wildcard service.
		listenAddr, listenPort, err := ParseHostPort(svc.Listen)
		if err != nil {
			return fmt.Errorf("service %q: invalid listen address %q: %w", svc.Name, svc.Listen, err)
		}

		protocol := svc.Protocol
		if protocol == "" {
			cfg.Services[i].Protocol = "tcp"
			protocol = "tcp"
		}
		if !validProtocols[protocol] {
			return fmt.Errorf("service %q: unsupported protocol %q (supported: tcp, udp)", svc.Name, protocol)
		}

		// The directory is keyed by address and port only, so the same
		// listen address cannot be shared between protocols.
		listenKey := netip.AddrPortFrom(listenAddr, listenPort)
		if other, ok := listenSet[listenKey]; ok {
			return fmt.Errorf("service %q: listen address %q already used by service %q", svc.Name, svc.Listen, other)
		}
		listenSet[listenKey] = svc.Name

		if svc.HealthCheck.IsEnabled() {
			if svc.HealthCheck.Interval != "" {
				if _, err := time.ParseDuration(svc.HealthCheck.Interval); err != nil {
					return fmt.Errorf("service %q: invalid health_check.interval %q: %w", svc.Name, svc.HealthCheck.Interval, err)
				}
			}
			if svc.HealthCheck.Timeout != "" {
				if _, err := time.ParseDuration(svc.HealthCheck.Timeout); err != nil {
					return fmt.Errorf("service %q: invalid health_check.timeout %q: %w", svc.Name, svc.HealthCheck.Timeout, err)
				}
			}
		}

		if len(svc.Backends) == 0 {
			return fmt.Errorf("service %q: at least one backend is required", svc.Name)
		}

		backendSet := make(map[netip.AddrPort]bool)
		slots := 0
		for j, backend := range svc.Backends {
			if backend.Address == "" {
				return fmt.Errorf("service %q: backend[%d]: address is required", svc.Name, j)
			}
			addr, port, err := ParseHostPort(backend.Address)
			if err != nil {
				return fmt.Errorf("service %q: backend[%d]: invalid address %q: %w", svc.Name, j, backend.Address, err)
			}
			key := netip.AddrPortFrom(addr, port)
			if backendSet[key] {
				return fmt.Errorf("service %q: backend[%d]: duplicate address %q", svc.Name, j, backend.Address)
			}
			backendSet[key] = true

			if backend.Weight < 0 {
				return fmt.Errorf("service %q: backend[%d]: weight must not be negative", svc.Name, j)
			}
			slots += backend.GetWeight()
		}
		if slots > math.MaxUint16 {
			return fmt.Errorf("service %q: backend weights add up to %d slots, at most %d allowed", svc.Name, slots, math.MaxUint16)
		}
		rows += 1 + slots
	}

	if rows > cfg.Global.MapSize {
		return fmt.Errorf("services need %d directory rows, map_size is %d", rows, cfg.Global.MapSize)
	}

	if len(cfg.States) > cfg.Global.MapSize {
		return fmt.Errorf("%d flow states exceed map_size %d", len(cfg.States), cfg.Global.MapSize)
	}
	idSet := make(map[uint16]bool)
	for i, st := range cfg.States {
		if idSet[st.ID] {
			return fmt.Errorf("state[%d]: duplicate id %d", i, st.ID)
		}
		idSet[st.ID] = true
		if _, _, err := ParseHostPort(st.Address); err != nil {
			return fmt.Errorf("state[%d]: invalid address %q: %w", i, st.Address, err)
		}
	}

	return nil
}
