package server

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/easzlab/ezdsr/pkg/config"
	"github.com/easzlab/ezdsr/pkg/datapath"
	"github.com/easzlab/ezdsr/pkg/lvs"
	"github.com/easzlab/ezdsr/pkg/packet"
	"go.uber.org/zap"
)

// controllableHealthChecker is a mock HealthChecker that allows tests to
// control the health status of individual backends.
type controllableHealthChecker struct {
	mu     sync.RWMutex
	status map[string]bool
}

func newControllableHealthChecker() *controllableHealthChecker {
	return &controllableHealthChecker{
		status: make(map[string]bool),
	}
}

func (c *controllableHealthChecker) IsHealthy(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	healthy, ok := c.status[address]
	if !ok {
		return true
	}
	return healthy
}

func (c *controllableHealthChecker) SetHealthy(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[address] = true
}

func (c *controllableHealthChecker) SetUnhealthy(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[address] = false
}

// writeYAMLFile writes YAML content to a file and returns the path.
func writeYAMLFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ezdsr.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write YAML file: %v", err)
	}
	return path
}

// newTestServer creates a Server mirroring into the in-memory IPVS handle.
func newTestServer(t *testing.T, configPath string) *Server {
	t.Helper()
	logger := zap.NewNop()

	configMgr, err := config.NewManager(configPath, logger)
	if err != nil {
		t.Fatalf("config.NewManager failed: %v", err)
	}
	lvsMgr := lvs.NewManagerWithHandle(lvs.NewFakeHandle(), logger)

	srv, err := newServerWithManager(configMgr, lvsMgr, zap.NewAtomicLevel(), logger)
	if err != nil {
		t.Fatalf("newServerWithManager failed: %v", err)
	}
	return srv
}

// forwardTCP builds a TCP packet from a fixed client to dst:dport and runs
// it through the server's datapath.
func forwardTCP(t *testing.T, srv *Server, dst string, dport uint16, hash uint32) (datapath.Result, []byte) {
	t.Helper()
	pkt, err := packet.Build(packet.Template{
		Src:     netip.MustParseAddr("2001:db8:ffff::1"),
		Dst:     netip.MustParseAddr(dst),
		Proto:   packet.ProtoTCP,
		SrcPort: 40000,
		DstPort: dport,
	})
	if err != nil {
		t.Fatalf("failed to build packet: %v", err)
	}
	return srv.Datapath().Forward(packet.Buffer(pkt), hash), pkt
}
