//go:build linux

package e2e

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/easzlab/ezdsr/pkg/lvs"
)

// runEzdsr executes the binary with args and asserts a successful exit.
// Returns stdout.
func runEzdsr(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(ezdsrBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("ezdsr %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}
	return stdout.String()
}

// runEzdsrExpectFailure executes the binary with args and expects a non-zero exit code.
// Returns the combined stdout and stderr output.
func runEzdsrExpectFailure(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := exec.Command(ezdsrBinary, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected ezdsr %v to fail, but it succeeded\noutput: %s", args, out.String())
	}
	return out.String()
}

// runEzdsrDaemon starts the daemon with configPath and returns the exec.Cmd.
// The caller is responsible for stopping the process.
func runEzdsrDaemon(t *testing.T, configPath string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(ezdsrBinary, "-c", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start ezdsr daemon: %v", err)
	}
	return cmd
}

// writeTestConfig writes YAML content to a config file in the given directory.
func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configPath := filepath.Join(dir, "ezdsr.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

// requireIPVS skips the test when the kernel IPVS table is not reachable,
// as without root or the ip_vs module.
func requireIPVS(t *testing.T) {
	t.Helper()
	handle, err := lvs.NewIPVSHandle("")
	if err != nil {
		t.Skipf("IPVS unavailable: %v", err)
	}
	defer handle.Close()
	if _, err := handle.GetServices(); err != nil {
		t.Skipf("IPVS unavailable: %v", err)
	}
}

// deleteIPVSService removes the service at ipAddress:port if present.
func deleteIPVSService(t *testing.T, ipAddress string, port uint16) {
	t.Helper()
	handle, err := lvs.NewIPVSHandle("")
	if err != nil {
		t.Fatalf("failed to create IPVS handle: %v", err)
	}
	defer handle.Close()

	services, err := handle.GetServices()
	if err != nil {
		t.Fatalf("failed to get IPVS services: %v", err)
	}
	if svc := findServiceByAddress(services, ipAddress, port); svc != nil {
		if err := handle.DelService(svc); err != nil {
			t.Fatalf("failed to delete IPVS service: %v", err)
		}
	}
}

// getIPVSServices returns all current IPVS services from the kernel.
func getIPVSServices(t *testing.T) []*lvs.Service {
	t.Helper()
	handle, err := lvs.NewIPVSHandle("")
	if err != nil {
		t.Fatalf("failed to create IPVS handle: %v", err)
	}
	defer handle.Close()

	services, err := handle.GetServices()
	if err != nil {
		t.Fatalf("failed to get IPVS services: %v", err)
	}
	return services
}

// getIPVSDestinations returns all destinations for the given IPVS service.
func getIPVSDestinations(t *testing.T, svc *lvs.Service) []*lvs.Destination {
	t.Helper()
	handle, err := lvs.NewIPVSHandle("")
	if err != nil {
		t.Fatalf("failed to create IPVS handle: %v", err)
	}
	defer handle.Close()

	destinations, err := handle.GetDestinations(svc)
	if err != nil {
		t.Fatalf("failed to get IPVS destinations: %v", err)
	}
	return destinations
}

// findServiceByAddress finds an IPVS service matching the given IP and port.
// Returns nil if not found.
func findServiceByAddress(services []*lvs.Service, ipAddress string, port uint16) *lvs.Service {
	targetIP := net.ParseIP(ipAddress)
	for _, svc := range services {
		if svc.Address.Equal(targetIP) && svc.Port == port {
			return svc
		}
	}
	return nil
}

// requireService asserts the IPVS service at ipAddress:port exists.
func requireService(t *testing.T, ipAddress string, port uint16) *lvs.Service {
	t.Helper()
	svc := findServiceByAddress(getIPVSServices(t), ipAddress, port)
	if svc == nil {
		t.Fatalf("expected IPVS service [%s]:%d", ipAddress, port)
	}
	return svc
}

// requireDestinationCount asserts the exact number of destinations for a service.
func requireDestinationCount(t *testing.T, svc *lvs.Service, expected int) []*lvs.Destination {
	t.Helper()
	destinations := getIPVSDestinations(t, svc)
	if len(destinations) != expected {
		t.Fatalf("expected %d destinations for service [%s]:%d, got %d",
			expected, svc.Address, svc.Port, len(destinations))
	}
	return destinations
}
