package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Checker defines the interface for health check probes.
type Checker interface {
	Check(ctx context.Context, address string) error
}

// NewChecker returns the probe matching a service protocol.
func NewChecker(protocol string, timeout time.Duration) Checker {
	if protocol == "udp" {
		return NewUDPChecker(timeout)
	}
	return NewTCPChecker(timeout)
}

// TCPChecker implements health checking via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check attempts to establish a TCP connection to the given address.
// Returns nil if the connection succeeds (healthy), or an error if it fails (unhealthy).
func (c *TCPChecker) Check(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// UDPChecker probes a UDP backend by sending an empty datagram. An ICMP port
// unreachable reply surfaces as a read error and marks the backend down;
// silence until the timeout counts as healthy.
type UDPChecker struct {
	timeout time.Duration
}

// NewUDPChecker creates a new UDPChecker with the given timeout.
func NewUDPChecker(timeout time.Duration) *UDPChecker {
	return &UDPChecker{
		timeout: timeout,
	}
}

// Check sends one probe datagram to address and waits for a reply or an error.
func (c *UDPChecker) Check(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return fmt.Errorf("udp health check failed for %s: %w", address, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("udp health check failed for %s: %w", address, err)
	}
	if _, err := conn.Write(nil); err != nil {
		return fmt.Errorf("udp health check failed for %s: %w", address, err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("udp health check failed for %s: %w", address, err)
	}
	return nil
}
