package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// echoImage runs a raw TCP echo listener via socat: every byte a
// client sends comes straight back, which is exactly what
// wire.TCPChannel's length-prefixed frames need underneath them.
const echoImage = "alpine/socat:latest"

const containerPort = "9000/tcp"

// EchoContainer wraps testcontainers-go to run and restart a
// containerized TCP echo listener, with dynamically allocated host
// ports so tests can run in parallel.
type EchoContainer struct {
	tb testing.TB

	ctr  testcontainers.Container
	Addr string
}

// NewEchoContainer returns a placeholder; the actual container starts
// on Start.
func NewEchoContainer(tb testing.TB) *EchoContainer {
	tb.Helper()
	return &EchoContainer{tb: tb}
}

// Start launches the echo listener and records its mapped host
// address in Addr.
func (c *EchoContainer) Start(ctx context.Context) error {
	ctr, err := testcontainers.Run(ctx, echoImage,
		testcontainers.WithExposedPorts(containerPort),
		testcontainers.WithCmd("TCP-LISTEN:9000,fork,reuseaddr", "EXEC:/bin/cat"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort(containerPort)),
	)
	if err != nil {
		return fmt.Errorf("start echo container: %w", err)
	}
	c.ctr = ctr
	return c.refreshAddr(ctx)
}

func (c *EchoContainer) refreshAddr(ctx context.Context) error {
	host, err := c.ctr.Host(ctx)
	if err != nil {
		return fmt.Errorf("resolve echo container host: %w", err)
	}
	mapped, err := c.ctr.MappedPort(ctx, containerPort)
	if err != nil {
		return fmt.Errorf("resolve echo container port: %w", err)
	}
	c.Addr = fmt.Sprintf("%s:%s", host, mapped.Port())
	return nil
}

// Restart stops and restarts the underlying container in place: the
// supervisor dialing Addr must observe the drop and reconnect once
// the listener comes back.
func (c *EchoContainer) Restart(ctx context.Context) error {
	if err := c.ctr.Stop(ctx, nil); err != nil {
		return fmt.Errorf("stop echo container: %w", err)
	}
	if err := c.ctr.Start(ctx); err != nil {
		return fmt.Errorf("restart echo container: %w", err)
	}
	if err := wait.ForListeningPort(containerPort).WithStartupTimeout(30 * time.Second).WaitUntilReady(ctx, c.ctr); err != nil {
		return fmt.Errorf("wait for echo container after restart: %w", err)
	}
	// Docker may remap the host port across a stop/start cycle.
	return c.refreshAddr(ctx)
}

// Stop terminates the container.
func (c *EchoContainer) Stop(ctx context.Context) error {
	if c.ctr == nil {
		return nil
	}
	return testcontainers.TerminateContainer(c.ctr)
}
