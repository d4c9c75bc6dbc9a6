// SPDX-License-Identifier: GPL-2.0-only

package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// detachSettleDelay mirrors the daemon-side settle delay: the original
// client sleeps 0.2s after every usbip detach before considering the port
// free again.
const detachSettleDelay = 200 * time.Millisecond

// CLI is the local usbip(8) facade the Agent drives. It is an interface so
// tests can avoid running the real subprocess.
type CLI interface {
	ListRemote(ctx context.Context, host string, port int) (string, error)
	AttachedPorts(ctx context.Context) (string, error)
	Attach(ctx context.Context, host string, port int, busID string) error
	Detach(ctx context.Context, portID string) error
}

// execCLI runs the real usbip(8) binary.
type execCLI struct{}

func (execCLI) ListRemote(ctx context.Context, host string, port int) (string, error) {
	out, err := exec.CommandContext(ctx, "usbip", "list", "-r", fmt.Sprintf("%s:%d", host, port)).CombinedOutput()
	return string(out), err
}

func (execCLI) AttachedPorts(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "usbip", "port").CombinedOutput()
	return string(out), err
}

func (execCLI) Attach(ctx context.Context, host string, port int, busID string) error {
	_, err := exec.CommandContext(ctx, "usbip", "attach", "-r", fmt.Sprintf("%s:%d", host, port), "-b", busID).CombinedOutput()
	return err
}

func (execCLI) Detach(ctx context.Context, portID string) error {
	_, err := exec.CommandContext(ctx, "usbip", "detach", "-p", portID).CombinedOutput()
	return err
}

// NewExecCLI returns the production CLI backed by the usbip(8) binary.
func NewExecCLI() CLI { return execCLI{} }

// Agent connects to the daemon's control socket, identifies itself, and
// reacts to bound/unbound/removed frames by driving cli.
type Agent struct {
	host           string
	port           int
	clientID       string
	reconnectDelay time.Duration
	cli            CLI
	logger         log.Logger
}

// New builds an Agent.
func New(host string, port int, clientID string, reconnectDelay time.Duration, cli CLI, logger log.Logger) *Agent {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Agent{
		host:           host,
		port:           port,
		clientID:       clientID,
		reconnectDelay: reconnectDelay,
		cli:            cli,
		logger:         logger,
	}
}

// Run connects and reconnects until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.runOnce(ctx); err != nil {
			_ = level.Warn(a.logger).Log("msg", "connection to daemon ended; will retry", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.reconnectDelay):
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = level.Info(a.logger).Log("msg", "connected to daemon", "addr", addr, "client_id", a.clientID)
	if _, err := fmt.Fprintf(conn, "CLIENT_ID:%s\n", a.clientID); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		a.handleFrame(ctx, scanner.Text())
	}
	return scanner.Err()
}

func (a *Agent) handleFrame(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	busID, verb, ok := frameVerb(line)
	if !ok {
		_ = level.Warn(a.logger).Log("msg", "unrecognized frame", "line", line)
		return
	}

	switch verb {
	case "bound":
		a.handleBound(ctx, busID)
	case "unbound", "removed":
		a.handleUnbound(ctx, busID)
	default:
		_ = level.Warn(a.logger).Log("msg", "unrecognized verb", "verb", verb, "bus_id", busID)
	}
}

func (a *Agent) handleBound(ctx context.Context, busID string) {
	if portID, attached := a.attachedPort(ctx, busID); attached {
		_ = level.Info(a.logger).Log("msg", "re-attaching already-attached device", "bus_id", busID)
		a.detach(ctx, portID)
	}

	remote, err := a.cli.ListRemote(ctx, a.host, a.port)
	if err != nil {
		_ = level.Warn(a.logger).Log("msg", "usbip list -r failed", "err", err)
		return
	}
	available := ParseRemoteBusIDs(remote)
	if !contains(available, busID) {
		_ = level.Warn(a.logger).Log("msg", "device not available on server or already attached elsewhere", "bus_id", busID)
		return
	}

	_ = level.Info(a.logger).Log("msg", "attaching", "bus_id", busID)
	if err := a.cli.Attach(ctx, a.host, a.port, busID); err != nil {
		_ = level.Warn(a.logger).Log("msg", "attach failed", "bus_id", busID, "err", err)
	}
}

func (a *Agent) handleUnbound(ctx context.Context, busID string) {
	portID, attached := a.attachedPort(ctx, busID)
	if !attached {
		_ = level.Info(a.logger).Log("msg", "device not attached locally", "bus_id", busID)
		return
	}
	a.detach(ctx, portID)
}

func (a *Agent) attachedPort(ctx context.Context, busID string) (string, bool) {
	out, err := a.cli.AttachedPorts(ctx)
	if err != nil {
		return "", false
	}
	ports := ParseAttachedPorts(out)
	portID, ok := ports[busID]
	return portID, ok
}

func (a *Agent) detach(ctx context.Context, portID string) {
	_ = level.Info(a.logger).Log("msg", "detaching", "port", portID)
	if err := a.cli.Detach(ctx, portID); err != nil {
		_ = level.Warn(a.logger).Log("msg", "detach failed", "port", portID, "err", err)
	}
	time.Sleep(detachSettleDelay)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
