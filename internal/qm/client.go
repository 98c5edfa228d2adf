package qm

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/vm"
	"go.uber.org/zap"
)

// Compile-time interface check.
var _ vm.Manager = (*Client)(nil)

// CommandObserver is notified after every qm invocation.
type CommandObserver interface {
	ObserveCommand(command string, err error)
}

// Client implements vm.Manager by shelling out to qm.
type Client struct {
	runner       Runner
	logger       *zap.Logger
	audit        *safety.AuditLogger
	observer     CommandObserver
	shutdownWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for command tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuditLogger records every state-changing command.
func WithAuditLogger(a *safety.AuditLogger) Option {
	return func(c *Client) { c.audit = a }
}

// WithObserver registers a CommandObserver.
func WithObserver(o CommandObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithShutdownWait sets how long `qm shutdown` itself waits for the guest to
// power off before reporting failure.
func WithShutdownWait(d time.Duration) Option {
	return func(c *Client) { c.shutdownWait = d }
}

// NewClient returns a Client that runs commands through r.
func NewClient(r Runner, opts ...Option) *Client {
	if r == nil {
		panic("qm runner must not be nil")
	}
	c := &Client{
		runner: r,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// query runs a read-only command and returns stdout.
func (c *Client) query(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := c.runner.Run(ctx, args...)
	err = checkResult(args, stdout, stderr, err)
	c.observe(args[0], err)
	if err != nil {
		return "", err
	}
	return string(stdout), nil
}

// mutate runs a state-changing command and audits it.
func (c *Client) mutate(ctx context.Context, id int, args ...string) error {
	start := time.Now()
	c.logger.Debug("running qm", zap.Int("vmid", id), zap.Strings("args", args))

	stdout, stderr, err := c.runner.Run(ctx, args...)
	err = checkResult(args, stdout, stderr, err)
	c.observe(args[0], err)
	c.audit.Record(safety.SourceHost, "qm "+args[0], id, map[string]any{"args": args}, err, start)
	return err
}

func (c *Client) observe(command string, err error) {
	if c.observer != nil {
		c.observer.ObserveCommand(command, err)
	}
}

// ListVMs returns every guest on the node, sorted by VMID.
func (c *Client) ListVMs(ctx context.Context) ([]vm.VM, error) {
	out, err := c.query(ctx, "list")
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return ParseList(out), nil
}

// Status returns the live power state of a guest.
func (c *Client) Status(ctx context.Context, id int) (vm.Status, error) {
	out, err := c.query(ctx, "status", strconv.Itoa(id))
	if err != nil {
		return vm.StatusUnknown, fmt.Errorf("status of vm %d: %w", id, err)
	}
	st, err := ParseStatus(out)
	if err != nil {
		return vm.StatusUnknown, fmt.Errorf("status of vm %d: %w", id, err)
	}
	return st, nil
}

// SetOption runs `qm set <vmid> --<option> <value>`.
func (c *Client) SetOption(ctx context.Context, id int, option, value string) error {
	if err := c.mutate(ctx, id, "set", strconv.Itoa(id), "--"+option, value); err != nil {
		return fmt.Errorf("set %s on vm %d: %w", option, id, err)
	}
	return nil
}

// shutdownGrace is added to the shutdown wait when bounding the qm call, so
// qm reports its own timeout before the process is killed.
const shutdownGrace = 30 * time.Second

// Shutdown requests a graceful (ACPI) shutdown. With a shutdown wait set,
// qm blocks until the guest is off or the wait expires.
func (c *Client) Shutdown(ctx context.Context, id int) error {
	args := []string{"shutdown", strconv.Itoa(id)}
	if c.shutdownWait > 0 {
		args = append(args, "--timeout", strconv.Itoa(waitSeconds(c.shutdownWait)))
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.shutdownWait+shutdownGrace)
		defer cancel()
	}
	if err := c.mutate(ctx, id, args...); err != nil {
		return fmt.Errorf("shutdown vm %d: %w", id, err)
	}
	return nil
}

// waitSeconds converts d to whole seconds for qm, rounding up so a sub-second
// wait never becomes 0.
func waitSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// ForceStop powers the guest off immediately.
func (c *Client) ForceStop(ctx context.Context, id int) error {
	if err := c.mutate(ctx, id, "stop", strconv.Itoa(id)); err != nil {
		return fmt.Errorf("force stop vm %d: %w", id, err)
	}
	return nil
}

// Start boots a stopped guest.
func (c *Client) Start(ctx context.Context, id int) error {
	if err := c.mutate(ctx, id, "start", strconv.Itoa(id)); err != nil {
		return fmt.Errorf("start vm %d: %w", id, err)
	}
	return nil
}

// ListSnapshots returns the guest's snapshots in qm's listing order.
func (c *Client) ListSnapshots(ctx context.Context, id int) ([]vm.Snapshot, error) {
	out, err := c.query(ctx, "listsnapshot", strconv.Itoa(id))
	if err != nil {
		return nil, fmt.Errorf("list snapshots of vm %d: %w", id, err)
	}
	return ParseSnapshots(out), nil
}

// CreateSnapshot takes a snapshot. An empty description is omitted.
func (c *Client) CreateSnapshot(ctx context.Context, id int, name, description string) error {
	args := []string{"snapshot", strconv.Itoa(id), name}
	if description != "" {
		args = append(args, "--description", description)
	}
	if err := c.mutate(ctx, id, args...); err != nil {
		return fmt.Errorf("create snapshot %q of vm %d: %w", name, id, err)
	}
	return nil
}

// DeleteSnapshot removes a snapshot by name.
func (c *Client) DeleteSnapshot(ctx context.Context, id int, name string) error {
	if err := c.mutate(ctx, id, "delsnapshot", strconv.Itoa(id), name); err != nil {
		return fmt.Errorf("delete snapshot %q of vm %d: %w", name, id, err)
	}
	return nil
}
