package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesprial/pvebatch/internal/vm"
	"go.uber.org/zap"
)

// Defaults for the shutdown poll loop.
const (
	DefaultPollInterval    = time.Second
	DefaultShutdownTimeout = 120 * time.Second
)

// Lifecycle stops a guest before a change and restores its power state after.
type Lifecycle struct {
	mgr          vm.Manager
	logger       *zap.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

// NewLifecycle returns a Lifecycle. Non-positive durations fall back to the
// defaults.
func NewLifecycle(mgr vm.Manager, logger *zap.Logger, pollInterval, timeout time.Duration) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return &Lifecycle{mgr: mgr, logger: logger, pollInterval: pollInterval, timeout: timeout}
}

// EnsureStopped powers the guest off and reports whether it was running.
// A graceful shutdown is tried first; if the guest is still running after the
// timeout it is force-stopped. In dry-run mode nothing is queried or changed.
func (l *Lifecycle) EnsureStopped(ctx context.Context, id int, dryRun bool) (bool, error) {
	log := l.logger.With(zap.Int("vmid", id))
	if dryRun {
		log.Info("dry-run: would stop guest if running")
		return false, nil
	}

	st, err := l.mgr.Status(ctx, id)
	if err != nil {
		return false, fmt.Errorf("query status: %w", err)
	}
	if st == vm.StatusStopped {
		return false, nil
	}

	log.Info("shutting down guest", zap.Duration("timeout", l.timeout))
	if err := l.mgr.Shutdown(ctx, id); err != nil {
		log.Warn("graceful shutdown failed, forcing stop", zap.Error(err))
		return true, l.forceStop(ctx, id)
	}

	stopped, err := l.waitStopped(ctx, id)
	if err != nil {
		return true, err
	}
	if stopped {
		return true, nil
	}

	log.Warn("guest still running after timeout, forcing stop")
	return true, l.forceStop(ctx, id)
}

// waitStopped polls the guest status until it reports stopped or the timeout
// elapses.
func (l *Lifecycle) waitStopped(ctx context.Context, id int) (bool, error) {
	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		st, err := l.mgr.Status(ctx, id)
		if err == nil && st == vm.StatusStopped {
			return true, nil
		}
		if err != nil {
			l.logger.Debug("status poll failed", zap.Int("vmid", id), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("wait for shutdown: %w", ctx.Err())
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (l *Lifecycle) forceStop(ctx context.Context, id int) error {
	if err := l.mgr.ForceStop(ctx, id); err != nil {
		return fmt.Errorf("forced stop: %w", err)
	}
	st, err := l.mgr.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("status after forced stop: %w", err)
	}
	if st != vm.StatusStopped {
		return fmt.Errorf("guest still %s after forced stop", st)
	}
	return nil
}

// RestoreIfWasRunning starts the guest again when it was running before
// EnsureStopped. Start failures are returned and never retried.
func (l *Lifecycle) RestoreIfWasRunning(ctx context.Context, id int, wasRunning, dryRun bool) error {
	if !wasRunning {
		return nil
	}
	if dryRun {
		l.logger.Info("dry-run: would start guest", zap.Int("vmid", id))
		return nil
	}
	l.logger.Info("starting guest", zap.Int("vmid", id))
	if err := l.mgr.Start(ctx, id); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}
