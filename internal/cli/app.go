package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/jamesprial/pvebatch/internal/config"
	"github.com/jamesprial/pvebatch/internal/guesttools"
	"github.com/jamesprial/pvebatch/internal/history"
	"github.com/jamesprial/pvebatch/internal/logging"
	"github.com/jamesprial/pvebatch/internal/metrics"
	"github.com/jamesprial/pvebatch/internal/qm"
	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/vm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Host hooks, replaced in tests.
var (
	geteuid  = os.Geteuid
	lookPath = exec.LookPath
)

var newRunner = func(cfg config.QMConfig) qm.Runner {
	return qm.ExecRunner{Binary: cfg.Binary, Timeout: cfg.CommandTimeout.Std()}
}

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	audit   *safety.AuditLogger
	filter  *safety.Filter
	metrics *metrics.Metrics

	mgr   vm.Manager
	store *vm.ConfigStore

	closers []io.Closer
}

// newApp loads the configuration and builds the logger and audit log.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		filter:  safety.NewFilter(cfg.Safety.Allowlist, cfg.Safety.Denylist),
		metrics: metrics.New(),
	}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	if cfg.Audit.Enabled {
		f, err := openAppend(cfg.Audit.LogPath)
		if err != nil {
			logger.Warn("audit logging disabled", zap.String("path", cfg.Audit.LogPath), zap.Error(err))
		} else {
			a.audit = safety.NewAuditLogger(f)
			a.closers = append(a.closers, f)
		}
	}
	return a, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// Close releases files opened by the app.
func (a *app) Close() error {
	_ = a.logger.Sync()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// checkPrivileges verifies that the process can drive the host tool.
func checkPrivileges(cfg *config.Config) error {
	if !cfg.RequireRoot {
		return nil
	}
	if geteuid() != 0 {
		return errors.New("pvebatch must run as root (set require_root: false to skip this check)")
	}
	if _, err := lookPath(cfg.QM.Binary); err != nil {
		return fmt.Errorf("management tool %q not found: %w", cfg.QM.Binary, err)
	}
	return nil
}

// connect runs the privilege check and builds the host client. It must be
// called before any guest is touched.
func (a *app) connect() error {
	if a.mgr != nil {
		return nil
	}
	if err := checkPrivileges(a.cfg); err != nil {
		return err
	}
	a.mgr = qm.NewClient(newRunner(a.cfg.QM),
		qm.WithLogger(a.logger.Named("qm")),
		qm.WithAuditLogger(a.audit),
		qm.WithObserver(a.metrics),
		qm.WithShutdownWait(a.cfg.Lifecycle.ShutdownTimeout.Std()),
	)
	a.store = vm.NewConfigStore(a.cfg.QM.ConfigDir)
	a.logger.Debug("host client ready",
		zap.String("binary", a.cfg.QM.Binary),
		zap.String("config_dir", a.store.Dir),
	)
	return nil
}

func (a *app) inventory() *reconcile.Inventory {
	return reconcile.NewInventory(a.mgr, a.store, a.filter)
}

func (a *app) orchestrator(opts ...reconcile.Option) *reconcile.Orchestrator {
	base := []reconcile.Option{
		reconcile.WithPolling(a.cfg.Lifecycle.PollInterval.Std(), a.cfg.Lifecycle.ShutdownTimeout.Std()),
		reconcile.WithAuditLogger(a.audit),
		reconcile.WithSnapshotNaming(a.cfg.Snapshot.NamePrefix, a.cfg.Snapshot.Description),
		reconcile.WithObserver(a.metrics),
	}
	return reconcile.NewOrchestrator(a.mgr, a.store, a.logger.Named("reconcile"), append(base, opts...)...)
}

// openHistory returns the run history store, or nil when history is
// disabled.
func (a *app) openHistory() (*history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	return history.Open(a.cfg.History.DBPath)
}

// recorder runs batches and records their results in metrics and history.
type recorder struct {
	next    guesttools.Batcher
	history *history.Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func (r *recorder) Run(ctx context.Context, ids []int, plan reconcile.Plan) (*reconcile.Result, error) {
	res, err := r.next.Run(ctx, ids, plan)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveBatch(res)
	if r.history != nil {
		if err := r.history.Save(context.WithoutCancel(ctx), res); err != nil {
			r.logger.Warn("could not record batch in history", zap.String("run_id", res.RunID), zap.Error(err))
		}
	}
	return res, nil
}
