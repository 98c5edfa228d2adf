package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/vm"
	"go.uber.org/zap"
)

// ConfigEditor reads and rewrites a guest's persisted configuration text.
// vm.ConfigStore implements it.
type ConfigEditor interface {
	ConfigSource
	Write(id int, text string) error
}

// Applier performs the configuration change of an Operation.
type Applier struct {
	mgr    vm.Manager
	editor ConfigEditor
	logger *zap.Logger
	audit  *safety.AuditLogger
}

// NewApplier returns an Applier. audit may be nil.
func NewApplier(mgr vm.Manager, editor ConfigEditor, logger *zap.Logger, audit *safety.AuditLogger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{mgr: mgr, editor: editor, logger: logger, audit: audit}
}

// Apply carries out op on guest id. Machine and CPU kinds go through the
// management tool; display memory kinds edit the config text directly.
func (a *Applier) Apply(ctx context.Context, id int, op Operation, dryRun bool) error {
	log := a.logger.With(zap.Int("vmid", id), zap.String("operation", string(op.Kind)))

	switch op.Kind {
	case KindMachineQ35, KindMachineI440fx:
		return a.setOption(ctx, log, id, vm.KeyMachine, op.Target(), dryRun)
	case KindCPUHost, KindCPUKVM64:
		return a.setOption(ctx, log, id, vm.KeyCPU, op.Target(), dryRun)
	case KindDisplayMemorySet:
		return a.editConfig(log, id, op, dryRun, func(text string) string {
			return vm.SetDisplayMemory(text, op.DisplayMemoryMB)
		})
	case KindDisplayMemoryRevert:
		return a.editConfig(log, id, op, dryRun, vm.RevertDisplayMemory)
	case KindSnapshotOnly:
		return nil
	}
	return fmt.Errorf("unsupported operation %q", op.Kind)
}

func (a *Applier) setOption(ctx context.Context, log *zap.Logger, id int, key, value string, dryRun bool) error {
	if dryRun {
		log.Info("dry-run: would run qm set", zap.String("option", key), zap.String("value", value))
		return nil
	}
	log.Info("setting option", zap.String("option", key), zap.String("value", value))
	if err := a.mgr.SetOption(ctx, id, key, value); err != nil {
		return fmt.Errorf("set %s=%s: %w", key, value, err)
	}
	return nil
}

func (a *Applier) editConfig(log *zap.Logger, id int, op Operation, dryRun bool, edit func(string) string) error {
	start := time.Now()
	text, err := a.editor.Read(id)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	updated := edit(text)
	if updated == text {
		log.Info("config already in target state")
		return nil
	}
	if dryRun {
		log.Info("dry-run: would rewrite vga line", zap.Int("memory_mb", op.DisplayMemoryMB))
		return nil
	}

	err = a.editor.Write(id, updated)
	a.audit.Record(safety.SourceHost, "config rewrite", id, map[string]any{
		"operation": string(op.Kind),
		"vga":       vm.ParseConfig(updated)[vm.KeyVGA],
		"memory_mb": op.DisplayMemoryMB,
	}, err, start)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	log.Info("config rewritten")
	return nil
}
