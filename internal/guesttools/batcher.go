package guesttools

import (
	"context"
	"errors"
	"sync"

	"github.com/jamesprial/pvebatch/internal/reconcile"
)

// ErrBatchRunning is returned when a batch is requested while another one is
// still in progress.
var ErrBatchRunning = errors.New("another batch is already running")

// Batcher runs one reconcile batch.
type Batcher interface {
	Run(ctx context.Context, ids []int, plan reconcile.Plan) (*reconcile.Result, error)
}

// SerialBatcher lets at most one batch run at a time. A request arriving
// while a batch is in progress fails with ErrBatchRunning instead of queueing.
type SerialBatcher struct {
	mu   sync.Mutex
	next Batcher
}

// NewSerialBatcher wraps next.
func NewSerialBatcher(next Batcher) *SerialBatcher {
	if next == nil {
		panic("batcher must not be nil")
	}
	return &SerialBatcher{next: next}
}

// Run delegates to the wrapped Batcher unless a batch is already running.
func (s *SerialBatcher) Run(ctx context.Context, ids []int, plan reconcile.Plan) (*reconcile.Result, error) {
	if !s.mu.TryLock() {
		return nil, ErrBatchRunning
	}
	defer s.mu.Unlock()
	return s.next.Run(ctx, ids, plan)
}
