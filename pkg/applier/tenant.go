package applier

import (
	"context"
	"sync"

	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/store"
)

// tenantWorker tracks one assigned tenant's store, cancellation, and
// applied-position signal. Signal wakeup mirrors wal.LocalBackend's
// signalFor/wake pattern: waiters subscribe to a channel that is closed
// and replaced on every advance, so a wake landing between a waiter's
// check and its subscribe is never missed.
type tenantWorker struct {
	tenantID string
	store    *store.TenantStore
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	applied uint64
	signal  chan struct{}
}

func newTenantWorker(tenantID string, ts *store.TenantStore, checkpoint uint64) *tenantWorker {
	return &tenantWorker{
		tenantID: tenantID,
		store:    ts,
		applied:  checkpoint,
		signal:   make(chan struct{}),
	}
}

func (w *tenantWorker) appliedPosition() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

func (w *tenantWorker) setAppliedPosition(position uint64) {
	w.mu.Lock()
	if position > w.applied {
		w.applied = position
	}
	ch := w.signal
	w.signal = make(chan struct{})
	w.mu.Unlock()
	close(ch)

	metrics.ApplierAppliedPosition.WithLabelValues(w.tenantID).Set(float64(position))
}

// waitAtLeast blocks until applied >= position, ctx is done, or the
// worker has already passed position.
func (w *tenantWorker) waitAtLeast(ctx context.Context, position uint64) error {
	for {
		w.mu.Lock()
		if w.applied >= position {
			w.mu.Unlock()
			return nil
		}
		ch := w.signal
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
