// Package applier implements the applier (spec component C5): a
// long-running dispatcher that consumes the WAL per tenant partition
// assignment, applies each event idempotently to that tenant's store,
// and advances the tenant's authoritative checkpoint.
//
// Grounded in the teacher's pkg/storage/wal.go WALEngine decorator shape
// (log-then-apply). Within a tenant, apply is strictly serial (spec §4.5,
// §5); across tenants, one goroutine per assigned tenant runs
// independently.
package applier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/entdb/entdb/pkg/deadletter"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/txn"
	"github.com/entdb/entdb/pkg/wal"
)

// Config configures an Applier.
type Config struct {
	Backend    wal.Backend
	StoreDir   string // parent directory; one subdirectory per tenant
	DeadLetter *deadletter.Logger

	// Registry is the live, frozen schema registry. It is the
	// authoritative enforcement point for create_edge's endpoint-type
	// invariant (spec §3 invariant 2); a nil Registry skips that check.
	Registry *schema.Registry

	// Extractors maps a node type to the snippet extractor used when a
	// create_node of that type names mailbox recipients (spec §4.5). A
	// nil or incomplete map falls back to store.DefaultSnippetExtractor.
	Extractors map[uint32]store.SnippetExtractor

	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.MinRetryBackoff <= 0 {
		c.MinRetryBackoff = 50 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
}

// Applier dispatches one serial apply loop per assigned tenant.
type Applier struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*tenantWorker
}

// New constructs an Applier. Call Assign for every tenant partition this
// process is responsible for.
func New(cfg Config) *Applier {
	cfg.setDefaults()
	return &Applier{
		cfg:     cfg,
		workers: make(map[string]*tenantWorker),
	}
}

// Assign opens tenantID's store (creating it if absent) and starts its
// apply loop at checkpoint+1. Assigning an already-assigned tenant is a
// no-op.
func (a *Applier) Assign(ctx context.Context, tenantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.workers[tenantID]; ok {
		return nil
	}

	ts, err := store.OpenTenantStore(filepath.Join(a.cfg.StoreDir, tenantID))
	if err != nil {
		return fmt.Errorf("applier: open tenant store %s: %w", tenantID, err)
	}

	checkpoint, err := ts.Canonical.Checkpoint()
	if err != nil {
		ts.Close()
		return fmt.Errorf("applier: read checkpoint %s: %w", tenantID, err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := newTenantWorker(tenantID, ts, checkpoint)
	w.cancel = cancel
	a.workers[tenantID] = w

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		a.run(workerCtx, w)
	}()
	return nil
}

// Release drains tenantID's in-flight record (the current apply call
// always runs to completion; it is never interrupted, spec §5) and
// closes its store. Safe to call from a rebalance handler.
func (a *Applier) Release(tenantID string) error {
	a.mu.Lock()
	w, ok := a.workers[tenantID]
	if ok {
		delete(a.workers, tenantID)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	w.cancel()
	w.wg.Wait()
	return w.store.Close()
}

// Close releases every assigned tenant.
func (a *Applier) Close() error {
	a.mu.Lock()
	tenantIDs := make([]string, 0, len(a.workers))
	for id := range a.workers {
		tenantIDs = append(tenantIDs, id)
	}
	a.mu.Unlock()

	var firstErr error
	for _, id := range tenantIDs {
		if err := a.Release(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Canonical returns the assigned tenant's canonical store, which
// satisfies coordinator.StoreReader directly (GetNode, AppliedResult).
func (a *Applier) Canonical(tenantID string) (*store.CanonicalStore, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[tenantID]
	if !ok {
		return nil, false
	}
	return w.store.Canonical, true
}

// TenantStore returns the assigned tenant's full (canonical + mailbox)
// store, for read-surface operations and the snapshotter.
func (a *Applier) TenantStore(tenantID string) (*store.TenantStore, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[tenantID]
	if !ok {
		return nil, false
	}
	return w.store, true
}

// TenantIDs lists every currently assigned tenant, for the snapshotter's
// scheduling sweep.
func (a *Applier) TenantIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.workers))
	for id := range a.workers {
		out = append(out, id)
	}
	return out
}

// AppliedPosition returns tenantID's last known applied position.
func (a *Applier) AppliedPosition(tenantID string) (uint64, bool) {
	a.mu.Lock()
	w, ok := a.workers[tenantID]
	a.mu.Unlock()
	if !ok {
		return 0, false
	}
	return w.appliedPosition(), true
}

// WaitApplied implements coordinator.AppliedWaiter: it blocks until
// tenantID's applied position reaches position, ctx is done, or the
// tenant is not assigned to this process.
func (a *Applier) WaitApplied(ctx context.Context, tenantID string, position uint64) error {
	a.mu.Lock()
	w, ok := a.workers[tenantID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("applier: tenant %s not assigned to this process", tenantID)
	}
	return w.waitAtLeast(ctx, position)
}

// run is the tenant's serial apply loop: open a consumer at
// checkpoint+1, and for each record either skip it (replay-safe path) or
// apply it with retry-on-transient-failure (spec §4.5).
func (a *Applier) run(ctx context.Context, w *tenantWorker) {
	logger := log.WithTenant(log.WithComponent("applier"), w.tenantID)

	consumer, err := a.cfg.Backend.OpenConsumer(ctx, w.tenantID, wal.FromPosition(wal.Position(w.appliedPosition())))
	if err != nil {
		logger.Error().Err(err).Msg("open consumer failed; tenant apply loop exiting")
		return
	}
	defer consumer.Close()

	for {
		rec, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("consumer error; retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.cfg.MinRetryBackoff):
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		a.applyRecord(ctx, logger, w, rec)
	}
}

// applyRecord handles one WAL record to completion before the loop reads
// the next one, so two events for the same tenant never interleave.
func (a *Applier) applyRecord(ctx context.Context, logger zerolog.Logger, w *tenantWorker, rec wal.Record) {
	event, err := txn.Decode(rec.Data)
	if err != nil {
		a.skip(w, uint64(rec.Position), nil, "decode_error", err)
		return
	}

	if existing, ok, err := w.store.Canonical.AppliedResult(event.IdempotencyKey); err == nil && ok {
		_ = existing
		if err := w.store.Canonical.AdvanceCheckpoint(uint64(rec.Position)); err != nil {
			logger.Error().Err(err).Msg("advance checkpoint on replay-safe skip failed")
		}
		w.setAppliedPosition(uint64(rec.Position))
		return
	}

	backoff := a.cfg.MinRetryBackoff
	for {
		start := time.Now()
		result, err := w.store.ApplyTransaction(event, uint64(rec.Position), time.Now().UnixMilli(), a.cfg.Extractors, a.cfg.Registry)
		metrics.ApplierApplyDuration.WithLabelValues(w.tenantID).Observe(time.Since(start).Seconds())

		if err == nil {
			for _, c := range result.Conflicts {
				logger.Warn().Str("node_id", c.NodeID).Msg("update_node conflict recorded")
			}
			w.setAppliedPosition(uint64(rec.Position))
			a.reportLag(ctx, w)
			return
		}

		if errors.Is(err, store.ErrInvariantViolation) {
			a.skip(w, uint64(rec.Position), event, "invariant_violation", err)
			return
		}

		// Transient store failure: retry the same record after backoff,
		// never advancing the checkpoint (spec §4.5, §7).
		logger.Error().Err(err).Msg("transient apply failure; retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.MaxRetryBackoff {
			backoff = a.cfg.MaxRetryBackoff
		}
	}
}

// skip routes event to the dead-letter sidecar and advances the
// checkpoint past it: the event is already durable, and blocking the
// tenant's entire stream on one poisoned event is worse than isolating
// it (spec §4.5, §7).
func (a *Applier) skip(w *tenantWorker, position uint64, event *txn.Event, reason string, cause error) {
	entry := deadletter.Entry{
		TenantID:    w.tenantID,
		WALPosition: position,
		Reason:      reason,
		Detail:      cause.Error(),
	}
	if event != nil {
		entry.EventID = event.EventID
		if b, err := json.Marshal(event); err == nil {
			entry.EventJSON = string(b)
		}
	}
	if a.cfg.DeadLetter != nil {
		if err := a.cfg.DeadLetter.Record(entry); err != nil {
			log.WithComponent("applier").Error().Err(err).Msg("dead-letter record failed")
		}
	}
	metrics.DeadLetterTotal.WithLabelValues(w.tenantID, reason).Inc()
	if err := w.store.Canonical.AdvanceCheckpoint(position); err != nil {
		log.WithComponent("applier").Error().Err(err).Msg("advance checkpoint past dead-lettered event failed")
	}
	w.setAppliedPosition(position)
}

// reportLag samples how far behind the WAL's latest position the tenant's
// applied position is, for the entdb_applier_lag_records gauge operators
// alert on.
func (a *Applier) reportLag(ctx context.Context, w *tenantWorker) {
	latest, err := a.cfg.Backend.LatestPosition(ctx, w.tenantID)
	if err != nil {
		return
	}
	lag := int64(latest) - int64(w.appliedPosition())
	if lag < 0 {
		lag = 0
	}
	metrics.ApplierLag.WithLabelValues(w.tenantID).Set(float64(lag))
}
