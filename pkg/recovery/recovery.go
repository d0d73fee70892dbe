// Package recovery implements the recovery procedure (spec component C8):
// rebuilding one tenant's state from (snapshot, archive, live WAL) up to
// a target WAL position, or indefinitely for a full live restore.
//
// Composes pkg/wal, pkg/store, pkg/archiver and pkg/snapshot directly
// (spec §4.8); it introduces no new third-party library surface of its
// own.
package recovery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/objectstore"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/snapshot"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/txn"
	"github.com/entdb/entdb/pkg/wal"
)

// ErrSchemaMismatch is returned by Restore when the manifest's schema
// fingerprint does not match the live registry and no migration has been
// supplied (spec §4.8 step 5: "refuse to mount otherwise").
var ErrSchemaMismatch = errors.New("recovery: schema fingerprint mismatch")

// ErrChecksumMismatch is returned by Restore when a downloaded snapshot
// file's SHA-256 does not match its manifest entry.
var ErrChecksumMismatch = errors.New("recovery: snapshot file checksum mismatch")

// Config wires the components a Recoverer reads from.
type Config struct {
	ObjectStore objectstore.Store
	Backend     wal.Backend
	Registry    *schema.Registry

	SnapshotPrefix    string // default "snapshots"
	ArchivePrefix     string // default "archive"
	ArchiveShardCount int    // default 16, must match the archiver's own ShardCount

	Extractors map[uint32]store.SnippetExtractor
}

func (c *Config) setDefaults() {
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "snapshots"
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "archive"
	}
	if c.ArchiveShardCount <= 0 {
		c.ArchiveShardCount = 16
	}
}

// Recoverer runs the recovery procedure for one tenant at a time.
type Recoverer struct {
	cfg Config
}

// New constructs a Recoverer.
func New(cfg Config) *Recoverer {
	cfg.setDefaults()
	return &Recoverer{cfg: cfg}
}

// Restore implements spec §4.8 steps 1-2 and 5: locate the latest
// snapshot at or before target (target 0 means "latest available"),
// download its files into destDir, verify their checksums, and refuse to
// mount if the manifest's schema fingerprint disagrees with the live
// registry. The returned store is positioned at the snapshot's
// wal_position; callers drive Replay to bring it forward.
func (r *Recoverer) Restore(ctx context.Context, tenantID, destDir string, target uint64) (*store.TenantStore, snapshot.Manifest, error) {
	lookupTarget := target
	if lookupTarget == 0 {
		lookupTarget = ^uint64(0)
	}
	manifest, ok, err := snapshot.LatestManifestAtOrBefore(ctx, r.cfg.ObjectStore, r.cfg.SnapshotPrefix, tenantID, lookupTarget)
	if err != nil {
		return nil, snapshot.Manifest{}, fmt.Errorf("recovery: find snapshot for %s: %w", tenantID, err)
	}
	if !ok {
		return nil, snapshot.Manifest{}, fmt.Errorf("recovery: no snapshot found for tenant %s at or before position %d", tenantID, target)
	}

	liveFingerprint := r.cfg.Registry.Fingerprint()
	live := hex.EncodeToString(liveFingerprint[:])
	if live != manifest.SchemaFingerprint {
		return nil, manifest, fmt.Errorf("%w: manifest has %s, live registry has %s", ErrSchemaMismatch, manifest.SchemaFingerprint, live)
	}

	dir := fmt.Sprintf("%s/%s/%d", r.cfg.SnapshotPrefix, tenantID, manifest.WALPosition)
	data := make(map[string][]byte, len(manifest.Files))
	for _, name := range manifest.Files {
		b, err := r.downloadAndVerify(ctx, dir+"/"+name, manifest.Checksums[name])
		if err != nil {
			return nil, manifest, err
		}
		data[name] = b
	}

	ts, err := store.OpenTenantStore(destDir)
	if err != nil {
		return nil, manifest, fmt.Errorf("recovery: open destination store: %w", err)
	}
	if b, ok := data["canonical.bak"]; ok {
		if err := ts.Canonical.Load(bytes.NewReader(b)); err != nil {
			ts.Close()
			return nil, manifest, fmt.Errorf("recovery: load canonical backup: %w", err)
		}
	}
	if b, ok := data["mailbox.bak"]; ok {
		if err := ts.Mailbox.Load(bytes.NewReader(b)); err != nil {
			ts.Close()
			return nil, manifest, fmt.Errorf("recovery: load mailbox backup: %w", err)
		}
	}
	return ts, manifest, nil
}

func (r *Recoverer) downloadAndVerify(ctx context.Context, key, wantChecksum string) ([]byte, error) {
	rc, err := r.cfg.ObjectStore.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("recovery: download %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("recovery: read %s: %w", key, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != wantChecksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, key)
	}
	return data, nil
}

// Replay implements spec §4.8 steps 3-4: open a consumer starting just
// after ts's current checkpoint, sourcing records from the archive while
// still inside its retention window and then switching to the live WAL,
// driving the applier over each until target is reached. target 0 means
// replay indefinitely (full live recovery), returning nil when ctx is
// canceled, or an error when reading the archive or live WAL, decoding a
// record, applying it, or advancing the checkpoint fails.
func (r *Recoverer) Replay(ctx context.Context, ts *store.TenantStore, tenantID string, target uint64) error {
	logger := log.WithTenant(log.WithComponent("recovery"), tenantID)

	checkpoint, err := ts.Canonical.Checkpoint()
	if err != nil {
		return fmt.Errorf("recovery: read checkpoint: %w", err)
	}
	if target != 0 && checkpoint >= target {
		return nil
	}

	from := checkpoint
	from, err = r.replayArchive(ctx, ts, tenantID, from, target)
	if err != nil {
		return fmt.Errorf("recovery: replay archive: %w", err)
	}
	if target != 0 && from >= target {
		return nil
	}

	logger.Info().Uint64("from_position", from).Msg("switching to live WAL for recovery replay")
	consumer, err := r.cfg.Backend.OpenConsumer(ctx, tenantID, wal.FromPosition(wal.Position(from)))
	if err != nil {
		return fmt.Errorf("recovery: open live consumer: %w", err)
	}
	defer consumer.Close()

	for {
		if target != 0 && from >= target {
			return nil
		}
		rec, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recovery: consume live WAL: %w", err)
		}
		if err := applyIdempotent(ts, rec.Data, uint64(rec.Position), r.cfg.Extractors, r.cfg.Registry); err != nil {
			return err
		}
		from = uint64(rec.Position)
	}
}

// applyIdempotent decodes and applies one WAL record, skipping it
// (without error) if its idempotency key was already applied — the same
// replay-safety rule the applier uses (spec §4.5).
func applyIdempotent(ts *store.TenantStore, data []byte, position uint64, extractors map[uint32]store.SnippetExtractor, registry *schema.Registry) error {
	event, err := txn.Decode(data)
	if err != nil {
		return fmt.Errorf("recovery: decode record at position %d: %w", position, err)
	}
	if _, ok, err := ts.Canonical.AppliedResult(event.IdempotencyKey); err == nil && ok {
		return ts.Canonical.AdvanceCheckpoint(position)
	}
	if _, err := ts.ApplyTransaction(event, position, event.CreatedAtMS, extractors, registry); err != nil {
		if errors.Is(err, store.ErrInvariantViolation) {
			// A dead-lettered event at original apply time; recovery must
			// reproduce the same outcome, so it advances past it too.
			return ts.Canonical.AdvanceCheckpoint(position)
		}
		return fmt.Errorf("recovery: apply record at position %d: %w", position, err)
	}
	return nil
}
