// Package snapshot implements the snapshotter (spec component C7): a
// scheduled, per-tenant consistent backup of the canonical and mailbox
// stores to object storage, sealed by a manifest naming the WAL position
// the backup was taken at. Readers (recovery, C8) treat absence of a
// manifest as absence of the snapshot, so the manifest is always written
// last (spec §4.7).
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objectstore"
	"github.com/entdb/entdb/pkg/retention"
	"github.com/entdb/entdb/pkg/store"
)

// Manifest is written last for a snapshot (spec §4.7, §6). Its file_list
// names keys relative to the snapshot's own directory.
type Manifest struct {
	TenantID          string            `json:"tenant_id"`
	WALPosition       uint64            `json:"wal_position"`
	SchemaFingerprint string            `json:"schema_fingerprint"`
	CreatedAt         time.Time         `json:"created_at"`
	Files             []string          `json:"file_list"`
	Checksums         map[string]string `json:"checksums"`
}

// TenantStoreProvider is the slice of a running applier the snapshotter
// needs: which tenants are assigned, and their open stores. Defined here
// on the consumer side so this package depends only on the methods it
// calls.
type TenantStoreProvider interface {
	TenantIDs() []string
	TenantStore(tenantID string) (*store.TenantStore, bool)
}

// Config configures a Snapshotter.
type Config struct {
	ObjectStore    objectstore.Store
	Provider       TenantStoreProvider
	ObjectPrefix   string // default "snapshots"
	MaxConcurrency int    // default 4, spec §6 snapshot.max_concurrency-equivalent

	// RetentionDays, when > 0, makes RunSchedule sweep expired snapshots
	// after every round (spec §6 snapshot.retention_days). 0 disables the
	// sweep; snapshots then accumulate until swept out-of-band.
	RetentionDays int
}

func (c *Config) setDefaults() {
	if c.ObjectPrefix == "" {
		c.ObjectPrefix = "snapshots"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
}

// Snapshotter runs scheduled, concurrency-bounded backups (spec §5: "one
// snapshotter task per tenant, gated by a global concurrency limit").
type Snapshotter struct {
	cfg Config
	sem chan struct{}
}

// New constructs a Snapshotter.
func New(cfg Config) *Snapshotter {
	cfg.setDefaults()
	return &Snapshotter{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrency)}
}

// SnapshotTenant runs the four steps of spec §4.7 for one tenant: read
// the applied position, back up both stores, upload them, then write the
// manifest last.
func (s *Snapshotter) SnapshotTenant(ctx context.Context, tenantID string) (*Manifest, error) {
	ts, ok := s.cfg.Provider.TenantStore(tenantID)
	if !ok {
		return nil, fmt.Errorf("snapshot: tenant %s not assigned to this process", tenantID)
	}
	logger := log.WithTenant(log.WithComponent("snapshotter"), tenantID)
	start := time.Now()

	applied, err := ts.Canonical.Checkpoint()
	if err != nil {
		return nil, fmt.Errorf("snapshot: read checkpoint: %w", err)
	}
	fingerprint, err := ts.Canonical.SchemaFingerprint()
	if err != nil {
		return nil, fmt.Errorf("snapshot: read schema fingerprint: %w", err)
	}

	var canonicalBuf, mailboxBuf bytes.Buffer
	if err := ts.Canonical.Backup(&canonicalBuf); err != nil {
		return nil, fmt.Errorf("snapshot: backup canonical store: %w", err)
	}
	if err := ts.Mailbox.Backup(&mailboxBuf); err != nil {
		return nil, fmt.Errorf("snapshot: backup mailbox store: %w", err)
	}

	dir := fmt.Sprintf("%s/%s/%d", s.cfg.ObjectPrefix, tenantID, applied)
	files := map[string][]byte{
		"canonical.bak": canonicalBuf.Bytes(),
		"mailbox.bak":   mailboxBuf.Bytes(),
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	checksums := make(map[string]string, len(files))
	for _, name := range names {
		data := files[name]
		if err := s.cfg.ObjectStore.Put(ctx, dir+"/"+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("snapshot: upload %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		checksums[name] = hex.EncodeToString(sum[:])
	}

	manifest := Manifest{
		TenantID:          tenantID,
		WALPosition:       applied,
		SchemaFingerprint: hex.EncodeToString(fingerprint),
		CreatedAt:         time.Now().UTC(),
		Files:             names,
		Checksums:         checksums,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	// Written last: recovery and ListManifests treat its absence as the
	// whole snapshot not existing yet (spec §4.7 step 4, §6).
	if err := s.cfg.ObjectStore.Put(ctx, dir+"/manifest.json", bytes.NewReader(manifestBytes)); err != nil {
		return nil, fmt.Errorf("snapshot: upload manifest: %w", err)
	}

	metrics.SnapshotDuration.WithLabelValues(tenantID).Observe(time.Since(start).Seconds())
	logger.Info().Uint64("wal_position", applied).Msg("snapshot complete")
	return &manifest, nil
}

// SnapshotAll runs SnapshotTenant for every tenant the provider currently
// has assigned, bounded by the configured concurrency limit. Failures
// for individual tenants are collected and returned together; they never
// block writes to other tenants (spec §7: "Archiver / Snapshotter: never
// block writes").
func (s *Snapshotter) SnapshotAll(ctx context.Context) (map[string]*Manifest, map[string]error) {
	tenantIDs := s.cfg.Provider.TenantIDs()
	manifests := make(map[string]*Manifest, len(tenantIDs))
	errs := make(map[string]error)

	type outcome struct {
		tenantID string
		manifest *Manifest
		err      error
	}
	results := make(chan outcome, len(tenantIDs))

	for _, tenantID := range tenantIDs {
		tenantID := tenantID
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			m, err := s.SnapshotTenant(ctx, tenantID)
			results <- outcome{tenantID: tenantID, manifest: m, err: err}
		}()
	}
	for range tenantIDs {
		o := <-results
		if o.err != nil {
			errs[o.tenantID] = o.err
			continue
		}
		manifests[o.tenantID] = o.manifest
	}
	return manifests, errs
}

// RunSchedule calls SnapshotAll every interval until ctx is canceled,
// logging (but not returning) per-tenant failures. When RetentionDays is
// set, it sweeps each tenant's expired snapshots after every round.
func (s *Snapshotter) RunSchedule(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("snapshotter")
	policy := retention.Policy{MaxAge: time.Duration(s.cfg.RetentionDays) * 24 * time.Hour}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, errs := s.SnapshotAll(ctx)
			for tenantID, err := range errs {
				logger.Error().Err(err).Str("tenant_id", tenantID).Msg("scheduled snapshot failed")
			}
			if s.cfg.RetentionDays <= 0 {
				continue
			}
			for _, tenantID := range s.cfg.Provider.TenantIDs() {
				n, err := SweepExpired(ctx, s.cfg.ObjectStore, policy, s.cfg.ObjectPrefix, tenantID, time.Now())
				if err != nil {
					logger.Error().Err(err).Str("tenant_id", tenantID).Msg("snapshot retention sweep failed")
					continue
				}
				if n > 0 {
					logger.Info().Str("tenant_id", tenantID).Int("swept", n).Msg("expired snapshots removed")
				}
			}
		}
	}
}
