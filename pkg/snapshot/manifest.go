package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/entdb/entdb/pkg/objectstore"
	"github.com/entdb/entdb/pkg/retention"
)

// ListManifests returns every manifest stored for tenantID under prefix,
// newest first. A snapshot directory with data files but no manifest.json
// is treated as if it does not exist (spec §4.7: the manifest is the
// commit marker).
func ListManifests(ctx context.Context, store objectstore.Store, prefix, tenantID string) ([]Manifest, error) {
	objs, err := store.List(ctx, fmt.Sprintf("%s/%s/", prefix, tenantID))
	if err != nil {
		return nil, fmt.Errorf("snapshot: list manifests for %s: %w", tenantID, err)
	}

	var manifests []Manifest
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, "/manifest.json") {
			continue
		}
		m, err := readManifest(ctx, store, o.Key)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].WALPosition > manifests[j].WALPosition })
	return manifests, nil
}

func readManifest(ctx context.Context, store objectstore.Store, key string) (Manifest, error) {
	r, err := store.Get(ctx, key)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: read manifest %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: read manifest %s: %w", key, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: decode manifest %s: %w", key, err)
	}
	return m, nil
}

// LatestManifestAtOrBefore returns the newest manifest for tenantID whose
// wal_position is at most target, for point-in-time recovery (spec
// §4.8: "pick the latest snapshot whose wal_position is <= target").
func LatestManifestAtOrBefore(ctx context.Context, store objectstore.Store, prefix, tenantID string, target uint64) (Manifest, bool, error) {
	manifests, err := ListManifests(ctx, store, prefix, tenantID)
	if err != nil {
		return Manifest{}, false, err
	}
	for _, m := range manifests {
		if m.WALPosition <= target {
			return m, true, nil
		}
	}
	return Manifest{}, false, nil
}

// dirOf returns the snapshot directory a manifest key lives in, i.e. the
// key with "/manifest.json" trimmed.
func dirOf(manifestKey string) string {
	return strings.TrimSuffix(manifestKey, "/manifest.json")
}

// SweepExpired deletes whole expired snapshot directories (manifest plus
// every file it lists) for tenantID, always keeping the newest one
// regardless of age so a tenant never goes without a usable snapshot
// (spec §4.7, §6 snapshot.retention_days).
//
// This mirrors retention.Sweeper's keep-newest policy but operates one
// directory at a time, since a snapshot here is several objects (the
// manifest plus its backup files) rather than the single-object unit
// retention.Sweeper assumes.
func SweepExpired(ctx context.Context, store objectstore.Store, policy retention.Policy, prefix, tenantID string, now time.Time) (int, error) {
	objs, err := store.List(ctx, fmt.Sprintf("%s/%s/", prefix, tenantID))
	if err != nil {
		return 0, fmt.Errorf("snapshot: list for sweep %s: %w", tenantID, err)
	}
	manifestKeys := make([]string, 0, len(objs))
	for _, o := range objs {
		if strings.HasSuffix(o.Key, "/manifest.json") {
			manifestKeys = append(manifestKeys, o.Key)
		}
	}
	if len(manifestKeys) <= 1 {
		return 0, nil
	}

	type dated struct {
		key string
		m   Manifest
	}
	var dset []dated
	for _, k := range manifestKeys {
		m, err := readManifest(ctx, store, k)
		if err != nil {
			return 0, err
		}
		dset = append(dset, dated{key: k, m: m})
	}
	sort.Slice(dset, func(i, j int) bool { return dset[i].m.WALPosition > dset[j].m.WALPosition })

	deleted := 0
	for i, d := range dset {
		if i == 0 {
			continue // newest always kept
		}
		if !policy.IsExpired(d.m.CreatedAt, now) {
			continue
		}
		dir := dirOf(d.key)
		for _, name := range d.m.Files {
			if err := store.Delete(ctx, dir+"/"+name); err != nil {
				return deleted, fmt.Errorf("snapshot: delete %s/%s: %w", dir, name, err)
			}
		}
		if err := store.Delete(ctx, d.key); err != nil {
			return deleted, fmt.Errorf("snapshot: delete manifest %s: %w", d.key, err)
		}
		deleted++
	}
	return deleted, nil
}
