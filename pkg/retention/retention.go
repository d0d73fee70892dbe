// Package retention prunes snapshot objects older than the configured
// retention window (spec.md §4.7, §6 snapshot.retention_days). It is
// deliberately narrow: one policy, one sweep, no per-category rules.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/entdb/entdb/pkg/objectstore"
)

// Policy bounds how long snapshot objects are kept once superseded by a
// newer snapshot for the same tenant.
type Policy struct {
	MaxAge time.Duration
}

// IsExpired reports whether an object created at createdAt is beyond the
// policy's retention window.
func (p Policy) IsExpired(createdAt, now time.Time) bool {
	if p.MaxAge <= 0 {
		return false
	}
	return now.After(createdAt.Add(p.MaxAge))
}

// Sweeper deletes expired snapshot objects for a tenant's prefix, keeping
// at least the most recent one regardless of age (a tenant must always
// have a usable snapshot for recovery, spec §4.8).
type Sweeper struct {
	store  objectstore.Store
	policy Policy
}

// NewSweeper returns a Sweeper enforcing policy against store.
func NewSweeper(store objectstore.Store, policy Policy) *Sweeper {
	return &Sweeper{store: store, policy: policy}
}

// Result reports what a sweep did.
type Result struct {
	Examined int
	Deleted  []string
	Kept     []string
}

// Sweep deletes every object under prefix older than the policy's MaxAge,
// except the single most recent one.
func (s *Sweeper) Sweep(ctx context.Context, prefix string, now time.Time) (Result, error) {
	objs, err := s.store.List(ctx, prefix)
	if err != nil {
		return Result{}, fmt.Errorf("retention: list %s: %w", prefix, err)
	}
	if len(objs) == 0 {
		return Result{}, nil
	}

	newest := objs[0]
	for _, o := range objs[1:] {
		if o.ModTime.After(newest.ModTime) {
			newest = o
		}
	}

	res := Result{Examined: len(objs)}
	for _, o := range objs {
		if o.Key == newest.Key {
			res.Kept = append(res.Kept, o.Key)
			continue
		}
		if !s.policy.IsExpired(o.ModTime, now) {
			res.Kept = append(res.Kept, o.Key)
			continue
		}
		if err := s.store.Delete(ctx, o.Key); err != nil {
			return res, fmt.Errorf("retention: delete %s: %w", o.Key, err)
		}
		res.Deleted = append(res.Deleted, o.Key)
	}
	return res, nil
}
