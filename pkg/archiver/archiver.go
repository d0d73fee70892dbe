// Package archiver implements the archiver (spec component C6): an
// independent WAL tail that offloads every record to compressed,
// checksummed object-storage segments, so any tenant can be rebuilt from
// (snapshot + archive tail) without depending on the broker's own
// retention window.
//
// Grounded in the teacher's pkg/storage/wal.go atomic snapshot-write
// pattern (stage fully, then commit), generalized from "write one file"
// to "seal one segment, then advance the archiver's own advisory
// position" (spec §4.6).
package archiver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objectstore"
	"github.com/entdb/entdb/pkg/wal"
)

// Config configures an Archiver.
type Config struct {
	Backend      wal.Backend
	ObjectStore  objectstore.Store
	ObjectPrefix string // default "archive"

	SegmentBytes  int64         // compressed-size flush threshold, default 256 MiB
	SegmentMaxAge time.Duration // time-bound flush threshold, default 10 minutes
	ShardCount    int           // tenant id hash buckets for the object key path, default 16
}

func (c *Config) setDefaults() {
	if c.ObjectPrefix == "" {
		c.ObjectPrefix = "archive"
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 256 << 20
	}
	if c.SegmentMaxAge <= 0 {
		c.SegmentMaxAge = 10 * time.Minute
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
}

// Archiver tails the WAL independently of the applier, one goroutine per
// assigned tenant partition (spec §5).
type Archiver struct {
	cfg Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs an Archiver.
func New(cfg Config) *Archiver {
	cfg.setDefaults()
	return &Archiver{cfg: cfg, cancels: make(map[string]context.CancelFunc)}
}

// Assign starts tailing tenantID's partition. Assigning an
// already-assigned tenant is a no-op.
func (a *Archiver) Assign(ctx context.Context, tenantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cancels[tenantID]; ok {
		return nil
	}
	tenantCtx, cancel := context.WithCancel(ctx)
	a.cancels[tenantID] = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runTenant(tenantCtx, tenantID)
	}()
	return nil
}

// Release stops tailing tenantID, flushing any partial segment first.
func (a *Archiver) Release(tenantID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[tenantID]
	if ok {
		delete(a.cancels, tenantID)
	}
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every assigned tenant and waits for their final flush.
func (a *Archiver) Close() {
	a.mu.Lock()
	for _, cancel := range a.cancels {
		cancel()
	}
	a.cancels = make(map[string]context.CancelFunc)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Archiver) shard(tenantID string) string {
	return ShardKey(tenantID, a.cfg.ShardCount)
}

// ShardKey computes the archive object-key shard segment for tenantID,
// the same formula the archiver uses to write segments (spec §4.6's
// archive/<tenant-shard>/... layout). Recovery uses this to locate a
// tenant's archived segments without re-deriving the hash.
func ShardKey(tenantID string, shardCount int) string {
	if shardCount <= 0 {
		shardCount = 16
	}
	return fmt.Sprintf("shard-%d", xxhash.Sum64String(tenantID)%uint64(shardCount))
}

func (a *Archiver) runTenant(ctx context.Context, tenantID string) {
	logger := log.WithTenant(log.WithComponent("archiver"), tenantID)

	from := wal.FromEarliest()
	if pos, ok, err := a.cfg.Backend.Checkpoint(ctx, tenantID); err != nil {
		logger.Error().Err(err).Msg("read archiver checkpoint failed; starting from earliest")
	} else if ok {
		from = wal.FromPosition(pos)
	}

	consumer, err := a.cfg.Backend.OpenConsumer(ctx, tenantID, from)
	if err != nil {
		logger.Error().Err(err).Msg("open consumer failed; archiver exiting")
		return
	}
	defer consumer.Close()

	records := make(chan wal.Record)
	consumerErrs := make(chan error, 1)
	go func() {
		for {
			rec, err := consumer.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					select {
					case consumerErrs <- err:
					default:
					}
				}
				return
			}
			select {
			case records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(a.cfg.SegmentMaxAge)
	defer ticker.Stop()

	seg := newSegment(tenantID)
	flushAndReset := func(ctx context.Context) {
		if seg.count == 0 {
			return
		}
		if err := a.flush(ctx, seg); err != nil {
			logger.Error().Err(err).Msg("flush archive segment failed; will retry on next boundary")
			return
		}
		seg = newSegment(tenantID)
		ticker.Reset(a.cfg.SegmentMaxAge)
	}

	for {
		select {
		case <-ctx.Done():
			flushAndReset(context.Background())
			return
		case err := <-consumerErrs:
			logger.Error().Err(err).Msg("consumer error; archiver retrying")
			select {
			case <-ctx.Done():
				flushAndReset(context.Background())
				return
			case <-time.After(time.Second):
			}
		case rec := <-records:
			if err := seg.append(rec); err != nil {
				logger.Error().Err(err).Msg("skip malformed record in archive")
				continue
			}
			if seg.compressedBytes() >= a.cfg.SegmentBytes {
				flushAndReset(ctx)
			}
		case <-ticker.C:
			flushAndReset(ctx)
		}
	}
}

// flush seals seg, writes its compressed object and checksum sidecar,
// and only then advances the archiver's own advisory WAL position (spec
// §4.6: "only then advances its own committed position").
func (a *Archiver) flush(ctx context.Context, seg *segment) error {
	shard := a.shard(seg.tenantID)
	sealed, err := seg.seal()
	if err != nil {
		return fmt.Errorf("archiver: seal segment: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s/%020d.jsonl.gz", a.cfg.ObjectPrefix, shard, sealed.date, sealed.firstPosition)
	if err := a.cfg.ObjectStore.Put(ctx, key, sealed.compressed()); err != nil {
		return fmt.Errorf("archiver: put segment %s: %w", key, err)
	}
	if err := a.cfg.ObjectStore.Put(ctx, key+".checksum", sealed.checksumReader()); err != nil {
		return fmt.Errorf("archiver: put checksum %s: %w", key, err)
	}

	if err := a.cfg.Backend.CommitCheckpoint(ctx, seg.tenantID, wal.Position(seg.lastPosition)); err != nil {
		return fmt.Errorf("archiver: commit checkpoint: %w", err)
	}

	metrics.ArchiverSegmentsTotal.WithLabelValues(shard).Inc()
	metrics.ArchiverBytesTotal.WithLabelValues(shard).Add(float64(sealed.compressedLen))
	return nil
}
