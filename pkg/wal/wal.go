// Package wal defines the write-ahead log abstraction (spec component C2):
// an ordered, partitioned, replicated record stream, partitioned by tenant
// id, with idempotent append and gap-free consumption.
//
// Backend is implemented by real broker adapters (Kafka-family, Kinesis-
// family — out of scope here per spec §1, "treated as external
// collaborators") and by LocalBackend, a bbolt-backed stand-in used for
// development and for this module's own tests. The interface boundary is
// exactly where a production broker client would plug in.
package wal

import "context"

// Position is a record's offset within its partition. Positions are
// monotonically increasing and gap-free within a partition.
type Position uint64

// AckPolicy names the configured acknowledgment policy for Append.
type AckPolicy string

const (
	AckAll AckPolicy = "all"
)

// AppendOutcome classifies why an Append failed, matching spec §4.2's
// failure contract.
type AppendOutcome string

const (
	OutcomeOK          AppendOutcome = "ok"
	OutcomeTransient   AppendOutcome = "transient"   // caller may retry with the same idempotency key
	OutcomePermanent   AppendOutcome = "permanent"    // e.g. record-too-large; caller must not retry
	OutcomeUnavailable AppendOutcome = "unavailable" // broker quorum lost
)

// AppendError reports a failed Append with its outcome classification.
type AppendError struct {
	Outcome AppendOutcome
	Err     error
}

func (e *AppendError) Error() string { return string(e.Outcome) + ": " + e.Err.Error() }
func (e *AppendError) Unwrap() error { return e.Err }

// ConsumeFrom selects where OpenConsumer starts reading.
type ConsumeFrom struct {
	Earliest bool
	Position Position // meaningful when Earliest is false
}

// FromPosition returns a ConsumeFrom starting just after p (used for
// "checkpoint + 1" per spec §4.5).
func FromPosition(p Position) ConsumeFrom { return ConsumeFrom{Position: p} }

// FromEarliest returns a ConsumeFrom starting at the partition's oldest
// retained record.
func FromEarliest() ConsumeFrom { return ConsumeFrom{Earliest: true} }

// Record is one (position, bytes) pair yielded by a Consumer.
type Record struct {
	Position Position
	Data     []byte
}

// Consumer yields an ordered, gap-free sequence of records from one
// partition (spec §4.2).
type Consumer interface {
	// Next blocks until a record is available, ctx is done, or the
	// consumer is closed.
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Backend is the WAL interface every adapter implements.
type Backend interface {
	// Append blocks until the configured acknowledgment policy is
	// satisfied and returns the assigned position. The producer is
	// idempotent: retrying the same (partition, sequence) does not
	// duplicate the record (spec §4.2).
	Append(ctx context.Context, partition string, record []byte) (Position, error)

	// OpenConsumer returns a gap-free iterator over partition starting per
	// from.
	OpenConsumer(ctx context.Context, partition string, from ConsumeFrom) (Consumer, error)

	// CommitCheckpoint durably records out-of-band apply progress. This is
	// advisory: the applier's authoritative checkpoint lives in the
	// tenant's own store (spec §4.2, §4.5).
	CommitCheckpoint(ctx context.Context, partition string, pos Position) error

	// Checkpoint reads back the position last passed to CommitCheckpoint
	// for partition, or ok=false if none has been committed yet. The
	// archiver uses this as its own resume point.
	Checkpoint(ctx context.Context, partition string) (pos Position, ok bool, err error)

	EarliestPosition(ctx context.Context, partition string) (Position, error)
	LatestPosition(ctx context.Context, partition string) (Position, error)

	Close() error
}
