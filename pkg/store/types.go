// Package store implements the per-tenant canonical and mailbox stores
// (spec component C4): one badger database per tenant holding nodes,
// edges, ACL rows, the applied_events dedup table, and tenant metadata,
// plus a second badger database holding mailbox items and a BM25
// full-text index over their snippets.
//
// Layout is grounded in the teacher's pkg/storage/badger.go key-prefix
// table convention: every logical table is a byte prefix over a single
// badger keyspace, with secondary indexes stored as their own prefixed
// rows pointing back at the primary key.
package store

import "errors"

// ErrInvariantViolation marks an apply_transaction failure that the
// applier must treat as poisoned: the whole event is dead-lettered and
// the checkpoint still advances (spec §4.5, §7).
var ErrInvariantViolation = errors.New("store: invariant violation")

// ErrNotFound is returned by reader operations when the requested row
// does not exist or is soft-deleted.
var ErrNotFound = errors.New("store: not found")

// Node is one row of the canonical nodes table (spec §4.4).
type Node struct {
	ID         string
	TypeID     uint32
	Payload    map[string]any
	OwnerActor string
	CreatedAtMS int64
	UpdatedAtMS int64
	Deleted    bool
	Version    int64
	ACL        []string
}

// Edge is one row of the canonical edges table, keyed by
// (edge_type_id, from_id, to_id).
type Edge struct {
	EdgeTypeID  uint32
	FromID      string
	ToID        string
	Props       map[string]any
	CreatedAtMS int64
}

// MailboxItem is one row of the mailbox items table (spec §4.4).
type MailboxItem struct {
	ItemID          string
	RecipientUserID string
	RefID           string
	SourceTypeID    uint32
	SourceNodeID    string
	ThreadID        string
	TSMs            int64
	State           map[string]any
	Snippet         string
}

// Conflict reports one operation in an event whose expected_version
// precondition did not hold (spec §4.3, §4.4): the event still commits,
// but the caller-visible result records the mismatch rather than
// applying the operation.
type Conflict struct {
	NodeID          string `json:"node_id"`
	ExpectedVersion int64  `json:"expected_version"`
	ObservedVersion int64  `json:"observed_version"`
}

// Result is the outcome of one apply_transaction call: either it
// commits (possibly with per-operation conflicts recorded) or the whole
// event is rejected as an invariant violation and must be dead-lettered
// by the caller.
type Result struct {
	EventID        string     `json:"event_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	WALPosition    uint64     `json:"wal_position"`
	Conflicts      []Conflict `json:"conflicts,omitempty"`
	AppliedAtMS    int64      `json:"applied_at_ms"`
}
