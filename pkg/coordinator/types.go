// Package coordinator implements the transaction coordinator (spec
// component C3): idempotent, stateless processing of a client's ordered
// operation list into one framed WAL event per transaction.
//
// Grounded in the teacher's pkg/storage/transaction.go shape: buffer the
// incoming operations, validate and resolve them against live state, then
// commit as a single record. EntDB generalizes "commit" from a direct
// storage write to an append onto the write-ahead log (spec §4.3).
package coordinator

import (
	"context"
	"time"

	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/txn"
)

// OpInput is one client-submitted operation before alias resolution. Only
// the fields relevant to Kind are populated. NodeID/FromID/ToID may be
// either a concrete id or "$alias.id" referencing an earlier create_node
// in the same request (spec §4.3, alias resolution).
type OpInput struct {
	Kind txn.Kind

	// create_node
	TypeID     uint32
	Payload    map[string]any
	Alias      string
	Principals []string
	Recipients []string

	// create_node / update_node / delete_node / set_visibility
	NodeID string

	// update_node
	PatchPayload    map[string]any
	ExpectedVersion *int64

	// create_edge / delete_edge
	EdgeTypeID uint32
	FromID     string
	ToID       string
	Props      map[string]any
}

// Request is one client transaction request (spec §4.3 input).
type Request struct {
	TenantID       string
	Actor          string
	IdempotencyKey string
	Operations     []OpInput

	// WaitForApplied, when true, blocks Process until the applier has
	// caught up to the returned receipt's WAL position or Deadline
	// elapses (spec §4.3 step 8).
	WaitForApplied bool
	Deadline       time.Time
}

// Receipt is the coordinator's response (spec §4.3 step 8).
type Receipt struct {
	ReceiptID     string            `json:"receipt_id"`
	WALPosition   uint64            `json:"wal_position"`
	Applied       bool              `json:"applied"`
	ResultAliases map[string]string `json:"result_aliases,omitempty"`
	Conflicts     []store.Conflict  `json:"conflicts,omitempty"`
}

// StoreReader is the read-only slice of a tenant store the coordinator
// needs for idempotency lookups and best-effort intra-transaction
// consistency checks (spec §4.3 steps 1 and 5). Defined here, on the
// consumer side, so coordinator depends only on the methods it calls.
type StoreReader interface {
	GetNode(id string, includeDeleted bool) (*store.Node, error)
	AppliedResult(idempotencyKey string) (*store.Result, bool, error)
}

// AppliedWaiter lets the coordinator block a wait_for_applied request on
// the applier's per-tenant applied-position signal (spec §4.3 step 8,
// §4.5). Implemented by pkg/applier.
type AppliedWaiter interface {
	WaitApplied(ctx context.Context, tenantID string, position uint64) error
}
