// Package txn defines the six atomic operations a client may submit (spec
// §4.3) and the WAL event envelope that frames an entire transaction into
// one record (spec §6).
package txn

// Kind names one of the six operation types.
type Kind string

const (
	KindCreateNode    Kind = "create_node"
	KindUpdateNode    Kind = "update_node"
	KindDeleteNode    Kind = "delete_node"
	KindCreateEdge    Kind = "create_edge"
	KindDeleteEdge    Kind = "delete_edge"
	KindSetVisibility Kind = "set_visibility"
)

// NodeRef is either a concrete assigned id or an in-transaction alias
// reference ("$alias.id"), resolved by the coordinator before framing
// (spec §4.3, reference resolution).
type NodeRef struct {
	ID    string
	Alias string
}

// IsAlias reports whether this ref has not yet been resolved to a concrete
// id.
func (r NodeRef) IsAlias() bool { return r.Alias != "" }

// Operation is one resolved operation inside an Event. Only the fields
// relevant to Kind are populated.
type Operation struct {
	Kind Kind

	// create_node
	TypeID     uint32         `json:"type_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Alias      string         `json:"alias,omitempty"`
	Principals []string       `json:"principals,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`

	// create_node / update_node / delete_node / create_edge / delete_edge / set_visibility
	NodeID string `json:"node_id,omitempty"`

	// update_node
	PatchPayload    map[string]any `json:"patch_payload,omitempty"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`

	// create_edge / delete_edge
	EdgeTypeID uint32         `json:"edge_type_id,omitempty"`
	FromID     string         `json:"from_id,omitempty"`
	ToID       string         `json:"to_id,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
}

// Event is the canonical framing for one atomic transaction, written as a
// single WAL record (spec §6).
type Event struct {
	EventID            string      `json:"event_id"`
	TenantID           string      `json:"tenant_id"`
	Actor              string      `json:"actor"`
	IdempotencyKey     string      `json:"idempotency_key"`
	SchemaFingerprint  [32]byte    `json:"schema_fingerprint"`
	CreatedAtMS        int64       `json:"created_at_ms"`
	Operations         []Operation `json:"operations"`
}
