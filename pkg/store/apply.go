package store

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/txn"
)

// ApplyTransaction applies every operation in event to the canonical
// store in a single badger transaction: either every operation commits
// (with per-operation version conflicts recorded but not fatal) or the
// whole event is discarded and ErrInvariantViolation is returned for the
// caller to dead-letter (spec §4.4, §4.5).
//
// walPosition and nowMS come from the applier: the position the event
// was read at, and the wall-clock time of application. registry is the
// live schema registry; if non-nil, create_edge additionally enforces
// that each endpoint's type_id matches the edge type's from_type/to_type
// (spec §3 invariant 2) — this is the one authoritative enforcement
// point, since the coordinator's own check (resolveCreateEdge) is
// best-effort and skipped whenever it has no reader.
func (s *CanonicalStore) ApplyTransaction(event *txn.Event, walPosition uint64, nowMS int64, registry *schema.Registry) (*Result, error) {
	result := &Result{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		WALPosition:    walPosition,
		AppliedAtMS:    nowMS,
	}

	err := s.db.Update(func(btx *badger.Txn) error {
		for _, op := range event.Operations {
			var err error
			switch op.Kind {
			case txn.KindCreateNode:
				err = applyCreateNode(btx, op, nowMS)
			case txn.KindUpdateNode:
				var conflict *Conflict
				conflict, err = applyUpdateNode(btx, op, nowMS)
				if conflict != nil {
					result.Conflicts = append(result.Conflicts, *conflict)
				}
			case txn.KindDeleteNode:
				err = applyDeleteNode(btx, op, nowMS)
			case txn.KindCreateEdge:
				err = applyCreateEdge(btx, op, nowMS, registry)
			case txn.KindDeleteEdge:
				err = applyDeleteEdge(btx, op)
			case txn.KindSetVisibility:
				err = applySetVisibility(btx, op)
			default:
				err = fmt.Errorf("%w: unknown operation kind %q", ErrInvariantViolation, op.Kind)
			}
			if err != nil {
				return err
			}
		}

		resultBytes, err := encodeResult(result)
		if err != nil {
			return err
		}
		if err := btx.Set(appliedKey(event.IdempotencyKey), resultBytes); err != nil {
			return fmt.Errorf("store: write applied_events: %w", err)
		}
		if err := btx.Set(metaKey(metaCheckpoint), encodeU64(walPosition)); err != nil {
			return fmt.Errorf("store: write checkpoint: %w", err)
		}
		if err := btx.Set(metaKey(metaSchemaFingerprint), event.SchemaFingerprint[:]); err != nil {
			return fmt.Errorf("store: write schema fingerprint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AppliedResult looks up a previously applied event by idempotency key,
// letting the applier skip re-application on WAL replay (spec §4.5).
func (s *CanonicalStore) AppliedResult(idempotencyKey string) (*Result, bool, error) {
	var result *Result
	err := s.db.View(func(btx *badger.Txn) error {
		item, err := btx.Get(appliedKey(idempotencyKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			result, err = decodeResult(v)
			return err
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: read applied_events %s: %w", idempotencyKey, err)
	}
	return result, result != nil, nil
}

func getNodeTx(btx *badger.Txn, id string) (*Node, error) {
	item, err := btx.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get node %s: %w", id, err)
	}
	var node *Node
	err = item.Value(func(v []byte) error {
		node, err = decodeNode(id, v)
		return err
	})
	return node, err
}

func putNodeTx(btx *badger.Txn, n *Node) error {
	b, err := encodeNode(n)
	if err != nil {
		return err
	}
	if err := btx.Set(nodeKey(n.ID), b); err != nil {
		return fmt.Errorf("store: put node %s: %w", n.ID, err)
	}
	return nil
}

func applyCreateNode(btx *badger.Txn, op txn.Operation, nowMS int64) error {
	existing, err := getNodeTx(btx, op.NodeID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: create_node: id %s already exists", ErrInvariantViolation, op.NodeID)
	}

	node := &Node{
		ID:          op.NodeID,
		TypeID:      op.TypeID,
		Payload:     op.Payload,
		OwnerActor:  "",
		CreatedAtMS: nowMS,
		UpdatedAtMS: nowMS,
	}
	if err := putNodeTx(btx, node); err != nil {
		return err
	}
	if err := btx.Set(nodeByTypeKey(op.TypeID, op.NodeID), nil); err != nil {
		return fmt.Errorf("store: put node type index: %w", err)
	}
	for _, principal := range op.Principals {
		if err := btx.Set(aclKey(op.NodeID, principal), nil); err != nil {
			return fmt.Errorf("store: put acl row: %w", err)
		}
	}
	return nil
}

func applyUpdateNode(btx *badger.Txn, op txn.Operation, nowMS int64) (*Conflict, error) {
	node, err := getNodeTx(btx, op.NodeID)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Deleted {
		return nil, fmt.Errorf("%w: update_node: node %s missing or deleted", ErrInvariantViolation, op.NodeID)
	}
	if op.ExpectedVersion != nil && *op.ExpectedVersion != node.Version {
		return &Conflict{
			NodeID:          op.NodeID,
			ExpectedVersion: *op.ExpectedVersion,
			ObservedVersion: node.Version,
		}, nil
	}

	if node.Payload == nil {
		node.Payload = make(map[string]any, len(op.PatchPayload))
	}
	for k, v := range op.PatchPayload {
		node.Payload[k] = v
	}
	node.Version++
	node.UpdatedAtMS = nowMS
	return nil, putNodeTx(btx, node)
}

func applyDeleteNode(btx *badger.Txn, op txn.Operation, nowMS int64) error {
	node, err := getNodeTx(btx, op.NodeID)
	if err != nil {
		return err
	}
	if node == nil || node.Deleted {
		return fmt.Errorf("%w: delete_node: node %s missing or already deleted", ErrInvariantViolation, op.NodeID)
	}
	node.Deleted = true
	node.Version++
	node.UpdatedAtMS = nowMS
	if err := putNodeTx(btx, node); err != nil {
		return err
	}
	return deleteACLTx(btx, op.NodeID)
}

func deleteACLTx(btx *badger.Txn, nodeID string) error {
	it := btx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := aclPrefix(nodeID)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, append([]byte(nil), it.Item().Key()...))
	}
	for _, k := range keys {
		if err := btx.Delete(k); err != nil {
			return fmt.Errorf("store: delete acl row: %w", err)
		}
	}
	return nil
}

func applyCreateEdge(btx *badger.Txn, op txn.Operation, nowMS int64, registry *schema.Registry) error {
	from, err := getNodeTx(btx, op.FromID)
	if err != nil {
		return err
	}
	to, err := getNodeTx(btx, op.ToID)
	if err != nil {
		return err
	}
	// Soft-deleted endpoints still exist for edge purposes (spec §3
	// invariant 2); only a missing node fails.
	if from == nil || to == nil {
		return fmt.Errorf("%w: create_edge: endpoint %s or %s missing", ErrInvariantViolation, op.FromID, op.ToID)
	}
	if registry != nil {
		et, ok := registry.GetEdgeType(op.EdgeTypeID)
		if !ok {
			return fmt.Errorf("%w: create_edge: unknown edge_type_id %d", ErrInvariantViolation, op.EdgeTypeID)
		}
		if from.TypeID != et.FromType {
			return fmt.Errorf("%w: create_edge: from node %s has type %d, edge %q expects from_type %d", ErrInvariantViolation, op.FromID, from.TypeID, et.Name, et.FromType)
		}
		if to.TypeID != et.ToType {
			return fmt.Errorf("%w: create_edge: to node %s has type %d, edge %q expects to_type %d", ErrInvariantViolation, op.ToID, to.TypeID, et.Name, et.ToType)
		}
	}

	key := edgeKey(op.EdgeTypeID, op.FromID, op.ToID)
	if _, err := btx.Get(key); err == nil {
		return nil // idempotent: edge already present
	} else if err != badger.ErrKeyNotFound {
		return fmt.Errorf("store: get edge: %w", err)
	}

	edge := &Edge{EdgeTypeID: op.EdgeTypeID, FromID: op.FromID, ToID: op.ToID, Props: op.Props, CreatedAtMS: nowMS}
	b, err := encodeEdge(edge)
	if err != nil {
		return err
	}
	if err := btx.Set(key, b); err != nil {
		return fmt.Errorf("store: put edge: %w", err)
	}
	return btx.Set(edgeByToKey(op.EdgeTypeID, op.ToID, op.FromID), nil)
}

func applyDeleteEdge(btx *badger.Txn, op txn.Operation) error {
	key := edgeKey(op.EdgeTypeID, op.FromID, op.ToID)
	if _, err := btx.Get(key); err == badger.ErrKeyNotFound {
		return nil // idempotent: already absent
	} else if err != nil {
		return fmt.Errorf("store: get edge: %w", err)
	}
	if err := btx.Delete(key); err != nil {
		return fmt.Errorf("store: delete edge: %w", err)
	}
	return btx.Delete(edgeByToKey(op.EdgeTypeID, op.ToID, op.FromID))
}

func applySetVisibility(btx *badger.Txn, op txn.Operation) error {
	node, err := getNodeTx(btx, op.NodeID)
	if err != nil {
		return err
	}
	if node == nil || node.Deleted {
		return fmt.Errorf("%w: set_visibility: node %s missing or deleted", ErrInvariantViolation, op.NodeID)
	}
	if err := deleteACLTx(btx, op.NodeID); err != nil {
		return err
	}
	for _, principal := range op.Principals {
		if err := btx.Set(aclKey(op.NodeID, principal), nil); err != nil {
			return fmt.Errorf("store: put acl row: %w", err)
		}
	}
	return nil
}
