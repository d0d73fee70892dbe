package store

import (
	"fmt"
	"reflect"

	badger "github.com/dgraph-io/badger/v4"
)

// GetNode returns one node by id, with its ACL principals populated.
// includeDeleted controls whether a soft-deleted node is returned or
// treated as not found (spec §6: get_node(id, include_deleted?));
// ErrNotFound is returned either way when the id was never assigned.
func (s *CanonicalStore) GetNode(id string, includeDeleted bool) (*Node, error) {
	var node *Node
	err := s.db.View(func(btx *badger.Txn) error {
		n, err := getNodeTx(btx, id)
		if err != nil {
			return err
		}
		if n == nil || (n.Deleted && !includeDeleted) {
			return ErrNotFound
		}
		n.ACL, err = readACLTx(btx, id)
		node = n
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func readACLTx(btx *badger.Txn, nodeID string) ([]string, error) {
	it := btx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := aclPrefix(nodeID)
	var principals []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		rest, err := splitAfterPrefix(it.Item().Key(), prefix)
		if err != nil {
			return nil, err
		}
		principals = append(principals, string(rest))
	}
	return principals, nil
}

// QueryNodesOptions bounds a QueryNodes scan.
type QueryNodesOptions struct {
	IncludeDeleted bool

	// Filters restricts results to nodes whose payload carries, for every
	// key here, an equal value (spec §4.4/§6: query_nodes(type_id,
	// filters, limit, offset)). A nil or empty map matches every node.
	Filters map[string]any

	Limit  int
	Offset int
}

// QueryNodes returns every non-deleted node of typeID matching Filters
// (unless IncludeDeleted is set), skipping the first Offset matches and
// returning up to Limit results (0 means unbounded).
func (s *CanonicalStore) QueryNodes(typeID uint32, opts QueryNodesOptions) ([]*Node, error) {
	var nodes []*Node
	skipped := 0
	err := s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := nodeByTypePrefix(typeID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest, err := splitAfterPrefix(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			id := string(rest)
			n, err := getNodeTx(btx, id)
			if err != nil {
				return err
			}
			if n == nil {
				continue
			}
			if n.Deleted && !opts.IncludeDeleted {
				continue
			}
			if !matchesFilters(n.Payload, opts.Filters) {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			n.ACL, err = readACLTx(btx, id)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
			if opts.Limit > 0 && len(nodes) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: query nodes type=%d: %w", typeID, err)
	}
	return nodes, nil
}

// matchesFilters reports whether payload satisfies every key/value
// equality constraint in filters; a nil or empty filters matches
// unconditionally.
func matchesFilters(payload map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// EdgesOut returns every edge of edgeTypeID originating at fromID.
func (s *CanonicalStore) EdgesOut(edgeTypeID uint32, fromID string) ([]*Edge, error) {
	var edges []*Edge
	err := s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := edgeOutPrefix(edgeTypeID, fromID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			toID, err := splitAfterPrefix(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			var edge *Edge
			err = it.Item().Value(func(v []byte) error {
				edge, err = decodeEdge(edgeTypeID, fromID, string(toID), v)
				return err
			})
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: edges_out type=%d from=%s: %w", edgeTypeID, fromID, err)
	}
	return edges, nil
}

// EdgesIn returns every edge of edgeTypeID terminating at toID, using
// the secondary (edge_type_id, to_id) -> from_id index and re-reading
// the primary edge row for its properties.
func (s *CanonicalStore) EdgesIn(edgeTypeID uint32, toID string) ([]*Edge, error) {
	var edges []*Edge
	err := s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := edgeInPrefix(edgeTypeID, toID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			fromID, err := splitAfterPrefix(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			item, err := btx.Get(edgeKey(edgeTypeID, string(fromID), toID))
			if err != nil {
				return fmt.Errorf("store: edges_in: missing primary edge row: %w", err)
			}
			var edge *Edge
			err = item.Value(func(v []byte) error {
				edge, err = decodeEdge(edgeTypeID, string(fromID), toID, v)
				return err
			})
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: edges_in type=%d to=%s: %w", edgeTypeID, toID, err)
	}
	return edges, nil
}
