package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/txn"
)

func newTestCanonical(t *testing.T) *CanonicalStore {
	t.Helper()
	s, err := OpenCanonicalStore(filepath.Join(t.TempDir(), "canonical.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createNodeEvent(idempotencyKey, nodeID string, typeID uint32, payload map[string]any, principals []string) *txn.Event {
	return &txn.Event{
		EventID:        "evt-" + idempotencyKey,
		TenantID:       "t1",
		IdempotencyKey: idempotencyKey,
		Operations: []txn.Operation{
			{Kind: txn.KindCreateNode, NodeID: nodeID, TypeID: typeID, Payload: payload, Principals: principals},
		},
	}
}

func TestApplyCreateNodeThenGetNode(t *testing.T) {
	s := newTestCanonical(t)

	event := createNodeEvent("idem-1", "node-1", 7, map[string]any{"name": "alice"}, []string{"user:alice"})
	result, err := s.ApplyTransaction(event, 1, 1000, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)

	node, err := s.GetNode("node-1", false)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), node.TypeID)
	assert.Equal(t, "alice", node.Payload["name"])
	assert.Equal(t, []string{"user:alice"}, node.ACL)
	assert.False(t, node.Deleted)
	assert.Equal(t, int64(0), node.Version)

	checkpoint, err := s.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), checkpoint)
}

func TestApplyCreateNodeDuplicateIDIsInvariantViolation(t *testing.T) {
	s := newTestCanonical(t)
	event := createNodeEvent("idem-1", "node-1", 1, nil, nil)
	_, err := s.ApplyTransaction(event, 1, 1000, nil)
	require.NoError(t, err)

	dup := createNodeEvent("idem-2", "node-1", 1, nil, nil)
	_, err = s.ApplyTransaction(dup, 2, 1000, nil)
	require.ErrorIs(t, err, ErrInvariantViolation)

	// A discarded event must not advance the checkpoint.
	checkpoint, err := s.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), checkpoint)
}

func TestApplyUpdateNodeRecordsConflictWithoutFailingEvent(t *testing.T) {
	s := newTestCanonical(t)
	create := createNodeEvent("idem-1", "node-1", 1, map[string]any{"n": 1}, nil)
	_, err := s.ApplyTransaction(create, 1, 1000, nil)
	require.NoError(t, err)

	staleVersion := int64(5)
	update := &txn.Event{
		EventID:        "evt-2",
		IdempotencyKey: "idem-2",
		Operations: []txn.Operation{
			{Kind: txn.KindUpdateNode, NodeID: "node-1", PatchPayload: map[string]any{"n": 2}, ExpectedVersion: &staleVersion},
		},
	}
	result, err := s.ApplyTransaction(update, 2, 2000, nil)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "node-1", result.Conflicts[0].NodeID)
	assert.Equal(t, int64(5), result.Conflicts[0].ExpectedVersion)
	assert.Equal(t, int64(0), result.Conflicts[0].ObservedVersion)

	node, err := s.GetNode("node-1", false)
	require.NoError(t, err)
	assert.Equal(t, float64(1), node.Payload["n"]) // unchanged: conflict skips the patch
}

func TestApplyUpdateNodeSucceedsWhenVersionMatches(t *testing.T) {
	s := newTestCanonical(t)
	create := createNodeEvent("idem-1", "node-1", 1, map[string]any{"n": 1}, nil)
	_, err := s.ApplyTransaction(create, 1, 1000, nil)
	require.NoError(t, err)

	zero := int64(0)
	update := &txn.Event{
		EventID:        "evt-2",
		IdempotencyKey: "idem-2",
		Operations: []txn.Operation{
			{Kind: txn.KindUpdateNode, NodeID: "node-1", PatchPayload: map[string]any{"n": 2}, ExpectedVersion: &zero},
		},
	}
	result, err := s.ApplyTransaction(update, 2, 2000, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)

	node, err := s.GetNode("node-1", false)
	require.NoError(t, err)
	assert.Equal(t, float64(2), node.Payload["n"])
	assert.Equal(t, int64(1), node.Version)
}

func TestApplyDeleteNodeCascadesACL(t *testing.T) {
	s := newTestCanonical(t)
	create := createNodeEvent("idem-1", "node-1", 1, nil, []string{"user:alice", "user:bob"})
	_, err := s.ApplyTransaction(create, 1, 1000, nil)
	require.NoError(t, err)

	del := &txn.Event{
		EventID:        "evt-2",
		IdempotencyKey: "idem-2",
		Operations:     []txn.Operation{{Kind: txn.KindDeleteNode, NodeID: "node-1"}},
	}
	_, err = s.ApplyTransaction(del, 2, 2000, nil)
	require.NoError(t, err)

	node, err := s.GetNode("node-1", true)
	require.NoError(t, err)
	assert.True(t, node.Deleted)
	assert.Empty(t, node.ACL)

	_, err = s.GetNode("node-1", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyCreateEdgeRequiresBothEndpoints(t *testing.T) {
	s := newTestCanonical(t)
	create := createNodeEvent("idem-1", "node-1", 1, nil, nil)
	_, err := s.ApplyTransaction(create, 1, 1000, nil)
	require.NoError(t, err)

	edgeEvent := &txn.Event{
		EventID:        "evt-2",
		IdempotencyKey: "idem-2",
		Operations: []txn.Operation{
			{Kind: txn.KindCreateEdge, EdgeTypeID: 1, FromID: "node-1", ToID: "missing-node"},
		},
	}
	_, err = s.ApplyTransaction(edgeEvent, 2, 2000, nil)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestApplyCreateEdgeAllowsSoftDeletedEndpoints(t *testing.T) {
	s := newTestCanonical(t)
	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "a", 1, nil, nil), 1, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-2", "b", 1, nil, nil), 2, 1000, nil)
	require.NoError(t, err)

	del := &txn.Event{
		EventID:        "evt-3",
		IdempotencyKey: "idem-3",
		Operations:     []txn.Operation{{Kind: txn.KindDeleteNode, NodeID: "b"}},
	}
	_, err = s.ApplyTransaction(del, 3, 3000, nil)
	require.NoError(t, err)

	// spec invariant 2: "both endpoints exist (soft-deleted counts)" — a
	// soft-deleted node is still a valid edge endpoint.
	edgeEvent := &txn.Event{
		EventID:        "evt-4",
		IdempotencyKey: "idem-4",
		Operations: []txn.Operation{
			{Kind: txn.KindCreateEdge, EdgeTypeID: 1, FromID: "a", ToID: "b"},
		},
	}
	_, err = s.ApplyTransaction(edgeEvent, 4, 4000, nil)
	require.NoError(t, err)

	out, err := s.EdgesOut(1, "a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ToID)
}

func TestApplyCreateEdgeEnforcesEndpointTypesAgainstRegistry(t *testing.T) {
	s := newTestCanonical(t)
	registry := schema.NewRegistry()
	require.NoError(t, registry.RegisterNodeType(schema.NodeType{TypeID: 1, Name: "person"}))
	require.NoError(t, registry.RegisterNodeType(schema.NodeType{TypeID: 2, Name: "task"}))
	require.NoError(t, registry.RegisterEdgeType(schema.EdgeType{EdgeID: 9, Name: "assigned_to", FromType: 2, ToType: 1}))
	registry.Freeze()

	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "a", 1, nil, nil), 1, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-2", "b", 1, nil, nil), 2, 1000, nil)
	require.NoError(t, err)

	// Both endpoints are type 1 ("person"); edge 9 requires from_type=2.
	edgeEvent := &txn.Event{
		EventID:        "evt-3",
		IdempotencyKey: "idem-3",
		Operations: []txn.Operation{
			{Kind: txn.KindCreateEdge, EdgeTypeID: 9, FromID: "a", ToID: "b"},
		},
	}
	_, err = s.ApplyTransaction(edgeEvent, 3, 3000, registry)
	require.ErrorIs(t, err, ErrInvariantViolation)

	checkpoint, err := s.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), checkpoint)
}

func TestApplyCreateEdgeAndTraverseBothDirections(t *testing.T) {
	s := newTestCanonical(t)
	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "a", 1, nil, nil), 1, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-2", "b", 1, nil, nil), 2, 1000, nil)
	require.NoError(t, err)

	edgeEvent := &txn.Event{
		EventID:        "evt-3",
		IdempotencyKey: "idem-3",
		Operations: []txn.Operation{
			{Kind: txn.KindCreateEdge, EdgeTypeID: 9, FromID: "a", ToID: "b", Props: map[string]any{"weight": 1}},
		},
	}
	_, err = s.ApplyTransaction(edgeEvent, 3, 3000, nil)
	require.NoError(t, err)

	out, err := s.EdgesOut(9, "a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ToID)

	in, err := s.EdgesIn(9, "b")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "a", in[0].FromID)

	// Re-applying the same create_edge is a no-op, not an error.
	_, err = s.ApplyTransaction(edgeEvent, 4, 4000, nil)
	require.NoError(t, err)
	out, err = s.EdgesOut(9, "a")
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestApplyDeleteEdgeIsIdempotent(t *testing.T) {
	s := newTestCanonical(t)
	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "a", 1, nil, nil), 1, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-2", "b", 1, nil, nil), 2, 1000, nil)
	require.NoError(t, err)

	del := &txn.Event{
		EventID:        "evt-3",
		IdempotencyKey: "idem-3",
		Operations: []txn.Operation{
			{Kind: txn.KindDeleteEdge, EdgeTypeID: 9, FromID: "a", ToID: "b"},
		},
	}
	_, err = s.ApplyTransaction(del, 3, 3000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(del, 4, 4000, nil)
	require.NoError(t, err)
}

func TestApplySetVisibilityReplacesACL(t *testing.T) {
	s := newTestCanonical(t)
	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "node-1", 1, nil, []string{"user:alice"}), 1, 1000, nil)
	require.NoError(t, err)

	vis := &txn.Event{
		EventID:        "evt-2",
		IdempotencyKey: "idem-2",
		Operations: []txn.Operation{
			{Kind: txn.KindSetVisibility, NodeID: "node-1", Principals: []string{"user:bob", "team:eng"}},
		},
	}
	_, err = s.ApplyTransaction(vis, 2, 2000, nil)
	require.NoError(t, err)

	node, err := s.GetNode("node-1", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:bob", "team:eng"}, node.ACL)
}

func TestAppliedResultSupportsReplayDedup(t *testing.T) {
	s := newTestCanonical(t)
	event := createNodeEvent("idem-1", "node-1", 1, nil, nil)
	applied, err := s.ApplyTransaction(event, 1, 1000, nil)
	require.NoError(t, err)

	cached, ok, err := s.AppliedResult("idem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, applied.WALPosition, cached.WALPosition)

	_, ok, err = s.AppliedResult("never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryNodesFiltersByTypeAndExcludesDeleted(t *testing.T) {
	s := newTestCanonical(t)
	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "a", 1, nil, nil), 1, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-2", "b", 1, nil, nil), 2, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-3", "c", 2, nil, nil), 3, 1000, nil)
	require.NoError(t, err)

	del := &txn.Event{
		EventID:        "evt-4",
		IdempotencyKey: "idem-4",
		Operations:     []txn.Operation{{Kind: txn.KindDeleteNode, NodeID: "b"}},
	}
	_, err = s.ApplyTransaction(del, 4, 4000, nil)
	require.NoError(t, err)

	nodes, err := s.QueryNodes(1, QueryNodesOptions{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "a", nodes[0].ID)

	withDeleted, err := s.QueryNodes(1, QueryNodesOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 2)
}

func TestQueryNodesAppliesFiltersAndOffset(t *testing.T) {
	s := newTestCanonical(t)
	_, err := s.ApplyTransaction(createNodeEvent("idem-1", "a", 1, map[string]any{"city": "nyc"}, nil), 1, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-2", "b", 1, map[string]any{"city": "sf"}, nil), 2, 1000, nil)
	require.NoError(t, err)
	_, err = s.ApplyTransaction(createNodeEvent("idem-3", "c", 1, map[string]any{"city": "nyc"}, nil), 3, 1000, nil)
	require.NoError(t, err)

	matched, err := s.QueryNodes(1, QueryNodesOptions{Filters: map[string]any{"city": "nyc"}})
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "a", matched[0].ID)
	assert.Equal(t, "c", matched[1].ID)

	paged, err := s.QueryNodes(1, QueryNodesOptions{Filters: map[string]any{"city": "nyc"}, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "c", paged[0].ID)

	none, err := s.QueryNodes(1, QueryNodesOptions{Filters: map[string]any{"city": "la"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}
