package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/apierr"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/store"
	"github.com/entdb/entdb/pkg/txn"
	"github.com/entdb/entdb/pkg/wal"
)

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r := schema.NewRegistry()
	require.NoError(t, r.RegisterNodeType(schema.NodeType{
		TypeID: 1,
		Name:   "person",
		Fields: []schema.FieldDef{
			{FieldID: 1, Name: "name", Kind: schema.KindString, Required: true},
		},
		DefaultACL: []string{"owner"},
	}))
	require.NoError(t, r.RegisterEdgeType(schema.EdgeType{EdgeID: 1, Name: "knows", FromType: 1, ToType: 1}))
	r.Freeze()
	return r
}

func newTestBackend(t *testing.T) wal.Backend {
	t.Helper()
	b, err := wal.NewLocalBackend(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestTenantStore(t *testing.T) *store.TenantStore {
	t.Helper()
	s, err := store.OpenTenantStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessCreateNodeAssignsIDAndAppends(t *testing.T) {
	c := New(Config{Registry: newTestRegistry(t), Backend: newTestBackend(t)})

	receipt, err := c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Alias: "me", Payload: map[string]any{"name": "alice"}},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ReceiptID)
	assert.Equal(t, uint64(1), receipt.WALPosition)
	assert.False(t, receipt.Applied)
	assert.NotEmpty(t, receipt.ResultAliases["me"])
}

func TestProcessRejectsInvalidPayload(t *testing.T) {
	c := New(Config{Registry: newTestRegistry(t), Backend: newTestBackend(t)})

	_, err := c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Payload: map[string]any{}},
		},
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.ValidationError, apiErr.Code)
}

func TestProcessIsIdempotentWithinInflightWindow(t *testing.T) {
	c := New(Config{Registry: newTestRegistry(t), Backend: newTestBackend(t)})
	req := Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Payload: map[string]any{"name": "alice"}},
		},
	}
	first, err := c.Process(context.Background(), req)
	require.NoError(t, err)
	second, err := c.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, second.ReceiptID)
	assert.Equal(t, first.WALPosition, second.WALPosition)
}

func TestProcessResolvesAliasAcrossOperations(t *testing.T) {
	c := New(Config{Registry: newTestRegistry(t), Backend: newTestBackend(t)})

	receipt, err := c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Alias: "a", Payload: map[string]any{"name": "alice"}},
			{Kind: txn.KindCreateNode, TypeID: 1, Alias: "b", Payload: map[string]any{"name": "bob"}},
			{Kind: txn.KindCreateEdge, EdgeTypeID: 1, FromID: "$a.id", ToID: "$b.id"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, receipt.ResultAliases, "a")
	assert.Contains(t, receipt.ResultAliases, "b")
}

func TestProcessRejectsUnresolvedAlias(t *testing.T) {
	c := New(Config{Registry: newTestRegistry(t), Backend: newTestBackend(t)})

	_, err := c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateEdge, EdgeTypeID: 1, FromID: "$ghost.id", ToID: "some-node"},
		},
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidRequest, apiErr.Code)
}

func TestProcessDetectsStaleExpectedVersion(t *testing.T) {
	ts := newTestTenantStore(t)
	registry := newTestRegistry(t)
	c := New(Config{Registry: registry, Backend: newTestBackend(t), Reader: ts.Canonical})

	create := &txn.Event{
		EventID:        "evt-seed",
		IdempotencyKey: "seed",
		Operations: []txn.Operation{
			{Kind: txn.KindCreateNode, NodeID: "node-1", TypeID: 1, Payload: map[string]any{"name": "alice"}},
		},
	}
	_, err := ts.Canonical.ApplyTransaction(create, 1, 1000, nil)
	require.NoError(t, err)

	stale := int64(5)
	_, err = c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindUpdateNode, NodeID: "node-1", PatchPayload: map[string]any{"name": "alicia"}, ExpectedVersion: &stale},
		},
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, apiErr.Code)
}

func TestProcessReturnsDurableReceiptOnReplay(t *testing.T) {
	ts := newTestTenantStore(t)
	registry := newTestRegistry(t)
	c := New(Config{Registry: registry, Backend: newTestBackend(t), Reader: ts.Canonical})

	event := &txn.Event{
		EventID:        "evt-1",
		IdempotencyKey: "idem-1",
		Operations: []txn.Operation{
			{Kind: txn.KindCreateNode, NodeID: "node-1", TypeID: 1, Payload: map[string]any{"name": "alice"}},
		},
	}
	_, err := ts.Canonical.ApplyTransaction(event, 7, 1000, nil)
	require.NoError(t, err)

	receipt, err := c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Payload: map[string]any{"name": "alice"}},
		},
	})
	require.NoError(t, err)
	assert.True(t, receipt.Applied)
	assert.Equal(t, uint64(7), receipt.WALPosition)
}

func TestProcessRejectsSameIdempotencyKeyDifferentBody(t *testing.T) {
	c := New(Config{Registry: newTestRegistry(t), Backend: newTestBackend(t)})

	first, err := c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Payload: map[string]any{"name": "alice"}},
		},
	})
	require.NoError(t, err)
	require.False(t, first.Applied)

	_, err = c.Process(context.Background(), Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Payload: map[string]any{"name": "bob"}},
		},
	})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.InvalidRequest, apiErr.Code)
}
