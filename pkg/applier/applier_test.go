package applier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/coordinator"
	"github.com/entdb/entdb/pkg/schema"
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
	}))
	r.Freeze()
	return r
}

func TestApplierAppliesAppendedEvent(t *testing.T) {
	backend, err := wal.NewLocalBackend(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	c := coordinator.New(coordinator.Config{Registry: newTestRegistry(t), Backend: backend})

	receipt, err := c.Process(context.Background(), coordinator.Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []coordinator.OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Alias: "me", Payload: map[string]any{"name": "alice"}},
		},
	})
	require.NoError(t, err)
	nodeID := receipt.ResultAliases["me"]
	require.NotEmpty(t, nodeID)

	a := New(Config{Backend: backend, StoreDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Assign(ctx, "t1"))

	require.NoError(t, a.WaitApplied(context.Background(), "t1", receipt.WALPosition))

	canonical, ok := a.Canonical("t1")
	require.True(t, ok)
	node, err := canonical.GetNode(nodeID, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", node.Payload["name"])

	applied, ok := a.AppliedPosition("t1")
	require.True(t, ok)
	assert.Equal(t, receipt.WALPosition, applied)
}

func TestApplierReplaySkipsAlreadyAppliedIdempotencyKey(t *testing.T) {
	backend, err := wal.NewLocalBackend(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	c := coordinator.New(coordinator.Config{Registry: newTestRegistry(t), Backend: backend})
	req := coordinator.Request{
		TenantID:       "t1",
		IdempotencyKey: "idem-1",
		Operations: []coordinator.OpInput{
			{Kind: txn.KindCreateNode, TypeID: 1, Alias: "me", Payload: map[string]any{"name": "alice"}},
		},
	}
	receipt, err := c.Process(context.Background(), req)
	require.NoError(t, err)

	storeDir := t.TempDir()
	a := New(Config{Backend: backend, StoreDir: storeDir})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Assign(ctx, "t1"))
	require.NoError(t, a.WaitApplied(context.Background(), "t1", receipt.WALPosition))
	cancel()
	require.NoError(t, a.Release("t1"))

	// Reopen against the same store dir: checkpoint resumes past the
	// already-applied event, and the node it created is still readable.
	a2 := New(Config{Backend: backend, StoreDir: storeDir})
	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)
	require.NoError(t, a2.Assign(ctx2, "t1"))

	canonical, ok := a2.Canonical("t1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		applied, ok := a2.AppliedPosition("t1")
		return ok && applied >= receipt.WALPosition
	}, time.Second, 5*time.Millisecond)

	nodeID := receipt.ResultAliases["me"]
	node, err := canonical.GetNode(nodeID, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", node.Payload["name"])
}

func TestApplierDeadLettersInvariantViolation(t *testing.T) {
	backend, err := wal.NewLocalBackend(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	// A hand-framed event referencing a node the store has never
	// created (update_node against a nonexistent id) is an invariant
	// violation at apply time: the applier must dead-letter it and still
	// advance its checkpoint rather than stall the tenant's stream.
	event := &txn.Event{
		EventID:        "evt-bad",
		TenantID:       "t1",
		IdempotencyKey: "idem-bad",
		Operations: []txn.Operation{
			{Kind: txn.KindUpdateNode, NodeID: "does-not-exist", PatchPayload: map[string]any{"name": "x"}},
		},
	}
	encoded, err := txn.Encode(event)
	require.NoError(t, err)
	pos, err := backend.Append(context.Background(), "t1", encoded)
	require.NoError(t, err)

	a := New(Config{Backend: backend, StoreDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Assign(ctx, "t1"))

	require.Eventually(t, func() bool {
		applied, ok := a.AppliedPosition("t1")
		return ok && applied >= uint64(pos)
	}, time.Second, 5*time.Millisecond)
}
