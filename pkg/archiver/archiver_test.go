package archiver

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdb/entdb/pkg/objectstore"
	"github.com/entdb/entdb/pkg/txn"
	"github.com/entdb/entdb/pkg/wal"
)

func TestArchiverFlushesSegmentOnTimeBoundary(t *testing.T) {
	backend, err := wal.NewLocalBackend(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	event := &txn.Event{EventID: "e1", TenantID: "t1", IdempotencyKey: "k1", Operations: []txn.Operation{
		{Kind: txn.KindCreateNode, TypeID: 1, NodeID: "n1", Payload: map[string]any{"name": "a"}},
	}}
	encoded, err := txn.Encode(event)
	require.NoError(t, err)
	pos, err := backend.Append(context.Background(), "t1", encoded)
	require.NoError(t, err)

	objStore, err := objectstore.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	a := New(Config{
		Backend:       backend,
		ObjectStore:   objStore,
		SegmentMaxAge: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Assign(ctx, "t1"))

	var objs []objectstore.ObjectInfo
	require.Eventually(t, func() bool {
		objs, err = objStore.List(context.Background(), "archive/")
		require.NoError(t, err)
		return len(objs) == 2 // segment + .checksum sidecar
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	a.Close()

	var segmentKey string
	for _, o := range objs {
		if !hasSuffix(o.Key, ".checksum") {
			segmentKey = o.Key
		}
	}
	require.NotEmpty(t, segmentKey)

	r, err := objStore.Get(context.Background(), segmentKey)
	require.NoError(t, err)
	defer r.Close()
	gz, err := gzip.NewReader(r)
	require.NoError(t, err)
	scanner := bufio.NewScanner(gz)
	require.True(t, scanner.Scan())
	var rec ArchivedRecord
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, uint64(pos), rec.WALPosition)
	assert.Equal(t, "e1", rec.Event.EventID)

	checkpointPos, ok, err := backend.Checkpoint(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pos, checkpointPos)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
