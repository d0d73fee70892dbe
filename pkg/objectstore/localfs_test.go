package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-a/segment-1.jsonl.gz", strings.NewReader("hello")))

	r, err := store.Get(ctx, "tenant-a/segment-1.jsonl.gz")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestGetMissingReturnsError(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestListFiltersByPrefixAndSkipsTempFiles(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "tenant-a/1.jsonl.gz", strings.NewReader("a")))
	require.NoError(t, store.Put(ctx, "tenant-a/2.jsonl.gz", strings.NewReader("b")))
	require.NoError(t, store.Put(ctx, "tenant-b/1.jsonl.gz", strings.NewReader("c")))

	objs, err := store.List(ctx, "tenant-a/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "tenant-a/1.jsonl.gz", objs[0].Key)
	assert.Equal(t, "tenant-a/2.jsonl.gz", objs[1].Key)
}

func TestDeleteRemovesObject(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", strings.NewReader("v")))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.Error(t, err)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	store, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "missing"))
}
