package deadletter

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndQueryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	logger, err := NewLogger(Config{Path: path})
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Record(Entry{
		TenantID:    "t1",
		EventID:     "ev-1",
		WALPosition: 5,
		Reason:      "invariant_violation",
		Detail:      "referenced node does not exist",
	}))
	require.NoError(t, logger.Record(Entry{
		TenantID:    "t2",
		EventID:     "ev-2",
		WALPosition: 9,
		Reason:      "schema_drift",
	}))

	reader := NewReader(path)
	all, err := reader.Query(Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].ID)
	assert.False(t, all[0].Timestamp.IsZero())

	t1Only, err := reader.Query(Query{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, t1Only, 1)
	assert.Equal(t, "ev-1", t1Only[0].EventID)
}

func TestOnEntryCallbackFires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	logger, err := NewLogger(Config{Path: path})
	require.NoError(t, err)
	defer logger.Close()

	var seen []Entry
	logger.SetOnEntry(func(e Entry) { seen = append(seen, e) })

	require.NoError(t, logger.Record(Entry{TenantID: "t1", Reason: "invariant_violation"}))
	require.Len(t, seen, 1)
}

func TestQueryMissingFileReturnsEmpty(t *testing.T) {
	reader := NewReader(filepath.Join(t.TempDir(), "missing.jsonl"))
	entries, err := reader.Query(Query{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
