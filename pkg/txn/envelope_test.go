package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := &Event{
		EventID:        "ev-1",
		TenantID:       "t1",
		Actor:          "user:alice",
		IdempotencyKey: "e2e-1",
		CreatedAtMS:    1700000000000,
		Operations: []Operation{
			{Kind: KindCreateNode, TypeID: 1, Payload: map[string]any{"email": "a@x"}, Alias: "u"},
			{Kind: KindCreateEdge, EdgeTypeID: 100, FromID: "$t.id", ToID: "$u.id"},
		},
	}

	record, err := Encode(ev)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, record[0])

	decoded, err := Decode(record)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.Equal(t, ev.TenantID, decoded.TenantID)
	require.Len(t, decoded.Operations, 2)
	assert.Equal(t, KindCreateNode, decoded.Operations[0].Kind)
	assert.Equal(t, "a@x", decoded.Operations[0].Payload["email"])
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	record := []byte{EnvelopeVersion + 1, 0, 0, 0, 0}
	_, err := Decode(record)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	_, err := Decode([]byte{1, 0, 0})
	assert.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	record := []byte{1, 0, 0, 0, 10, 'x'}
	_, err := Decode(record)
	assert.Error(t, err)
}
