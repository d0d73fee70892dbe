package store

import (
	"encoding/json"
	"fmt"
)

// nodeRecord is the on-disk shape of the nodes table. ACL membership is
// stored separately as acl rows and stitched back on read.
type nodeRecord struct {
	TypeID      uint32         `json:"type_id"`
	Payload     map[string]any `json:"payload"`
	OwnerActor  string         `json:"owner_actor"`
	CreatedAtMS int64          `json:"created_at_ms"`
	UpdatedAtMS int64          `json:"updated_at_ms"`
	Deleted     bool           `json:"deleted"`
	Version     int64          `json:"version"`
}

func encodeNode(n *Node) ([]byte, error) {
	rec := nodeRecord{
		TypeID:      n.TypeID,
		Payload:     n.Payload,
		OwnerActor:  n.OwnerActor,
		CreatedAtMS: n.CreatedAtMS,
		UpdatedAtMS: n.UpdatedAtMS,
		Deleted:     n.Deleted,
		Version:     n.Version,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("store: encode node: %w", err)
	}
	return b, nil
}

func decodeNode(id string, b []byte) (*Node, error) {
	var rec nodeRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("store: decode node %s: %w", id, err)
	}
	return &Node{
		ID:          id,
		TypeID:      rec.TypeID,
		Payload:     rec.Payload,
		OwnerActor:  rec.OwnerActor,
		CreatedAtMS: rec.CreatedAtMS,
		UpdatedAtMS: rec.UpdatedAtMS,
		Deleted:     rec.Deleted,
		Version:     rec.Version,
	}, nil
}

type edgeRecord struct {
	Props       map[string]any `json:"props"`
	CreatedAtMS int64          `json:"created_at_ms"`
}

func encodeEdge(e *Edge) ([]byte, error) {
	b, err := json.Marshal(edgeRecord{Props: e.Props, CreatedAtMS: e.CreatedAtMS})
	if err != nil {
		return nil, fmt.Errorf("store: encode edge: %w", err)
	}
	return b, nil
}

func decodeEdge(edgeTypeID uint32, fromID, toID string, b []byte) (*Edge, error) {
	var rec edgeRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("store: decode edge %s->%s: %w", fromID, toID, err)
	}
	return &Edge{
		EdgeTypeID:  edgeTypeID,
		FromID:      fromID,
		ToID:        toID,
		Props:       rec.Props,
		CreatedAtMS: rec.CreatedAtMS,
	}, nil
}

func encodeResult(r *Result) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("store: encode result: %w", err)
	}
	return b, nil
}

func decodeResult(b []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("store: decode result: %w", err)
	}
	return &r, nil
}
