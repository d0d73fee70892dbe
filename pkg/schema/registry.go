package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Registry accumulates NodeType/EdgeType definitions until Freeze is
// called, after which it is immutable for the process lifetime (spec §5,
// "process-wide schema registry... initialize once, freeze").
type Registry struct {
	mu     sync.RWMutex
	frozen bool

	nodeTypesByID   map[uint32]*NodeType
	nodeTypesByName map[string]*NodeType
	edgeTypesByID   map[uint32]*EdgeType

	fingerprint [32]byte
}

// NewRegistry returns an empty, unfrozen Registry.
func NewRegistry() *Registry {
	return &Registry{
		nodeTypesByID:   make(map[uint32]*NodeType),
		nodeTypesByName: make(map[string]*NodeType),
		edgeTypesByID:   make(map[uint32]*EdgeType),
	}
}

// RegisterNodeType adds a NodeType. Returns an error if frozen, if type_id
// is already used, or if the type has duplicate field ids.
func (r *Registry) RegisterNodeType(nt NodeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("schema: registry is frozen")
	}
	if _, exists := r.nodeTypesByID[nt.TypeID]; exists {
		return fmt.Errorf("schema: duplicate type_id %d", nt.TypeID)
	}
	seen := make(map[uint32]bool, len(nt.Fields))
	for _, f := range nt.Fields {
		if seen[f.FieldID] {
			return fmt.Errorf("schema: duplicate field_id %d in type %d", f.FieldID, nt.TypeID)
		}
		seen[f.FieldID] = true
	}
	cp := nt
	cp.Fields = append([]FieldDef(nil), nt.Fields...)
	r.nodeTypesByID[nt.TypeID] = &cp
	r.nodeTypesByName[nt.Name] = &cp
	return nil
}

// RegisterEdgeType adds an EdgeType. Returns an error if frozen or if
// edge_id is already used.
func (r *Registry) RegisterEdgeType(et EdgeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("schema: registry is frozen")
	}
	if _, exists := r.edgeTypesByID[et.EdgeID]; exists {
		return fmt.Errorf("schema: duplicate edge_id %d", et.EdgeID)
	}
	cp := et
	r.edgeTypesByID[et.EdgeID] = &cp
	return nil
}

// Freeze computes the fingerprint and makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	r.fingerprint = computeFingerprint(r.nodeTypesByID, r.edgeTypesByID)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Fingerprint returns the SHA-256 fingerprint computed at Freeze. Calling
// before Freeze returns the zero value.
func (r *Registry) Fingerprint() [32]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerprint
}

// GetNodeTypeByID looks up a NodeType by id.
func (r *Registry) GetNodeTypeByID(id uint32) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.nodeTypesByID[id]
	return nt, ok
}

// GetNodeTypeByName looks up a NodeType by name.
func (r *Registry) GetNodeTypeByName(name string) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.nodeTypesByName[name]
	return nt, ok
}

// GetEdgeType looks up an EdgeType by id.
func (r *Registry) GetEdgeType(id uint32) (*EdgeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.edgeTypesByID[id]
	return et, ok
}

// nodeTypesSorted returns every node type ordered by type_id ascending,
// the order the fingerprint and compatibility checks both rely on.
func (r *Registry) nodeTypesSorted() []*NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeType, 0, len(r.nodeTypesByID))
	for _, nt := range r.nodeTypesByID {
		out = append(out, nt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

func (r *Registry) edgeTypesSorted() []*EdgeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EdgeType, 0, len(r.edgeTypesByID))
	for _, et := range r.edgeTypesByID {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out
}
