package schema

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// computeFingerprint hashes a canonical serialization of the schema: type_id
// ascending, within each type field_id ascending, enum_values sorted (spec
// §3). Deterministic across processes given the same registered types.
func computeFingerprint(nodeTypes map[uint32]*NodeType, edgeTypes map[uint32]*EdgeType) [32]byte {
	ids := make([]uint32, 0, len(nodeTypes))
	for id := range nodeTypes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h := sha256.New()
	for _, id := range ids {
		nt := nodeTypes[id]
		fmt.Fprintf(h, "NT|%d|%s|%v\n", nt.TypeID, nt.Name, nt.Deprecated)
		fields := append([]FieldDef(nil), nt.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].FieldID < fields[j].FieldID })
		for _, f := range fields {
			enums := append([]string(nil), f.EnumValues...)
			sort.Strings(enums)
			fmt.Fprintf(h, "  F|%d|%s|%s|%v|%v|%v\n", f.FieldID, f.Name, f.Kind, f.Required, f.Deprecated, enums)
		}
	}

	edgeIDs := make([]uint32, 0, len(edgeTypes))
	for id := range edgeTypes {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Slice(edgeIDs, func(i, j int) bool { return edgeIDs[i] < edgeIDs[j] })
	for _, id := range edgeIDs {
		et := edgeTypes[id]
		fmt.Fprintf(h, "ET|%d|%s|%d|%d|%v\n", et.EdgeID, et.Name, et.FromType, et.ToType, et.Deprecated)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
