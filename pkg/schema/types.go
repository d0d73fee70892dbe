// Package schema implements the schema registry (spec component C1): type
// and field definitions, payload validation, protobuf-style compatibility
// checking, and deterministic fingerprinting.
//
// The registry is grounded in the teacher's pkg/storage/schema.go idiom of
// an RWMutex-guarded map-of-maps registry with Add*/Get* accessors, adapted
// from Neo4j-style label constraints to EntDB's numeric type/field-id model.
package schema

// FieldKind is one of the value kinds a NodeType field may declare.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindInt64     FieldKind = "int64"
	KindFloat64   FieldKind = "float64"
	KindBool      FieldKind = "bool"
	KindTimestamp FieldKind = "timestamp_ms"
	KindEnum      FieldKind = "enum"
	KindListStr   FieldKind = "list<string>"
	KindListInt   FieldKind = "list<int64>"
	KindRef       FieldKind = "ref"
)

// FieldDef is one field of a NodeType. (type_id, field_id) is permanent:
// once used it is never removed or reassigned (spec §3).
type FieldDef struct {
	FieldID    uint32
	Name       string
	Kind       FieldKind
	Required   bool
	Default    any
	EnumValues []string // only meaningful when Kind == KindEnum
	Deprecated bool
}

// NodeType is a frozen type definition: an ordered list of fields plus the
// default ACL newly created nodes of this type receive.
type NodeType struct {
	TypeID     uint32
	Name       string
	Fields     []FieldDef
	Deprecated bool
	DefaultACL []string
}

// FieldByID returns the field with the given id, if any.
func (nt *NodeType) FieldByID(id uint32) (FieldDef, bool) {
	for _, f := range nt.Fields {
		if f.FieldID == id {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldByName returns the field with the given name, if any.
func (nt *NodeType) FieldByName(name string) (FieldDef, bool) {
	for _, f := range nt.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldNames returns every declared field name, used for Levenshtein
// suggestion lookups on an unknown-field validation error.
func (nt *NodeType) FieldNames() []string {
	names := make([]string, len(nt.Fields))
	for i, f := range nt.Fields {
		names[i] = f.Name
	}
	return names
}

// EdgeType relates two NodeTypes. (spec §3)
type EdgeType struct {
	EdgeID     uint32
	Name       string
	FromType   uint32
	ToType     uint32
	Deprecated bool
}

// FieldError describes one invalid field in a payload (spec §4.1).
type FieldError struct {
	Field      string
	Reason     string
	Expected   string
	Actual     string
	Suggestion []string
}

// BreakingChange describes one forbidden difference between a baseline and
// a candidate schema (spec §4.1).
type BreakingChange struct {
	Kind    string // "type_removed", "field_removed", "kind_changed", "enum_value_removed", "id_reused", "required_added"
	Detail  string
}
