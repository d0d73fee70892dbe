package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// moduleFile is the on-disk shape of a schema module (spec §6
// registry.schema_module): the node and edge type declarations a process
// registers once at startup and freezes before serving traffic (spec §5).
type moduleFile struct {
	NodeTypes []moduleNodeType `yaml:"node_types"`
	EdgeTypes []moduleEdgeType `yaml:"edge_types"`
}

type moduleField struct {
	FieldID    uint32   `yaml:"field_id"`
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Required   bool     `yaml:"required"`
	Default    any      `yaml:"default"`
	EnumValues []string `yaml:"enum_values"`
	Deprecated bool     `yaml:"deprecated"`
}

type moduleNodeType struct {
	TypeID     uint32        `yaml:"type_id"`
	Name       string        `yaml:"name"`
	Fields     []moduleField `yaml:"fields"`
	Deprecated bool          `yaml:"deprecated"`
	DefaultACL []string      `yaml:"default_acl"`
}

type moduleEdgeType struct {
	EdgeID     uint32 `yaml:"edge_id"`
	Name       string `yaml:"name"`
	FromType   uint32 `yaml:"from_type_id"`
	ToType     uint32 `yaml:"to_type_id"`
	Deprecated bool   `yaml:"deprecated"`
}

// LoadModuleFile reads a schema module from a YAML file, registers every
// node and edge type against a fresh Registry, and freezes it. This is
// what cmd/entdb's init and serve commands call against
// registry.schema_module before accepting any traffic.
func LoadModuleFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read module %s: %w", path, err)
	}
	var mf moduleFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("schema: parse module %s: %w", path, err)
	}

	r := NewRegistry()
	for _, nt := range mf.NodeTypes {
		fields := make([]FieldDef, len(nt.Fields))
		for i, f := range nt.Fields {
			fields[i] = FieldDef{
				FieldID:    f.FieldID,
				Name:       f.Name,
				Kind:       FieldKind(f.Kind),
				Required:   f.Required,
				Default:    f.Default,
				EnumValues: f.EnumValues,
				Deprecated: f.Deprecated,
			}
		}
		if err := r.RegisterNodeType(NodeType{
			TypeID:     nt.TypeID,
			Name:       nt.Name,
			Fields:     fields,
			Deprecated: nt.Deprecated,
			DefaultACL: nt.DefaultACL,
		}); err != nil {
			return nil, fmt.Errorf("schema: register node type %q: %w", nt.Name, err)
		}
	}
	for _, et := range mf.EdgeTypes {
		if err := r.RegisterEdgeType(EdgeType{
			EdgeID:     et.EdgeID,
			Name:       et.Name,
			FromType:   et.FromType,
			ToType:     et.ToType,
			Deprecated: et.Deprecated,
		}); err != nil {
			return nil, fmt.Errorf("schema: register edge type %q: %w", et.Name, err)
		}
	}
	r.Freeze()
	return r, nil
}
