package schema

import (
	"fmt"
	"sort"

	"github.com/entdb/entdb/pkg/convert"
)

// Validate checks a create/update payload against the live NodeType,
// returning every offending field (spec §4.1 validation rules). An empty
// slice means the payload is valid.
func (r *Registry) Validate(typeID uint32, payload map[string]any) []FieldError {
	nt, ok := r.GetNodeTypeByID(typeID)
	if !ok {
		return []FieldError{{Field: "", Reason: "unknown type_id", Actual: fmt.Sprintf("%d", typeID)}}
	}

	var errs []FieldError
	seen := make(map[string]bool, len(payload))

	for name, value := range payload {
		seen[name] = true
		field, ok := nt.FieldByName(name)
		if !ok {
			errs = append(errs, FieldError{
				Field:      name,
				Reason:     "unknown field",
				Suggestion: suggestFields(name, nt.FieldNames()),
			})
			continue
		}
		if err := validateKind(field, value); err != nil {
			err.Field = name
			errs = append(errs, *err)
		}
	}

	for _, field := range nt.Fields {
		if field.Required && field.Default == nil && !seen[field.Name] {
			errs = append(errs, FieldError{Field: field.Name, Reason: "missing required field"})
		}
	}

	return errs
}

// ExpandDefaults returns a copy of payload with every declared default
// value filled in for fields the caller did not supply (spec §4.3, "for
// creates, expand defaults").
func (nt *NodeType) ExpandDefaults(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, f := range nt.Fields {
		if _, present := out[f.Name]; !present && f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	return out
}

func validateKind(field FieldDef, value any) *FieldError {
	switch field.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return kindMismatch(field, value)
		}
	case KindInt64:
		if _, ok := convert.ToInt64(value); !ok {
			return kindMismatch(field, value)
		}
	case KindFloat64:
		if _, ok := convert.ToFloat64(value); !ok {
			return kindMismatch(field, value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return kindMismatch(field, value)
		}
	case KindTimestamp:
		if _, ok := convert.ToInt64(value); !ok {
			return kindMismatch(field, value)
		}
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return kindMismatch(field, value)
		}
		for _, ev := range field.EnumValues {
			if ev == s {
				return nil
			}
		}
		return &FieldError{Reason: "enum value not in set", Expected: fmt.Sprintf("%v", field.EnumValues), Actual: s}
	case KindListStr:
		if _, ok := convert.ToStringSlice(value); !ok {
			return kindMismatch(field, value)
		}
	case KindListInt:
		if _, ok := convert.ToInt64Slice(value); !ok {
			return kindMismatch(field, value)
		}
	case KindRef:
		return validateRef(value)
	default:
		return &FieldError{Reason: "unsupported field kind", Expected: string(field.Kind)}
	}
	return nil
}

func validateRef(value any) *FieldError {
	m, ok := value.(map[string]any)
	if !ok {
		return &FieldError{Reason: "ref must be a {type_id, id} map", Expected: "ref", Actual: fmt.Sprintf("%T", value)}
	}
	if _, ok := convert.ToInt64(m["type_id"]); !ok {
		return &FieldError{Reason: "ref.type_id must resolve to an integer type_id"}
	}
	if _, ok := m["id"].(string); !ok {
		return &FieldError{Reason: "ref.id must be a string"}
	}
	return nil
}

func kindMismatch(field FieldDef, value any) *FieldError {
	return &FieldError{
		Reason:   "kind mismatch",
		Expected: string(field.Kind),
		Actual:   fmt.Sprintf("%T", value),
	}
}

// suggestFields returns up to 3 field names within edit distance 3 of name,
// closest first (spec §4.1, "Unknown field name → error with Levenshtein
// suggestions from the type's fields").
func suggestFields(name string, candidates []string) []string {
	type scored struct {
		name string
		dist int
	}
	var scores []scored
	for _, c := range candidates {
		d := levenshtein(name, c)
		if d <= 3 {
			scores = append(scores, scored{c, d})
		}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].dist < scores[j].dist })
	out := make([]string, 0, 3)
	for i, s := range scores {
		if i >= 3 {
			break
		}
		out = append(out, s.name)
	}
	return out
}

// levenshtein computes the edit distance between a and b.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
