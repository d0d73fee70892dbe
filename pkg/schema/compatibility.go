package schema

// CheckCompatibility compares candidate against baseline and returns every
// forbidden difference (spec §4.1). An empty result means candidate is a
// compatible evolution of baseline.
//
// Allowed: add type, add field, add enum value, rename (same id), mark
// deprecated, drop required on an optional-compatible field.
// Forbidden: remove type, remove field, change field kind, remove enum
// value, reuse any id, make a previously optional field required.
func CheckCompatibility(baseline, candidate *Registry) []BreakingChange {
	var changes []BreakingChange

	for _, bnt := range baseline.nodeTypesSorted() {
		cnt, ok := candidate.GetNodeTypeByID(bnt.TypeID)
		if !ok {
			changes = append(changes, BreakingChange{Kind: "type_removed", Detail: bnt.Name})
			continue
		}
		for _, bf := range bnt.Fields {
			cf, ok := cnt.FieldByID(bf.FieldID)
			if !ok {
				changes = append(changes, BreakingChange{Kind: "field_removed", Detail: fieldLabel(bnt, bf)})
				continue
			}
			if cf.Kind != bf.Kind {
				changes = append(changes, BreakingChange{Kind: "kind_changed", Detail: fieldLabel(bnt, bf)})
			}
			if !bf.Required && cf.Required {
				changes = append(changes, BreakingChange{Kind: "required_added", Detail: fieldLabel(bnt, bf)})
			}
			if bf.Kind == KindEnum {
				have := make(map[string]bool, len(cf.EnumValues))
				for _, v := range cf.EnumValues {
					have[v] = true
				}
				for _, v := range bf.EnumValues {
					if !have[v] {
						changes = append(changes, BreakingChange{Kind: "enum_value_removed", Detail: fieldLabel(bnt, bf) + "=" + v})
					}
				}
			}
		}
	}

	changes = append(changes, checkIDReuse(baseline, candidate)...)

	for _, bet := range baseline.edgeTypesSorted() {
		if _, ok := candidate.GetEdgeType(bet.EdgeID); !ok {
			changes = append(changes, BreakingChange{Kind: "type_removed", Detail: bet.Name})
		}
	}

	return changes
}

// checkIDReuse catches the case where candidate assigns a type_id or
// field_id that baseline used for a *different* name — (type_id, field_id)
// is permanent once used (spec §3).
func checkIDReuse(baseline, candidate *Registry) []BreakingChange {
	var changes []BreakingChange
	for _, cnt := range candidate.nodeTypesSorted() {
		bnt, ok := baseline.GetNodeTypeByID(cnt.TypeID)
		if !ok {
			continue
		}
		if bnt.Name != cnt.Name {
			changes = append(changes, BreakingChange{Kind: "id_reused", Detail: cnt.Name})
			continue
		}
		for _, cf := range cnt.Fields {
			bf, ok := bnt.FieldByID(cf.FieldID)
			if ok && bf.Name != cf.Name {
				changes = append(changes, BreakingChange{Kind: "id_reused", Detail: fieldLabel(cnt, cf)})
			}
		}
	}
	return changes
}

func fieldLabel(nt *NodeType, f FieldDef) string {
	return nt.Name + "." + f.Name
}
