package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userType() NodeType {
	return NodeType{
		TypeID: 1,
		Name:   "user",
		Fields: []FieldDef{
			{FieldID: 1, Name: "email", Kind: KindString, Required: true},
			{FieldID: 2, Name: "name", Kind: KindString, Required: false},
		},
	}
}

func taskType() NodeType {
	return NodeType{
		TypeID: 2,
		Name:   "task",
		Fields: []FieldDef{
			{FieldID: 1, Name: "title", Kind: KindString, Required: true},
			{FieldID: 2, Name: "status", Kind: KindEnum, Required: true, EnumValues: []string{"todo", "done"}},
		},
	}
}

func TestRegisterRejectsDuplicateTypeID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	err := r.RegisterNodeType(NodeType{TypeID: 1, Name: "other"})
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateFieldID(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterNodeType(NodeType{
		TypeID: 1,
		Name:   "bad",
		Fields: []FieldDef{
			{FieldID: 1, Name: "a"},
			{FieldID: 1, Name: "b"},
		},
	})
	assert.Error(t, err)
}

func TestFreezeIsImmutable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	r.Freeze()
	assert.True(t, r.Frozen())
	assert.Error(t, r.RegisterNodeType(taskType()))
}

func TestFingerprintDeterministic(t *testing.T) {
	build := func() *Registry {
		r := NewRegistry()
		r.RegisterNodeType(taskType())
		r.RegisterNodeType(userType())
		r.Freeze()
		return r
	}
	r1, r2 := build(), build()
	assert.Equal(t, r1.Fingerprint(), r2.Fingerprint())
}

func TestValidateUnknownFieldSuggestsClosest(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	r.Freeze()

	errs := r.Validate(1, map[string]any{"emial": "a@x"})
	require.Len(t, errs, 1)
	assert.Equal(t, "emial", errs[0].Field)
	assert.Contains(t, errs[0].Suggestion, "email")
}

func TestValidateMissingRequired(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	r.Freeze()

	errs := r.Validate(1, map[string]any{"name": "Alice"})
	require.Len(t, errs, 1)
	assert.Equal(t, "email", errs[0].Field)
	assert.Equal(t, "missing required field", errs[0].Reason)
}

func TestValidateKindMismatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	r.Freeze()

	errs := r.Validate(1, map[string]any{"email": 42})
	require.Len(t, errs, 1)
	assert.Equal(t, "kind mismatch", errs[0].Reason)
}

func TestValidateEnumOutOfSet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(taskType()))
	r.Freeze()

	errs := r.Validate(2, map[string]any{"title": "T1", "status": "archived"})
	require.Len(t, errs, 1)
	assert.Equal(t, "enum value not in set", errs[0].Reason)
}

func TestValidateAcceptsGoodPayload(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterNodeType(userType()))
	r.Freeze()

	errs := r.Validate(1, map[string]any{"email": "a@x", "name": "Alice"})
	assert.Empty(t, errs)
}

func TestCompatibilityAllowsAdditiveChanges(t *testing.T) {
	baseline := NewRegistry()
	require.NoError(t, baseline.RegisterNodeType(userType()))
	baseline.Freeze()

	candidate := NewRegistry()
	ut := userType()
	ut.Fields = append(ut.Fields, FieldDef{FieldID: 3, Name: "bio", Kind: KindString})
	require.NoError(t, candidate.RegisterNodeType(ut))
	require.NoError(t, candidate.RegisterNodeType(taskType()))
	candidate.Freeze()

	assert.Empty(t, CheckCompatibility(baseline, candidate))
}

func TestCompatibilityForbidsFieldRemoval(t *testing.T) {
	baseline := NewRegistry()
	require.NoError(t, baseline.RegisterNodeType(userType()))
	baseline.Freeze()

	candidate := NewRegistry()
	require.NoError(t, candidate.RegisterNodeType(NodeType{
		TypeID: 1,
		Name:   "user",
		Fields: []FieldDef{{FieldID: 1, Name: "email", Kind: KindString, Required: true}},
	}))
	candidate.Freeze()

	changes := CheckCompatibility(baseline, candidate)
	require.Len(t, changes, 1)
	assert.Equal(t, "field_removed", changes[0].Kind)
}

func TestCompatibilityForbidsKindChange(t *testing.T) {
	baseline := NewRegistry()
	require.NoError(t, baseline.RegisterNodeType(userType()))
	baseline.Freeze()

	candidate := NewRegistry()
	ut := userType()
	ut.Fields[0].Kind = KindInt64
	require.NoError(t, candidate.RegisterNodeType(ut))
	candidate.Freeze()

	changes := CheckCompatibility(baseline, candidate)
	require.NotEmpty(t, changes)
	found := false
	for _, c := range changes {
		if c.Kind == "kind_changed" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCompatibilityForbidsIDReuse(t *testing.T) {
	baseline := NewRegistry()
	require.NoError(t, baseline.RegisterNodeType(userType()))
	baseline.Freeze()

	candidate := NewRegistry()
	require.NoError(t, candidate.RegisterNodeType(NodeType{TypeID: 1, Name: "renamed_type"}))
	candidate.Freeze()

	changes := CheckCompatibility(baseline, candidate)
	found := false
	for _, c := range changes {
		if c.Kind == "id_reused" {
			found = true
		}
	}
	assert.True(t, found)
}
