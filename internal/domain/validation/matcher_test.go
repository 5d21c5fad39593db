package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestResolve_Strategies(t *testing.T) {
	ids := FieldIDMap{"subject_age": 7, "i_demo_age": 7}

	cases := []struct {
		name     string
		data     map[string]interface{}
		ref      FieldRef
		wantKey  string
		strategy int
	}{
		{"exact", map[string]interface{}{"age": "40"}, FieldRef{Path: "age"}, "age", 1},
		{"dotted walk", map[string]interface{}{"vitals": map[string]interface{}{"pulse": 60}}, FieldRef{Path: "vitals.pulse"}, "pulse", 1},
		{"case fold", map[string]interface{}{"AGE": "40"}, FieldRef{Path: "age"}, "AGE", 2},
		{"last segment", map[string]interface{}{"age": "40"}, FieldRef{Path: "demographics.age"}, "age", 3},
		{"camel to snake", map[string]interface{}{"blood_pressure": "120/80"}, FieldRef{Path: "bloodPressure"}, "blood_pressure", 4},
		{"snake to camel", map[string]interface{}{"bloodPressure": "120/80"}, FieldRef{Path: "blood_pressure"}, "bloodPressure", 4},
		{"storage id", map[string]interface{}{"subject_age": "40"}, FieldRef{Path: "I_DEMO_AGE"}, "subject_age", 5},
		{"rule item id", map[string]interface{}{"subject_age": "40"}, FieldRef{Path: "whatever", ItemID: intPtr(7)}, "subject_age", 5},
		{"nested", map[string]interface{}{"page1": map[string]interface{}{"section": map[string]interface{}{"Weight": 80}}}, FieldRef{Path: "weight"}, "Weight", 6},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, ok := Resolve(c.data, c.ref, ids)
			require.True(t, ok)
			assert.Equal(t, c.wantKey, m.Key)
			assert.Equal(t, c.strategy, m.Strategy)
		})
	}
}

func TestResolve_NotFoundIsNotEmpty(t *testing.T) {
	data := map[string]interface{}{"age": ""}

	m, ok := Resolve(data, FieldRef{Path: "age"}, nil)
	require.True(t, ok)
	assert.Equal(t, String, m.Value.Kind)
	assert.True(t, m.Value.Empty())

	m, ok = Resolve(data, FieldRef{Path: "weight"}, nil)
	assert.False(t, ok)
	assert.Equal(t, Missing, m.Value.Kind)
}

func TestResolve_ArraysAreNotSearched(t *testing.T) {
	data := map[string]interface{}{"rows": []interface{}{map[string]interface{}{"dose": 5}}}
	_, ok := Resolve(data, FieldRef{Path: "dose"}, nil)
	assert.False(t, ok)
}

func TestResolve_EmptyInputs(t *testing.T) {
	_, ok := Resolve(nil, FieldRef{Path: "age"}, nil)
	assert.False(t, ok)
	_, ok = Resolve(map[string]interface{}{"age": 1}, FieldRef{Path: "  "}, nil)
	assert.False(t, ok)
}

func TestValue_IsMultiValue(t *testing.T) {
	cases := map[string]bool{
		"a,b":          true,
		"1,2,3":        true,
		"1,234":        false,
		"1,234,567.5":  false,
		"3,5":          false,
		"Jan 2, 2024":  false,
		"plain":        false,
		"2024-01-02":   false,
		"yes, no, n/a": true,
	}
	for in, want := range cases {
		assert.Equal(t, want, ValueOf(in).IsMultiValue(), in)
	}
	assert.True(t, ValueOf([]interface{}{"a"}).IsMultiValue())
}

func TestValue_Empty(t *testing.T) {
	assert.True(t, ValueOf(nil).Empty())
	assert.True(t, ValueOf("  ").Empty())
	assert.True(t, ValueOf([]interface{}{}).Empty())
	assert.True(t, missing.Empty())
	assert.False(t, ValueOf(0).Empty())
	assert.False(t, ValueOf(false).Empty())
}
