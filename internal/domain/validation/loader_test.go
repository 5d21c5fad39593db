package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edc/edc/internal/platform/db"
)

func TestRulesForForm_CustomWinsOverLegacy(t *testing.T) {
	repo := newMockRepo()
	repo.rules[1] = &Rule{ID: 1, CRFID: 3, Kind: KindRequired, FieldPath: "AGE", Active: true, Severity: SeverityWarning}
	legacy := &mockLegacy{metas: map[int][]ItemMetadata{3: {
		{ID: 10, ItemID: 5, CRFVersionID: 2, Name: "age", Required: true, Regexp: `regexp: /^\d+$/`, RegexpErrorMsg: "digits only"},
		{ID: 11, ItemID: 6, CRFVersionID: 2, Name: "weight", Regexp: "func: range(1, 500)"},
		{ID: 12, ItemID: 7, CRFVersionID: 2, Name: "code", Regexp: "func: gt(5)"},
		// older version of the same item
		{ID: 9, ItemID: 5, CRFVersionID: 1, Name: "age", Required: true},
	}}}

	l := NewLoader(repo, legacy, nil, db.Capabilities{ItemMetadata: true})
	rules, err := l.RulesForForm(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, SourceCustom, rules[0].Source)
	assert.Equal(t, SeverityWarning, rules[0].Severity)

	format := rules[1]
	assert.Equal(t, SourceLegacy, format.Source)
	assert.Equal(t, KindFormat, format.Kind)
	assert.Equal(t, `/^\d+$/`, format.Pattern)
	assert.Equal(t, "digits only", format.ErrorMessage)
	assert.Equal(t, 5, *format.ItemID)
	assert.Equal(t, "item_form_metadata:10", format.SourceRef)

	rng := rules[2]
	assert.Equal(t, KindRange, rng.Kind)
	assert.Equal(t, Bound("1"), rng.MinValue)
	assert.Equal(t, Bound("500"), rng.MaxValue)
	assert.Equal(t, "weight", rng.FieldPath)
}

func TestRulesForForm_CapabilitiesGateSources(t *testing.T) {
	repo := newMockRepo()
	legacy := &mockLegacy{metas: map[int][]ItemMetadata{3: {{ID: 1, ItemID: 5, Name: "age", Required: true}}}}
	l := NewLoader(repo, legacy, nil, db.Capabilities{})

	rules, err := l.RulesForForm(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Equal(t, 0, legacy.calls)
}

func TestRulesForForm_NativeRules(t *testing.T) {
	repo := newMockRepo()
	native := &mockNative{
		names: map[string]string{"I_DEMO_AGE": "age", "I_DEMO_SEX": "sex", "I_DEMO_PREG": "pregnant"},
		rules: map[int][]NativeRule{3: {
			{
				OID:        "RULE_AGE",
				Name:       "Adult",
				Target:     "SE_VISIT.F_DEMO.IG_DEMO_UNGROUPED.I_DEMO_AGE",
				Expression: "I_DEMO_AGE gte 18 and I_DEMO_AGE lte 120",
				Message:    "Subject must be an adult",
			},
			{
				OID:         "RULE_PREG",
				Target:      "I_DEMO_PREG",
				Expression:  `I_DEMO_SEX eq "M" and I_DEMO_PREG eq "yes"`,
				EvaluatesTo: true,
			},
			{OID: "RULE_BROKEN", Target: "I_DEMO_AGE", Expression: "I_DEMO_AGE gte"},
		}},
	}
	l := NewLoader(repo, nil, native, db.Capabilities{NativeRules: true})

	rules, err := l.RulesForForm(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	adult := rules[0]
	assert.Equal(t, SourceNative, adult.Source)
	assert.Equal(t, "RULE_AGE", adult.SourceRef)
	assert.Equal(t, KindFormula, adult.Kind)
	assert.Equal(t, "age", adult.FieldPath)
	assert.Equal(t, "=AND({age} >= 18, {age} <= 120)", adult.CustomExpression)
	assert.Equal(t, "Subject must be an adult", adult.Message())

	preg := rules[1]
	assert.Equal(t, "pregnant", preg.FieldPath)
	assert.Equal(t, `=NOT(AND({sex} = "M", {pregnant} = "yes"))`, preg.CustomExpression)

	e := newTestEvaluator(t, false)
	assert.False(t, e.Apply(adult, ValueOf("17"), map[string]interface{}{"age": "17"}, nil).Valid)
	assert.True(t, e.Apply(adult, ValueOf("18"), map[string]interface{}{"age": "18"}, nil).Valid)
	assert.False(t, e.Apply(preg, ValueOf("yes"), map[string]interface{}{"sex": "M", "pregnant": "yes"}, nil).Valid)
	assert.True(t, e.Apply(preg, ValueOf("yes"), map[string]interface{}{"sex": "F", "pregnant": "yes"}, nil).Valid)
}

func TestRulesForForm_NativeSkipsCoveredPairs(t *testing.T) {
	repo := newMockRepo()
	repo.rules[1] = &Rule{ID: 1, CRFID: 3, Kind: KindFormula, FieldPath: "age", CustomExpression: "={age} > 0", Active: true}
	native := &mockNative{
		names: map[string]string{"I_AGE": "age"},
		rules: map[int][]NativeRule{3: {{OID: "R1", Target: "I_AGE", Expression: "I_AGE gt 1"}}},
	}
	l := NewLoader(repo, nil, native, db.Capabilities{NativeRules: true})
	rules, err := l.RulesForForm(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, SourceCustom, rules[0].Source)
}

func TestRulesForForm_KeepsEveryNativeRuleOnATarget(t *testing.T) {
	native := &mockNative{
		names: map[string]string{"I_AGE": "age"},
		rules: map[int][]NativeRule{3: {
			{OID: "R_MIN", Target: "I_AGE", Expression: "I_AGE gte 18"},
			{OID: "R_MAX", Target: "I_AGE", Expression: "I_AGE lte 120"},
		}},
	}
	l := NewLoader(newMockRepo(), nil, native, db.Capabilities{NativeRules: true})
	rules, err := l.RulesForForm(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "R_MIN", rules[0].SourceRef)
	assert.Equal(t, "R_MAX", rules[1].SourceRef)

	e := newTestEvaluator(t, false)
	data := map[string]interface{}{"age": "500"}
	assert.True(t, e.Apply(rules[0], ValueOf("500"), data, nil).Valid)
	assert.False(t, e.Apply(rules[1], ValueOf("500"), data, nil).Valid)
}

func TestTranslateNative(t *testing.T) {
	names := map[string]string{"I_A": "a", "I_B": "b", "I_C": "c"}
	now := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	cases := map[string]string{
		"I_A eq 1":                            "{a} = 1",
		"I_A ne 'x'":                          `{a} <> "x"`,
		`I_A ct "fever"`:                      `CONTAINS({a}, "fever")`,
		`I_A nct "fever"`:                     `NOT(CONTAINS({a}, "fever"))`,
		"(I_A eq 1 or I_B eq 2) and I_C ne 3": "AND((OR({a} = 1, {b} = 2)), {c} <> 3)",
		"I_A + I_B gt I_C * 2":                "{a} + {b} > {c} * 2",
		"I_A lte _CURRENT_DATE":               `{a} <= "2024-05-06"`,
		"SE_1.F_X.IG_Y[2].I_B GE 3":           "{b} >= 3",
		"I_UNKNOWN eq 1":                      "{I_UNKNOWN} = 1",
		"not I_A eq 1":                        "NOT({a} = 1)",
		"I_A eq 1 OR I_B eq 1 or I_C eq 1":    "OR({a} = 1, {b} = 1, {c} = 1)",
	}
	for in, want := range cases {
		got, err := translateNative(in, names, now)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "I_A eq", "(I_A eq 1", "I_A eq 1 )", `I_A eq "open`, "eq 1"} {
		_, err := translateNative(bad, names, now)
		assert.Error(t, err, bad)
	}
}
