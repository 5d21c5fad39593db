package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_AgeRange(t *testing.T) {
	e := NewEngine()
	expr := "=AND({age}>=18, {age}<=120)"

	out, err := e.Evaluate(expr, nil, map[string]interface{}{"age": 17})
	require.NoError(t, err)
	assert.Equal(t, Invalid, out)

	out, err = e.Evaluate(expr, nil, map[string]interface{}{"age": 18})
	require.NoError(t, err)
	assert.Equal(t, Valid, out)

	out, err = e.Evaluate(expr, nil, map[string]interface{}{"age": "121"})
	require.NoError(t, err)
	assert.Equal(t, Invalid, out)
}

func TestEvaluate_CurrentValue(t *testing.T) {
	e := NewEngine()

	out, err := e.Evaluate("={value} > 10", "12", nil)
	require.NoError(t, err)
	assert.Equal(t, Valid, out)

	out, err = e.Evaluate("={VALUE} > 10", 9, nil)
	require.NoError(t, err)
	assert.Equal(t, Invalid, out)
}

func TestEvaluate_FieldLookupIsCaseInsensitive(t *testing.T) {
	e := NewEngine()
	out, err := e.Evaluate("={Weight} < 500", nil, map[string]interface{}{"weight": 80.5})
	require.NoError(t, err)
	assert.Equal(t, Valid, out)
}

func TestEvaluate_MissingFieldIsBlank(t *testing.T) {
	e := NewEngine()
	out, err := e.Evaluate("=ISBLANK({nothing})", nil, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, Valid, out)
}

func TestEvaluate_IfWithoutElseIsIndeterminate(t *testing.T) {
	e := NewEngine()
	out, err := e.Evaluate(`=IF({sex}="M", {pregnant}<>"yes")`, nil, map[string]interface{}{"sex": "F"})
	require.NoError(t, err)
	assert.Equal(t, Indeterminate, out)

	out, err = e.Evaluate(`=IF({sex}="M", {pregnant}<>"yes")`, nil, map[string]interface{}{"sex": "M", "pregnant": "yes"})
	require.NoError(t, err)
	assert.Equal(t, Invalid, out)
}

func TestEvaluate_IfIsLazy(t *testing.T) {
	e := NewEngine()
	// the else branch would divide by zero if evaluated
	out, err := e.Evaluate("=IF(TRUE, 1, 1/0)", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Valid, out)
}

func TestEvaluate_StringResults(t *testing.T) {
	e := NewEngine()
	cases := map[string]Outcome{
		`="yes"`:   Valid,
		`="No"`:    Invalid,
		`="FALSE"`: Invalid,
		`="ok"`:    Valid,
		`=0`:       Invalid,
		`=2-1`:     Valid,
	}
	for expr, want := range cases {
		out, err := e.Evaluate(expr, nil, nil)
		require.NoError(t, err, expr)
		assert.Equal(t, want, out, expr)
	}
}

func TestCompute_Functions(t *testing.T) {
	e := NewEngine()
	fields := map[string]interface{}{"first": "  Ada ", "last": "Lovelace", "a": 3, "b": 4}

	cases := []struct {
		expr string
		want interface{}
	}{
		{"=TRIM({first}) & \" \" & UPPER({last})", "Ada LOVELACE"},
		{"=LEN({last})", 8.0},
		{"=SUM({a}, {b}, 1)", 8.0},
		{"=MAX({a}, {b})", 4.0},
		{"=MIN({a}, {b})", 3.0},
		{"=ROUND(2.346, 2)", 2.35},
		{"=ABS(-{a})", 3.0},
		{"={a} + {b} * 2", 11.0},
		{"=({a} + {b}) * 2", 14.0},
		{"=CONTAINS({last}, \"love\")", true},
		{"=EXACT({last}, \"lovelace\")", false},
		{"=VALUE(\"42\") = 42", true},
		{"=ISNUMBER({first})", false},
		{"=OR({a} > 5, {b} > 3)", true},
		{"=NOT({a} = 3)", false},
	}
	for _, c := range cases {
		got, err := e.Compute(c.expr, nil, fields)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestCompute_DateComparison(t *testing.T) {
	e := NewEngine()
	got, err := e.Compute("={visit} >= {consent}", nil, map[string]interface{}{
		"visit":   "2024-03-01",
		"consent": "2024-02-15T10:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestCompute_Errors(t *testing.T) {
	e := NewEngine()

	_, err := e.Compute("=1/0", nil, nil)
	assert.ErrorIs(t, err, errDivideByZero)

	_, err = e.Compute(`="abc" * 2`, nil, nil)
	assert.Error(t, err)
}

func TestParse_SyntaxErrors(t *testing.T) {
	e := NewEngine()
	bad := []string{
		"=AND({age}>=18, {age}<=120",
		"=({a} + 1",
		"=",
		"=FOO(1)",
		"={unterminated",
		`="open`,
		"=1 +",
		"=1 ! 2",
		"=bare",
		"=1 2",
	}
	for _, expr := range bad {
		err := e.Check(expr)
		var syn *SyntaxError
		assert.ErrorAs(t, err, &syn, expr)
	}
}

func TestParse_CachesAST(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Check("={a} > 1"))
	_, ok := e.cache.Load("{a} > 1")
	assert.True(t, ok)
}

func TestIsFormula(t *testing.T) {
	assert.True(t, IsFormula(" =1"))
	assert.False(t, IsFormula("AND(1)"))
}
