package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds the work a single expression may do.
const celCostLimit = 10000

// celEvaluator runs business_logic and cross_form expressions that the
// formula interpreter cannot decide. Expressions see only two variables,
// value and fields; there is no I/O and no access to process state.
type celEvaluator struct {
	env   *cel.Env
	cache sync.Map // expression -> cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &celEvaluator{env: env}, nil
}

func (c *celEvaluator) program(expr string) (cel.Program, error) {
	if cached, ok := c.cache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("expression must produce a bool, got %s", t)
	}
	prg, err := c.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, err
	}
	c.cache.Store(expr, prg)
	return prg, nil
}

// Evaluate runs expr and reports whether the data is valid. A leading "="
// is ignored so that one expression can be tried by both engines.
func (c *celEvaluator) Evaluate(expr string, current interface{}, fields map[string]interface{}) (bool, error) {
	expr = strings.TrimPrefix(strings.TrimSpace(expr), "=")
	if strings.TrimSpace(expr) == "" {
		return false, errors.New("expression required")
	}
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{"value": current, "fields": fields})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression produced %T, want bool", out.Value())
	}
	return b, nil
}
