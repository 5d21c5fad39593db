// Package formula interprets the restricted spreadsheet-style formulas used by
// form validation rules, e.g. =AND({age}>=18, {age}<=120).
//
// Field references are written as {name}. {value} and {VALUE} refer to the
// value currently under test; any other name is looked up in the sibling field
// map and resolves to the empty string when absent.
package formula

import (
	"fmt"
	"strings"
	"sync"
)

// Outcome is the trivalent result of evaluating a formula as a validation check.
type Outcome int

const (
	Indeterminate Outcome = iota
	Valid
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "indeterminate"
	}
}

// SyntaxError reports a formula that could not be tokenized or parsed.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula: %s at position %d", e.Msg, e.Pos)
}

// Engine evaluates formulas. Parsed expressions are cached, so a single Engine
// should be shared for the lifetime of the process.
type Engine struct {
	cache sync.Map // normalized expression -> *node
}

// NewEngine creates a formula engine with an empty parse cache.
func NewEngine() *Engine {
	return &Engine{}
}

// IsFormula reports whether s carries the leading formula marker.
func IsFormula(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "=")
}

// Evaluate computes expr and converts the result into an Outcome:
//   - bool                      → Valid / Invalid
//   - number                    → 0 is Invalid, anything else Valid
//   - "true"/"yes", "false"/"no" (any case) → Valid / Invalid
//   - nil                       → Indeterminate
//   - any other value           → Valid
func (e *Engine) Evaluate(expr string, current interface{}, fields map[string]interface{}) (Outcome, error) {
	res, err := e.Compute(expr, current, fields)
	if err != nil {
		return Indeterminate, err
	}
	return toOutcome(res), nil
}

// Compute evaluates expr and returns the raw result (float64, string, bool or nil).
func (e *Engine) Compute(expr string, current interface{}, fields map[string]interface{}) (interface{}, error) {
	ast, err := e.parse(expr)
	if err != nil {
		return nil, err
	}
	ev := &evaluator{current: normalize(current), fields: fields}
	return ev.eval(ast)
}

// Check parses expr without evaluating it.
func (e *Engine) Check(expr string) error {
	_, err := e.parse(expr)
	return err
}

func (e *Engine) parse(expr string) (*node, error) {
	src := strings.TrimSpace(expr)
	src = strings.TrimPrefix(src, "=")
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Pos: 0, Msg: "empty formula"}
	}
	if cached, ok := e.cache.Load(src); ok {
		return cached.(*node), nil
	}

	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	ast, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.value)}
	}
	e.cache.Store(src, ast)
	return ast, nil
}

func toOutcome(v interface{}) Outcome {
	switch t := v.(type) {
	case nil:
		return Indeterminate
	case bool:
		if t {
			return Valid
		}
		return Invalid
	case float64:
		if t == 0 {
			return Invalid
		}
		return Valid
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes":
			return Valid
		case "false", "no":
			return Invalid
		}
		return Valid
	}
	return Valid
}
