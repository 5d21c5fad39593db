package formula

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type evaluator struct {
	current interface{}
	fields  map[string]interface{}
}

type builtin func(ev *evaluator, args []*node) (interface{}, error)

// functions is filled in init to break the eval -> functions -> eval cycle.
var functions map[string]builtin

func init() {
	functions = map[string]builtin{
		"AND":      fnAnd,
		"OR":       fnOr,
		"NOT":      fnNot,
		"IF":       fnIf,
		"ISBLANK":  fnIsBlank,
		"ISNUMBER": fnIsNumber,
		"LEN":      fnLen,
		"TRIM":     stringFn(strings.TrimSpace),
		"UPPER":    stringFn(strings.ToUpper),
		"LOWER":    stringFn(strings.ToLower),
		"EXACT":    fnExact,
		"CONTAINS": fnContains,
		"VALUE":    fnValue,
		"ABS":      fnAbs,
		"MIN":      numericFold(math.Min),
		"MAX":      numericFold(math.Max),
		"SUM":      numericFold(func(a, b float64) float64 { return a + b }),
		"ROUND":    fnRound,
	}
}

var errDivideByZero = errors.New("formula: division by zero")

func (ev *evaluator) eval(n *node) (interface{}, error) {
	switch n.kind {
	case ndLiteral:
		return n.value, nil
	case ndField:
		return ev.field(n.value.(string)), nil
	case ndNegate:
		v, err := ev.eval(n.children[0])
		if err != nil {
			return nil, err
		}
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("formula: cannot negate %q", toText(v))
		}
		return -f, nil
	case ndCall:
		fn := functions[n.value.(string)]
		return fn(ev, n.children)
	case ndBinary:
		return ev.binary(n.value.(string), n.children[0], n.children[1])
	}
	return nil, fmt.Errorf("formula: unknown node kind %d", n.kind)
}

func (ev *evaluator) field(name string) interface{} {
	if strings.EqualFold(name, "value") {
		return ev.current
	}
	if v, ok := ev.fields[name]; ok {
		return normalize(v)
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, name) {
			return normalize(ev.fields[k])
		}
	}
	return ""
}

func (ev *evaluator) binary(op string, ln, rn *node) (interface{}, error) {
	l, err := ev.eval(ln)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(rn)
	if err != nil {
		return nil, err
	}

	switch op {
	case "&":
		return toText(l) + toText(r), nil
	case "+", "-", "*", "/":
		a, okA := toNumber(l)
		b, okB := toNumber(r)
		if !okA || !okB {
			return nil, fmt.Errorf("formula: non-numeric operand for %s", op)
		}
		switch op {
		case "+":
			return a + b, nil
		case "-":
			return a - b, nil
		case "*":
			return a * b, nil
		default:
			if b == 0 {
				return nil, errDivideByZero
			}
			return a / b, nil
		}
	}

	c := compare(l, r)
	switch op {
	case "=", "==":
		return c == 0, nil
	case "<>", "!=":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case ">":
		return c > 0, nil
	case "<=":
		return c <= 0, nil
	case ">=":
		return c >= 0, nil
	}
	return nil, fmt.Errorf("formula: unknown operator %s", op)
}

// compare orders two values. Numbers compare numerically, ISO dates
// chronologically, everything else as case-insensitive text.
func compare(l, r interface{}) int {
	if a, ok := strictNumber(l); ok {
		if b, ok := strictNumber(r); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			if lb == rb {
				return 0
			}
			if !lb {
				return -1
			}
			return 1
		}
	}
	if a, ok := toTime(l); ok {
		if b, ok := toTime(r); ok {
			return a.Compare(b)
		}
	}
	return strings.Compare(strings.ToLower(toText(l)), strings.ToLower(toText(r)))
}

// ============================================================================
// Built-in functions
// ============================================================================

func fnAnd(ev *evaluator, args []*node) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("formula: AND requires at least one argument")
	}
	for _, a := range args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func fnOr(ev *evaluator, args []*node) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("formula: OR requires at least one argument")
	}
	for _, a := range args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func fnNot(ev *evaluator, args []*node) (interface{}, error) {
	if len(args) != 1 {
		return nil, errors.New("formula: NOT takes exactly one argument")
	}
	v, err := ev.eval(args[0])
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

// fnIf evaluates only the selected branch. A false condition without an else
// branch yields nil, which callers treat as "no opinion".
func fnIf(ev *evaluator, args []*node) (interface{}, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, errors.New("formula: IF takes two or three arguments")
	}
	cond, err := ev.eval(args[0])
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return ev.eval(args[1])
	}
	if len(args) == 3 {
		return ev.eval(args[2])
	}
	return nil, nil
}

func fnIsBlank(ev *evaluator, args []*node) (interface{}, error) {
	v, err := ev.single("ISBLANK", args)
	if err != nil {
		return nil, err
	}
	return v == nil || strings.TrimSpace(toText(v)) == "", nil
}

func fnIsNumber(ev *evaluator, args []*node) (interface{}, error) {
	v, err := ev.single("ISNUMBER", args)
	if err != nil {
		return nil, err
	}
	_, ok := strictNumber(v)
	return ok, nil
}

func fnLen(ev *evaluator, args []*node) (interface{}, error) {
	v, err := ev.single("LEN", args)
	if err != nil {
		return nil, err
	}
	return float64(len([]rune(toText(v)))), nil
}

func stringFn(f func(string) string) builtin {
	return func(ev *evaluator, args []*node) (interface{}, error) {
		v, err := ev.single("text function", args)
		if err != nil {
			return nil, err
		}
		return f(toText(v)), nil
	}
}

func fnExact(ev *evaluator, args []*node) (interface{}, error) {
	vals, err := ev.evalAll(args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, errors.New("formula: EXACT takes two arguments")
	}
	return toText(vals[0]) == toText(vals[1]), nil
}

func fnContains(ev *evaluator, args []*node) (interface{}, error) {
	vals, err := ev.evalAll(args)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, errors.New("formula: CONTAINS takes two arguments")
	}
	return strings.Contains(strings.ToLower(toText(vals[0])), strings.ToLower(toText(vals[1]))), nil
}

func fnValue(ev *evaluator, args []*node) (interface{}, error) {
	v, err := ev.single("VALUE", args)
	if err != nil {
		return nil, err
	}
	f, ok := strictNumber(v)
	if !ok {
		return nil, fmt.Errorf("formula: VALUE cannot convert %q", toText(v))
	}
	return f, nil
}

func fnAbs(ev *evaluator, args []*node) (interface{}, error) {
	v, err := ev.single("ABS", args)
	if err != nil {
		return nil, err
	}
	f, ok := toNumber(v)
	if !ok {
		return nil, fmt.Errorf("formula: ABS cannot convert %q", toText(v))
	}
	return math.Abs(f), nil
}

func fnRound(ev *evaluator, args []*node) (interface{}, error) {
	vals, err := ev.evalAll(args)
	if err != nil {
		return nil, err
	}
	if len(vals) < 1 || len(vals) > 2 {
		return nil, errors.New("formula: ROUND takes one or two arguments")
	}
	f, ok := toNumber(vals[0])
	if !ok {
		return nil, fmt.Errorf("formula: ROUND cannot convert %q", toText(vals[0]))
	}
	digits := 0.0
	if len(vals) == 2 {
		if digits, ok = toNumber(vals[1]); !ok {
			return nil, errors.New("formula: ROUND digits must be numeric")
		}
	}
	scale := math.Pow(10, math.Trunc(digits))
	return math.Round(f*scale) / scale, nil
}

func numericFold(f func(a, b float64) float64) builtin {
	return func(ev *evaluator, args []*node) (interface{}, error) {
		vals, err := ev.evalAll(args)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, errors.New("formula: numeric function requires arguments")
		}
		var acc float64
		for i, v := range vals {
			n, ok := toNumber(v)
			if !ok {
				return nil, fmt.Errorf("formula: non-numeric argument %q", toText(v))
			}
			if i == 0 {
				acc = n
				continue
			}
			acc = f(acc, n)
		}
		return acc, nil
	}
}

func (ev *evaluator) single(name string, args []*node) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("formula: %s takes exactly one argument", name)
	}
	return ev.eval(args[0])
}

func (ev *evaluator) evalAll(args []*node) ([]interface{}, error) {
	out := make([]interface{}, 0, len(args))
	for _, a := range args {
		v, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ============================================================================
// Coercion
// ============================================================================

// normalize maps arbitrary decoded JSON values onto the formula value space:
// float64, string, bool or nil. Lists are joined with commas.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return ""
	case string, bool, float64:
		return t
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, toText(normalize(item)))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	}
	return fmt.Sprint(v)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "", "false", "no":
			return false
		case "true", "yes":
			return true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f != 0
		}
		return true
	}
	return true
}

// strictNumber converts numbers and numeric strings. Empty strings are not numbers.
func strictNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// toNumber is the arithmetic coercion: blanks count as zero, booleans as 0/1.
func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, true
		}
	}
	return strictNumber(v)
}

func toText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}

func toTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
