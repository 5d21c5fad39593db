package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edc/edc/internal/platform/formats"
	"github.com/edc/edc/internal/platform/formula"
	"github.com/edc/edc/internal/platform/metrics"
)

// Verdict is the result of applying one rule. ConfigErr is set when the rule
// itself is broken; such rules pass (fail open) so that a bad rule never
// blocks data entry.
type Verdict struct {
	Valid     bool
	ConfigErr error
}

var pass = Verdict{Valid: true}

func fail() Verdict { return Verdict{} }

func configError(format string, args ...interface{}) Verdict {
	return Verdict{Valid: true, ConfigErr: fmt.Errorf(format, args...)}
}

// Evaluator applies rules to values. It is safe for concurrent use.
type Evaluator struct {
	formats *formats.Registry
	formula *formula.Engine
	cel     *celEvaluator
	metrics *metrics.Metrics
	logger  zerolog.Logger

	patterns sync.Map // pattern -> *regexp.Regexp
}

// NewEvaluator creates an evaluator. When celFallback is false,
// business_logic and cross_form rules are decided by the formula
// interpreter alone.
func NewEvaluator(reg *formats.Registry, celFallback bool) (*Evaluator, error) {
	e := &Evaluator{formats: reg, formula: formula.NewEngine(), logger: zerolog.Nop()}
	if celFallback {
		c, err := newCELEvaluator()
		if err != nil {
			return nil, err
		}
		e.cel = c
	}
	return e, nil
}

func (e *Evaluator) SetLogger(l zerolog.Logger) { e.logger = l }

func (e *Evaluator) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Apply checks v against r. all holds every submitted field and is used by
// consistency rules and formula field references.
func (e *Evaluator) Apply(r *Rule, v Value, all map[string]interface{}, ids FieldIDMap) Verdict {
	verdict := e.apply(r, v, all, ids)
	if verdict.ConfigErr != nil {
		e.logger.Warn().Err(verdict.ConfigErr).
			Int("rule_id", r.ID).
			Str("kind", string(r.Kind)).
			Str("field_path", r.FieldPath).
			Str("expression", ruleExpression(r)).
			Msg("rule configuration error, treating value as valid")
		e.metrics.RuleConfigError(string(r.Kind))
	}
	return verdict
}

func (e *Evaluator) apply(r *Rule, v Value, all map[string]interface{}, ids FieldIDMap) Verdict {
	if v.Empty() {
		if r.Kind == KindRequired {
			return fail()
		}
		return pass
	}

	switch r.Kind {
	case KindRequired:
		return pass
	case KindRange:
		if v.IsMultiValue() {
			return pass
		}
		return e.checkRange(r, v)
	case KindFormat:
		if v.IsMultiValue() {
			return pass
		}
		return e.checkFormat(r, v, all)
	case KindConsistency:
		return e.checkConsistency(r, v, all, ids)
	case KindFormula:
		return e.checkFormula(r, v, all, false)
	case KindBusinessLogic, KindCrossForm:
		return e.checkFormula(r, v, all, true)
	}
	return configError("unknown rule kind %q", r.Kind)
}

// checkRange compares dates when the value starts with YYYY-MM-DD and
// numbers otherwise. Bounds are inclusive.
func (e *Evaluator) checkRange(r *Rule, v Value) Verdict {
	if r.MinValue == "" && r.MaxValue == "" {
		return configError("range rule has no bounds")
	}

	if v.Kind == String && looksLikeDate(v.Str) {
		got, ok := dateOf(v.Str)
		if !ok {
			return fail()
		}
		if r.MinValue != "" {
			lo, ok := dateOf(string(r.MinValue))
			if !ok {
				return configError("min %q is not a date", r.MinValue)
			}
			if got.Before(lo) {
				return fail()
			}
		}
		if r.MaxValue != "" {
			hi, ok := dateOf(string(r.MaxValue))
			if !ok {
				return configError("max %q is not a date", r.MaxValue)
			}
			if got.After(hi) {
				return fail()
			}
		}
		return pass
	}

	n, ok := v.Number()
	if !ok {
		return fail()
	}
	if r.MinValue != "" {
		lo, err := strconv.ParseFloat(strings.TrimSpace(string(r.MinValue)), 64)
		if err != nil {
			return configError("min %q is not a number", r.MinValue)
		}
		if n < lo {
			return fail()
		}
	}
	if r.MaxValue != "" {
		hi, err := strconv.ParseFloat(strings.TrimSpace(string(r.MaxValue)), 64)
		if err != nil {
			return configError("max %q is not a number", r.MaxValue)
		}
		if n > hi {
			return fail()
		}
	}
	return pass
}

// checkFormat prefers the registered format over the rule's own pattern.
// A pattern that starts with "=" is a formula.
func (e *Evaluator) checkFormat(r *Rule, v Value, all map[string]interface{}) Verdict {
	if r.FormatType != "" {
		if re, ok := e.formats.Regexp(r.FormatType); ok {
			return verdictOf(re.MatchString(v.Text()))
		}
		if r.Pattern == "" {
			return configError("unknown format type %q", r.FormatType)
		}
	}
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" {
		return configError("format rule has no pattern")
	}
	if formula.IsFormula(pattern) {
		out, err := e.formula.Evaluate(pattern, v.Interface(), all)
		if err != nil {
			return configError("format formula: %w", err)
		}
		return verdictOf(out != formula.Invalid)
	}
	re, err := e.compile(pattern)
	if err != nil {
		return configError("format pattern: %w", err)
	}
	return verdictOf(re.MatchString(v.Text()))
}

func (e *Evaluator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(unwrapPattern(pattern))
	if err != nil {
		return nil, err
	}
	e.patterns.Store(pattern, re)
	return re, nil
}

var slashPattern = regexp.MustCompile(`^/(.*)/([a-z]*)$`)

// unwrapPattern turns a /body/flags literal into Go syntax. Only the i, m
// and s flags have an equivalent; the rest are dropped.
func unwrapPattern(p string) string {
	m := slashPattern.FindStringSubmatch(strings.TrimSpace(p))
	if m == nil {
		return p
	}
	var flags string
	for _, f := range m[2] {
		if strings.ContainsRune("ims", f) && !strings.ContainsRune(flags, f) {
			flags += string(f)
		}
	}
	if flags == "" {
		return m[1]
	}
	return "(?" + flags + ")" + m[1]
}

// checkConsistency compares the value against another field. A comparison
// field that is missing or empty cannot be judged and passes.
func (e *Evaluator) checkConsistency(r *Rule, v Value, all map[string]interface{}, ids FieldIDMap) Verdict {
	if r.CompareFieldPath == "" {
		return configError("consistency rule has no compare field")
	}
	other, ok := Resolve(all, FieldRef{Path: r.CompareFieldPath}, ids)
	if !ok || other.Value.Empty() {
		return pass
	}
	res, err := compareValues(v, other.Value, r.Operator)
	if err != nil {
		return configError("consistency: %w", err)
	}
	return verdictOf(res)
}

var errUnknownOperator = errors.New("unknown operator")

func compareValues(a, b Value, op string) (bool, error) {
	switch op {
	case "===":
		return a.Kind == b.Kind && order(a, b) == 0, nil
	case "!==":
		return !(a.Kind == b.Kind && order(a, b) == 0), nil
	case "==", "=":
		return order(a, b) == 0, nil
	case "!=", "<>":
		return order(a, b) != 0, nil
	case ">":
		return order(a, b) > 0, nil
	case "<":
		return order(a, b) < 0, nil
	case ">=":
		return order(a, b) >= 0, nil
	case "<=":
		return order(a, b) <= 0, nil
	}
	return false, fmt.Errorf("%w %q", errUnknownOperator, op)
}

// order compares as timestamps when both sides are dates, as numbers when
// both are numeric and as case-sensitive text otherwise.
func order(a, b Value) int {
	as, bs := a.Text(), b.Text()
	if looksLikeDate(as) && looksLikeDate(bs) {
		if at, ok := dateOf(as); ok {
			if bt, ok := dateOf(bs); ok {
				return at.Compare(bt)
			}
		}
	}
	if an, ok := a.Number(); ok {
		if bn, ok := b.Number(); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(as, bs)
}

// checkFormula evaluates the rule expression with the formula interpreter.
// When secondary is set and the interpreter cannot decide, the CEL
// evaluator gets a turn. Anything still undecided passes.
func (e *Evaluator) checkFormula(r *Rule, v Value, all map[string]interface{}, secondary bool) Verdict {
	expr := strings.TrimSpace(r.CustomExpression)
	if expr == "" && r.Kind == KindFormula && formula.IsFormula(r.Pattern) {
		expr = strings.TrimSpace(r.Pattern)
	}
	if expr == "" {
		return configError("%s rule has no expression", r.Kind)
	}

	var (
		formulaErr    error
		indeterminate bool
	)
	if formula.IsFormula(expr) || !secondary || e.cel == nil {
		src := expr
		if !formula.IsFormula(src) {
			src = "=" + src
		}
		out, err := e.formula.Evaluate(src, v.Interface(), all)
		switch {
		case err != nil:
			formulaErr = err
		case out == formula.Valid:
			return pass
		case out == formula.Invalid:
			return fail()
		default:
			indeterminate = true
		}
	}

	if secondary && e.cel != nil {
		ok, err := e.cel.Evaluate(expr, v.Interface(), all)
		switch {
		case err == nil:
			return verdictOf(ok)
		case indeterminate:
			return pass
		case formulaErr != nil:
			return configError("expression: formula: %v; cel: %w", formulaErr, err)
		}
		return configError("expression: %w", err)
	}
	if formulaErr != nil {
		return configError("formula: %w", formulaErr)
	}
	return pass
}

func verdictOf(valid bool) Verdict {
	if valid {
		return pass
	}
	return fail()
}

func ruleExpression(r *Rule) string {
	switch {
	case r.CustomExpression != "":
		return r.CustomExpression
	case r.FormatType != "":
		return "format:" + r.FormatType
	case r.Pattern != "":
		return r.Pattern
	case r.Operator != "":
		return r.Operator + " " + r.CompareFieldPath
	}
	return ""
}

// Formats returns the registry format rules are checked against.
func (e *Evaluator) Formats() *formats.Registry { return e.formats }

// ErrInvalidRule wraps every definition problem reported by Check.
var ErrInvalidRule = errors.New("invalid rule")

func invalidRule(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Check validates a rule definition before it is stored. Evaluation still
// fails open on anything Check lets through.
func (e *Evaluator) Check(r *Rule) error {
	if !r.Kind.Valid() {
		return invalidRule("unknown rule type %q", r.Kind)
	}
	switch r.Kind {
	case KindRange:
		if r.MinValue == "" && r.MaxValue == "" {
			return invalidRule("range rule needs minValue or maxValue")
		}
		for _, b := range []Bound{r.MinValue, r.MaxValue} {
			if b == "" {
				continue
			}
			if _, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64); err == nil {
				continue
			}
			if _, ok := dateOf(string(b)); !ok {
				return invalidRule("bound %q is neither a number nor a date", b)
			}
		}
	case KindFormat:
		if r.FormatType != "" {
			if _, ok := e.formats.Lookup(r.FormatType); ok {
				return nil
			}
			if r.Pattern == "" {
				return invalidRule("unknown format type %q", r.FormatType)
			}
		}
		pattern := strings.TrimSpace(r.Pattern)
		switch {
		case pattern == "":
			return invalidRule("format rule needs pattern or formatType")
		case formula.IsFormula(pattern):
			if err := e.formula.Check(pattern); err != nil {
				return invalidRule("pattern: %v", err)
			}
		default:
			if _, err := regexp.Compile(unwrapPattern(pattern)); err != nil {
				return invalidRule("pattern: %v", err)
			}
		}
	case KindConsistency:
		if r.CompareFieldPath == "" || r.Operator == "" {
			return invalidRule("consistency rule needs operator and compareFieldPath")
		}
		if _, err := compareValues(missing, missing, r.Operator); err != nil {
			return invalidRule("%v", err)
		}
	case KindFormula, KindBusinessLogic, KindCrossForm:
		expr := strings.TrimSpace(r.CustomExpression)
		if expr == "" {
			return invalidRule("%s rule needs customExpression", r.Kind)
		}
		if formula.IsFormula(expr) {
			if err := e.formula.Check(expr); err != nil {
				return invalidRule("customExpression: %v", err)
			}
			return nil
		}
		if r.Kind == KindFormula {
			if err := e.formula.Check("=" + expr); err != nil {
				return invalidRule("customExpression: %v", err)
			}
			return nil
		}
		if e.cel != nil {
			if _, err := e.cel.program(expr); err != nil {
				return invalidRule("customExpression: %v", err)
			}
		} else if err := e.formula.Check("=" + expr); err != nil {
			return invalidRule("customExpression: %v", err)
		}
	}
	return nil
}
