package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edc/edc/internal/platform/db"
)

// Loader assembles the rule set of a form from the custom rule table, legacy
// item metadata and the native rule engine. Custom rules win: a legacy or
// native rule whose (field path, kind) pair is already covered is skipped.
type Loader struct {
	repo   Repository
	legacy LegacySource
	native NativeSource
	caps   db.Capabilities
	logger zerolog.Logger
	now    func() time.Time
}

// NewLoader wires the rule sources. Sources whose tables were not detected
// at startup are never queried.
func NewLoader(repo Repository, legacy LegacySource, native NativeSource, caps db.Capabilities) *Loader {
	return &Loader{repo: repo, legacy: legacy, native: native, caps: caps, logger: zerolog.Nop(), now: time.Now}
}

func (l *Loader) SetLogger(logger zerolog.Logger) { l.logger = logger }

// RulesForForm returns the merged rules of a form, custom rules first.
// Inactive custom rules are included; callers filter on Active.
func (l *Loader) RulesForForm(ctx context.Context, crfID int) ([]*Rule, error) {
	custom, err := l.repo.ListByForm(ctx, crfID)
	if err != nil {
		return nil, fmt.Errorf("load custom rules: %w", err)
	}
	rules := make([]*Rule, 0, len(custom))
	customKeys := make(map[string]bool, len(custom))
	for _, r := range custom {
		r.Source = SourceCustom
		rules = append(rules, r)
		customKeys[r.key()] = true
	}

	add := func(r *Rule) {
		if customKeys[r.key()] {
			return
		}
		rules = append(rules, r)
	}

	if l.caps.ItemMetadata && l.legacy != nil {
		metas, err := l.legacy.ItemMetadata(ctx, crfID)
		if err != nil {
			return nil, fmt.Errorf("load item metadata: %w", err)
		}
		// An item repeated across form versions contributes each kind once.
		legacyKeys := make(map[string]bool)
		for _, m := range metas {
			for _, r := range l.legacyRules(crfID, m) {
				if legacyKeys[r.key()] {
					continue
				}
				legacyKeys[r.key()] = true
				add(r)
			}
		}
	}

	if l.caps.NativeRules && l.native != nil {
		natives, err := l.native.NativeRules(ctx, crfID)
		if err != nil {
			return nil, fmt.Errorf("load native rules: %w", err)
		}
		if len(natives) > 0 {
			names, err := l.native.ItemNamesByOID(ctx)
			if err != nil {
				return nil, fmt.Errorf("load item names: %w", err)
			}
			for _, n := range natives {
				r, err := l.nativeRule(crfID, n, names)
				if err != nil {
					l.logger.Debug().Err(err).Str("rule_oid", n.OID).Msg("skipping native rule")
					continue
				}
				add(r)
			}
		}
	}
	return rules, nil
}

var (
	regexpPrefix = regexp.MustCompile(`(?i)^regexp:\s*`)
	funcRange    = regexp.MustCompile(`(?i)^func:\s*range\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)$`)
	funcPrefix   = regexp.MustCompile(`(?i)^func:`)
)

// legacyRules derives the implicit rules of one item: "required" from the
// required flag and "format" or "range" from the regexp column, which holds
// a bare pattern, "regexp: /.../" or "func: range(a,b)".
func (l *Loader) legacyRules(crfID int, m ItemMetadata) []*Rule {
	itemID, versionID := m.ItemID, m.CRFVersionID
	base := func(kind Kind) *Rule {
		return &Rule{
			CRFID:        crfID,
			CRFVersionID: &versionID,
			ItemID:       &itemID,
			Name:         fmt.Sprintf("%s %s", m.Name, kind),
			Kind:         kind,
			FieldPath:    m.Name,
			Severity:     SeverityError,
			Active:       true,
			Source:       SourceLegacy,
			SourceRef:    fmt.Sprintf("item_form_metadata:%d", m.ID),
		}
	}

	var out []*Rule
	if m.Required {
		r := base(KindRequired)
		r.ErrorMessage = fmt.Sprintf("%s is required", m.Name)
		out = append(out, r)
	}

	expr := strings.TrimSpace(m.Regexp)
	switch {
	case expr == "":
	case funcRange.MatchString(expr):
		parts := funcRange.FindStringSubmatch(expr)
		r := base(KindRange)
		r.MinValue, r.MaxValue = Bound(parts[1]), Bound(parts[2])
		r.ErrorMessage = m.RegexpErrorMsg
		if r.ErrorMessage == "" {
			r.ErrorMessage = fmt.Sprintf("%s must be between %s and %s", m.Name, parts[1], parts[2])
		}
		out = append(out, r)
	case funcPrefix.MatchString(expr):
		l.logger.Debug().Str("item", m.Name).Str("expression", expr).Msg("ignoring unsupported legacy function")
	default:
		r := base(KindFormat)
		r.Pattern = regexpPrefix.ReplaceAllString(expr, "")
		r.ErrorMessage = m.RegexpErrorMsg
		if r.ErrorMessage == "" {
			r.ErrorMessage = fmt.Sprintf("%s has an invalid format", m.Name)
		}
		out = append(out, r)
	}
	return out
}

// nativeRule converts a native rule into a formula rule on its target item.
// The native action fires when the expression evaluates to EvaluatesTo, so
// a rule that fires on true describes the failure and is negated.
func (l *Loader) nativeRule(crfID int, n NativeRule, names map[string]string) (*Rule, error) {
	target := itemName(n.Target, names)
	if target == "" {
		return nil, fmt.Errorf("native rule has no target")
	}
	expr, err := translateNative(n.Expression, names, l.now())
	if err != nil {
		return nil, err
	}
	if n.EvaluatesTo {
		expr = "NOT(" + expr + ")"
	}
	name := n.Name
	if name == "" {
		name = n.OID
	}
	msg := n.Message
	if msg == "" {
		msg = n.Description
	}
	return &Rule{
		CRFID:            crfID,
		Name:             name,
		Description:      n.Description,
		Kind:             KindFormula,
		FieldPath:        target,
		Severity:         SeverityError,
		ErrorMessage:     msg,
		Active:           true,
		CustomExpression: "=" + expr,
		Source:           SourceNative,
		SourceRef:        n.OID,
	}, nil
}

// itemName maps an item OID, possibly qualified by event, form and group
// OIDs, to the item's name. Unknown OIDs are returned as-is.
func itemName(ref string, names map[string]string) string {
	oid := lastSegment(strings.TrimSpace(ref))
	if i := strings.Index(oid, "["); i >= 0 {
		oid = oid[:i]
	}
	if name, ok := names[oid]; ok {
		return name
	}
	if name, ok := names[strings.ToUpper(oid)]; ok {
		return name
	}
	return oid
}

var nativeOperators = map[string]string{
	"eq": "=", "ne": "<>", "gt": ">", "gte": ">=", "ge": ">=", "lt": "<", "lte": "<=", "le": "<=",
}

var arithmetic = map[string]bool{"+": true, "-": true, "*": true, "/": true}

// translateNative rewrites a native expression such as
// "I_AGE gte 18 and I_AGE lte 120" into formula syntax:
// AND({age} >= 18, {age} <= 120).
func translateNative(expr string, names map[string]string, now time.Time) (string, error) {
	toks, err := nativeTokens(expr)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return "", fmt.Errorf("empty native expression")
	}
	p := &nativeParser{toks: toks, names: names, today: now.Format("2006-01-02")}
	out, err := p.or()
	if err != nil {
		return "", err
	}
	if p.pos < len(p.toks) {
		return "", fmt.Errorf("unexpected %q in native expression", p.toks[p.pos])
	}
	return out, nil
}

func nativeTokens(expr string) ([]string, error) {
	var (
		toks []string
		cur  strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			flush()
			j := i + 1
			for j < len(runes) && runes[j] != r {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string in native expression")
			}
			toks = append(toks, `"`+strings.ReplaceAll(string(runes[i+1:j]), `"`, `""`)+`"`)
			i = j
		case r == '(' || r == ')':
			flush()
			toks = append(toks, string(r))
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks, nil
}

type nativeParser struct {
	toks  []string
	pos   int
	names map[string]string
	today string
}

func (p *nativeParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *nativeParser) next() (string, error) {
	if p.pos >= len(p.toks) {
		return "", fmt.Errorf("unexpected end of native expression")
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *nativeParser) or() (string, error) {
	return p.joined("or", "OR", p.and)
}

func (p *nativeParser) and() (string, error) {
	return p.joined("and", "AND", p.comparison)
}

func (p *nativeParser) joined(word, fn string, sub func() (string, error)) (string, error) {
	first, err := sub()
	if err != nil {
		return "", err
	}
	terms := []string{first}
	for strings.EqualFold(p.peek(), word) {
		p.pos++
		t, err := sub()
		if err != nil {
			return "", err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return fn + "(" + strings.Join(terms, ", ") + ")", nil
}

func (p *nativeParser) comparison() (string, error) {
	left, err := p.arith()
	if err != nil {
		return "", err
	}
	op := strings.ToLower(p.peek())
	switch {
	case op == "ct" || op == "nct":
		p.pos++
		right, err := p.arith()
		if err != nil {
			return "", err
		}
		out := "CONTAINS(" + left + ", " + right + ")"
		if op == "nct" {
			out = "NOT(" + out + ")"
		}
		return out, nil
	case nativeOperators[op] != "":
		p.pos++
		right, err := p.arith()
		if err != nil {
			return "", err
		}
		return left + " " + nativeOperators[op] + " " + right, nil
	}
	return left, nil
}

func (p *nativeParser) arith() (string, error) {
	left, err := p.operand()
	if err != nil {
		return "", err
	}
	for arithmetic[p.peek()] {
		op, _ := p.next()
		right, err := p.operand()
		if err != nil {
			return "", err
		}
		left = left + " " + op + " " + right
	}
	return left, nil
}

var nativeNumber = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

func (p *nativeParser) operand() (string, error) {
	t, err := p.next()
	if err != nil {
		return "", err
	}
	switch {
	case t == "(":
		inner, err := p.or()
		if err != nil {
			return "", err
		}
		if closing, err := p.next(); err != nil || closing != ")" {
			return "", fmt.Errorf("unbalanced parentheses in native expression")
		}
		return "(" + inner + ")", nil
	case strings.EqualFold(t, "not"):
		inner, err := p.comparison()
		if err != nil {
			return "", err
		}
		return "NOT(" + inner + ")", nil
	case strings.HasPrefix(t, `"`), nativeNumber.MatchString(t):
		return t, nil
	case strings.EqualFold(t, "_CURRENT_DATE"):
		return `"` + p.today + `"`, nil
	case t == ")" || nativeOperators[strings.ToLower(t)] != "" || arithmetic[t]:
		return "", fmt.Errorf("unexpected %q in native expression", t)
	}
	return "{" + itemName(t, p.names) + "}", nil
}
