package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the shape of a submitted form value.
type ValueKind int

const (
	Missing ValueKind = iota
	Null
	String
	Number
	Bool
	List
	Object
)

// Value is a form value as decoded from JSON. Missing (the field was not
// submitted) is distinct from Null and from the empty string.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
	Obj  map[string]interface{}
}

var missing = Value{Kind: Missing}

// ValueOf tags a decoded JSON value.
func ValueOf(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: Null}
	case Value:
		return t
	case string:
		return Value{Kind: String, Str: t}
	case bool:
		return Value{Kind: Bool, Bool: t}
	case float64:
		return Value{Kind: Number, Num: t}
	case float32:
		return Value{Kind: Number, Num: float64(t)}
	case int:
		return Value{Kind: Number, Num: float64(t)}
	case int32:
		return Value{Kind: Number, Num: float64(t)}
	case int64:
		return Value{Kind: Number, Num: float64(t)}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Value{Kind: Number, Num: f}
		}
		return Value{Kind: String, Str: t.String()}
	case []interface{}:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = ValueOf(item)
		}
		return Value{Kind: List, List: list}
	case []string:
		list := make([]Value, len(t))
		for i, item := range t {
			list[i] = Value{Kind: String, Str: item}
		}
		return Value{Kind: List, List: list}
	case map[string]interface{}:
		return Value{Kind: Object, Obj: t}
	}
	return Value{Kind: String, Str: fmt.Sprint(v)}
}

// Empty reports whether the value counts as "not answered".
func (v Value) Empty() bool {
	switch v.Kind {
	case Missing, Null:
		return true
	case String:
		return strings.TrimSpace(v.Str) == ""
	case List:
		return len(v.List) == 0
	case Object:
		return len(v.Obj) == 0
	}
	return false
}

// Text renders the value as the string a user typed.
func (v Value) Text() string {
	switch v.Kind {
	case String:
		return v.Str
	case Number:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case Bool:
		return strconv.FormatBool(v.Bool)
	case List:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.Text()
		}
		return strings.Join(parts, ",")
	case Object:
		b, _ := json.Marshal(v.Obj)
		return string(b)
	}
	return ""
}

// Number coerces the value to a float. Strings are trimmed first.
func (v Value) Number() (float64, bool) {
	switch v.Kind {
	case Number:
		return v.Num, true
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	}
	return 0, false
}

// Interface converts back to a plain Go value for the expression engines.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case String:
		return v.Str
	case Number:
		return v.Num
	case Bool:
		return v.Bool
	case List:
		out := make([]interface{}, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	case Object:
		return v.Obj
	}
	return nil
}

var (
	isoDatePrefix   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	thousandsNumber = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+(\.\d+)?$`)
	commaDecimal    = regexp.MustCompile(`^-?\d+,\d+$`)
)

// IsMultiValue reports whether the value holds several answers, as sent by
// checkbox and multi-select fields: a list, or a comma-separated string whose
// commas are not part of a number or a date.
func (v Value) IsMultiValue() bool {
	switch v.Kind {
	case List:
		return true
	case String:
		s := strings.TrimSpace(v.Str)
		if !strings.Contains(s, ",") {
			return false
		}
		if thousandsNumber.MatchString(s) || commaDecimal.MatchString(s) {
			return false
		}
		if _, ok := parseDate(s); ok {
			return false
		}
		return true
	}
	return false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
}

// parseDate accepts ISO dates and timestamps, plus the long month forms some
// date pickers submit.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// looksLikeDate reports whether s starts with YYYY-MM-DD.
func looksLikeDate(s string) bool {
	return isoDatePrefix.MatchString(strings.TrimSpace(s))
}

// dateOf parses an ISO date-prefixed value. A timestamp falls back to its
// date part when the full string does not parse.
func dateOf(s string) (time.Time, bool) {
	if t, ok := parseDate(s); ok {
		return t, true
	}
	s = strings.TrimSpace(s)
	if len(s) >= 10 && looksLikeDate(s) {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// sortedKeys returns the keys of m in a stable order.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
