package validation

import (
	"strings"

	"github.com/stoewer/go-strcase"
)

// FieldIDMap maps a lower-cased field name or OID to the stable item id that
// stores it.
type FieldIDMap map[string]int

// Lookup finds the item id for a field name, ignoring case.
func (m FieldIDMap) Lookup(name string) (int, bool) {
	if m == nil {
		return 0, false
	}
	id, ok := m[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// Has reports whether itemID belongs to the form.
func (m FieldIDMap) Has(itemID int) bool {
	for _, id := range m {
		if id == itemID {
			return true
		}
	}
	return false
}

// FieldRef is what a rule points at: a path and, when known, the stable item
// id behind it.
type FieldRef struct {
	Path   string
	ItemID *int
}

func refOf(r *Rule) FieldRef {
	return FieldRef{Path: r.FieldPath, ItemID: r.ItemID}
}

// Match is a resolved field. Key is the payload key that matched and Strategy
// the 1-based index of the strategy that found it.
type Match struct {
	Value    Value
	Key      string
	Strategy int
}

type strategy func(data map[string]interface{}, ref FieldRef, ids FieldIDMap) (Match, bool)

// strategies run in order; the first hit wins.
var strategies = []strategy{
	matchExact,
	matchFold,
	matchLastSegment,
	matchNormalized,
	matchStorageID,
	matchNested,
}

// Resolve locates the value a rule refers to inside semi-structured form
// data. The second result is false when no strategy matched, which is not
// the same as a present but empty value.
func Resolve(data map[string]interface{}, ref FieldRef, ids FieldIDMap) (Match, bool) {
	if len(data) == 0 || (strings.TrimSpace(ref.Path) == "" && ref.ItemID == nil) {
		return Match{Value: missing}, false
	}
	for i, s := range strategies {
		if m, ok := s(data, ref, ids); ok {
			m.Strategy = i + 1
			return m, true
		}
	}
	return Match{Value: missing}, false
}

func lastSegment(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

// matchExact looks the full path up as a key, then walks it as a dotted path
// through nested objects.
func matchExact(data map[string]interface{}, ref FieldRef, _ FieldIDMap) (Match, bool) {
	if v, ok := data[ref.Path]; ok {
		return Match{Value: ValueOf(v), Key: ref.Path}, true
	}
	parts := strings.Split(ref.Path, ".")
	if len(parts) < 2 {
		return Match{}, false
	}
	cur := data
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return Match{}, false
		}
		if i == len(parts)-1 {
			return Match{Value: ValueOf(v), Key: p}, true
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return Match{}, false
		}
		cur = next
	}
	return Match{}, false
}

func matchFold(data map[string]interface{}, ref FieldRef, _ FieldIDMap) (Match, bool) {
	return findKey(data, func(k string) bool { return strings.EqualFold(k, ref.Path) })
}

func matchLastSegment(data map[string]interface{}, ref FieldRef, _ FieldIDMap) (Match, bool) {
	name := lastSegment(ref.Path)
	if name == "" || name == ref.Path {
		return Match{}, false
	}
	return findKey(data, func(k string) bool { return strings.EqualFold(k, name) })
}

// matchNormalized compares snake_case forms, so bloodPressure, BloodPressure
// and blood_pressure all meet.
func matchNormalized(data map[string]interface{}, ref FieldRef, _ FieldIDMap) (Match, bool) {
	want := strcase.SnakeCase(lastSegment(ref.Path))
	if want == "" {
		return Match{}, false
	}
	return findKey(data, func(k string) bool { return strcase.SnakeCase(k) == want })
}

// matchStorageID compares item ids instead of names: the rule's item id (or
// the id its path maps to) against the id behind each payload key.
func matchStorageID(data map[string]interface{}, ref FieldRef, ids FieldIDMap) (Match, bool) {
	if len(ids) == 0 {
		return Match{}, false
	}
	var want int
	if ref.ItemID != nil {
		want = *ref.ItemID
	} else if id, ok := ids.Lookup(ref.Path); ok {
		want = id
	} else if id, ok := ids.Lookup(lastSegment(ref.Path)); ok {
		want = id
	} else {
		return Match{}, false
	}
	return findKey(data, func(k string) bool {
		id, ok := ids.Lookup(k)
		return ok && id == want
	})
}

// matchNested searches nested objects, depth first, for the bare field name.
// Arrays are not entered.
func matchNested(data map[string]interface{}, ref FieldRef, _ FieldIDMap) (Match, bool) {
	name := lastSegment(ref.Path)
	if name == "" {
		return Match{}, false
	}
	return searchNested(data, name, 0)
}

const maxNestedDepth = 8

func searchNested(data map[string]interface{}, name string, depth int) (Match, bool) {
	if depth > maxNestedDepth {
		return Match{}, false
	}
	for _, k := range sortedKeys(data) {
		sub, ok := data[k].(map[string]interface{})
		if !ok {
			continue
		}
		if m, ok := findKey(sub, func(key string) bool { return strings.EqualFold(key, name) }); ok {
			return m, true
		}
		if m, ok := searchNested(sub, name, depth+1); ok {
			return m, true
		}
	}
	return Match{}, false
}

func findKey(data map[string]interface{}, pred func(string) bool) (Match, bool) {
	for _, k := range sortedKeys(data) {
		if pred(k) {
			return Match{Value: ValueOf(data[k]), Key: k}, true
		}
	}
	return Match{}, false
}
