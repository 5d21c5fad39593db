// Package formats holds the registry of named value formats (email, phone,
// postal codes...) that format rules can reference by key instead of carrying
// their own regular expression.
package formats

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed formats.yaml
var defaultDocument []byte

// Format is a single registry entry.
type Format struct {
	Key     string `yaml:"-" json:"key"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Label   string `yaml:"label" json:"label"`
	Example string `yaml:"example" json:"example"`

	re *regexp.Regexp
}

type document struct {
	Version int                `yaml:"version"`
	Formats map[string]*Format `yaml:"formats"`
}

// Registry is read-only after construction and safe for concurrent use.
type Registry struct {
	formats map[string]*Format
	keys    []string
}

// Default returns the registry built from the embedded formats.yaml.
func Default() (*Registry, error) {
	return Parse(defaultDocument)
}

// Load reads a registry document from path. An empty path yields the default
// registry.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("formats: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a registry document. Every pattern is compiled up front; a
// pattern that does not compile is an error.
func Parse(b []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("formats: decode: %w", err)
	}
	if doc.Version != 1 {
		return nil, errors.New("formats: unsupported version")
	}
	if len(doc.Formats) == 0 {
		return nil, errors.New("formats: empty")
	}

	r := &Registry{formats: make(map[string]*Format, len(doc.Formats))}
	for key, f := range doc.Formats {
		if f == nil || f.Pattern == "" {
			return nil, fmt.Errorf("formats: %s has no pattern", key)
		}
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("formats: %s: %w", key, err)
		}
		f.Key = key
		f.re = re
		r.formats[key] = f
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Lookup returns the format registered under key.
func (r *Registry) Lookup(key string) (Format, bool) {
	if r == nil {
		return Format{}, false
	}
	f, ok := r.formats[key]
	if !ok {
		return Format{}, false
	}
	return *f, true
}

// Regexp returns the compiled pattern for key.
func (r *Registry) Regexp(key string) (*regexp.Regexp, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.formats[key]
	if !ok {
		return nil, false
	}
	return f.re, true
}

// List returns all formats ordered by key.
func (r *Registry) List() []Format {
	if r == nil {
		return nil
	}
	out := make([]Format, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, *r.formats[k])
	}
	return out
}
