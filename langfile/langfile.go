// Package langfile reads and writes the key → string language files that
// feed translation passes.
//
// Two formats are supported, picked by file extension:
//
//	JSON (.json):  {"greeting": "Hello", "nav": {"home": "Home"}}
//	YAML (.yaml):  greeting: Hello
//	               nav:
//	                 home: Home
//
// Nested maps are flattened into dot-joined keys ("nav.home"). Rails i18n
// style YAML files (locale as the single top-level key) are detected and
// the locale key is replaced when a translation file is derived. Writing
// preserves the source key order; non-string leaves are passed through.
package langfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// Format is a language file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat returns the format of path from its extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported language file %s (want .json, .yaml or .yml)", path)
}

// ---------------------------------------------------------------------------
// File model
// ---------------------------------------------------------------------------

// Entry is a single leaf of a language file.
type Entry struct {
	// Path holds the key segments from the root to the leaf.
	Path []string
	// Value is the string value; empty means untranslated.
	Value string
	// Raw holds the encoded value of a non-string leaf.
	Raw string
}

// Key returns the dot-joined key of the entry.
func (e Entry) Key() string {
	return strings.Join(e.Path, ".")
}

// Translatable reports whether the entry is a string leaf.
func (e Entry) Translatable() bool {
	return e.Raw == ""
}

// File is a parsed language file.
type File struct {
	Format Format
	// RootKey is set when the file nests everything below a single locale
	// key (Rails i18n style).
	RootKey string

	entries []Entry
	index   map[string]int
}

func newFile(format Format) *File {
	return &File{Format: format, index: make(map[string]int)}
}

func (f *File) add(e Entry) {
	key := e.Key()
	if idx, ok := f.index[key]; ok {
		f.entries[idx] = e
		return
	}
	f.index[key] = len(f.entries)
	f.entries = append(f.entries, e)
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseFile reads and parses a language file.
func ParseFile(path string) (*File, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse parses data in the given format.
func Parse(data []byte, format Format) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return newFile(format), nil
	}
	switch format {
	case FormatJSON:
		return parseJSON(data)
	case FormatYAML:
		return parseYAML(data)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// ---------------------------------------------------------------------------
// Querying
// ---------------------------------------------------------------------------

// Keys returns the keys of all string entries in document order.
func (f *File) Keys() []string {
	var keys []string
	for _, e := range f.entries {
		if e.Translatable() {
			keys = append(keys, e.Key())
		}
	}
	return keys
}

// UntranslatedKeys returns keys whose value is empty.
func (f *File) UntranslatedKeys() []string {
	var keys []string
	for _, e := range f.entries {
		if e.Translatable() && e.Value == "" {
			keys = append(keys, e.Key())
		}
	}
	return keys
}

// Get returns the current value for key.
func (f *File) Get(key string) (string, bool) {
	idx, ok := f.index[key]
	if !ok || !f.entries[idx].Translatable() {
		return "", false
	}
	return f.entries[idx].Value, true
}

// Set updates the value for key. Returns false if key is not a string entry.
func (f *File) Set(key, value string) bool {
	idx, ok := f.index[key]
	if !ok || !f.entries[idx].Translatable() {
		return false
	}
	f.entries[idx].Value = value
	return true
}

// Values returns a map of key → value for every string entry.
func (f *File) Values() map[string]string {
	m := make(map[string]string, len(f.entries))
	for _, e := range f.entries {
		if e.Translatable() {
			m[e.Key()] = e.Value
		}
	}
	return m
}

// Stats returns (total, translated, percent).
func (f *File) Stats() (int, int, float64) {
	total, translated := 0, 0
	for _, e := range f.entries {
		if !e.Translatable() {
			continue
		}
		total++
		if e.Value != "" {
			translated++
		}
	}
	pct := 0.0
	if total > 0 {
		pct = float64(translated) / float64(total) * 100
	}
	return total, translated, pct
}

// ---------------------------------------------------------------------------
// Deriving translation files
// ---------------------------------------------------------------------------

// NewTranslationFile creates a target file with the structure of src and
// every string value cleared. Values already present in existing are kept
// for keys that still exist in src; existing may be nil.
func NewTranslationFile(src, existing *File, targetLocale string) *File {
	f := newFile(src.Format)
	if src.RootKey != "" {
		f.RootKey = targetLocale
	}
	for _, e := range src.entries {
		e.Path = append([]string(nil), e.Path...)
		if e.Translatable() {
			e.Value = ""
			if existing != nil {
				if v, ok := existing.Get(e.Key()); ok {
					e.Value = v
				}
			}
		}
		f.add(e)
	}
	return f
}

// Apply sets the values of known keys and returns how many were updated.
func (f *File) Apply(values map[string]string) int {
	n := 0
	for key, value := range values {
		if f.Set(key, value) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Marshal serialises the file in its format.
func (f *File) Marshal() ([]byte, error) {
	switch f.Format {
	case FormatJSON:
		return f.marshalJSON()
	case FormatYAML:
		return f.marshalYAML()
	}
	return nil, fmt.Errorf("unknown format %q", f.Format)
}

// WriteFile serialises the file and atomically replaces path.
func (f *File) WriteFile(path string) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", f.Format, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// tree is an ordered key tree rebuilt from entry paths for writing.
type tree struct {
	keys     []string
	children map[string]*tree
	leaves   map[string]Entry
}

func newTree() *tree {
	return &tree{children: make(map[string]*tree), leaves: make(map[string]Entry)}
}

func (f *File) tree() *tree {
	root := newTree()
	for _, e := range f.entries {
		node := root
		for i, seg := range e.Path {
			if i == len(e.Path)-1 {
				if _, seen := node.leaves[seg]; !seen && node.children[seg] == nil {
					node.keys = append(node.keys, seg)
				}
				node.leaves[seg] = e
				break
			}
			child := node.children[seg]
			if child == nil {
				if _, isLeaf := node.leaves[seg]; !isLeaf {
					node.keys = append(node.keys, seg)
				}
				child = newTree()
				node.children[seg] = child
			}
			node = child
		}
	}
	return root
}
