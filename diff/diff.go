// Package diff implements checksum based change detection for translation
// passes. Every key of a (source locale, target locale, domain) scope is
// stored with the MD5 checksum of its normalized source text and the last
// known translation. On the next pass only new or changed keys need to be
// sent to the provider; unchanged keys reuse the stored translation.
package diff

import (
	"crypto/md5"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"
)

// ---------------------------------------------------------------------------
// Checksums
// ---------------------------------------------------------------------------

// Normalize trims the text and collapses every run of whitespace to a single
// space, so formatting-only edits never look like content changes.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Hash computes the MD5 hex digest of a string.
func Hash(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

// Checksum is the fingerprint of the normalized text.
func Checksum(s string) string {
	return Hash(Normalize(s))
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Record is the persisted state of one key.
type Record struct {
	Checksum    string `json:"checksum"`
	Translation string `json:"translation"`
}

// Snapshot maps keys to their persisted records.
type Snapshot map[string]Record

// Keys returns the snapshot keys, sorted.
func (s Snapshot) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Translations returns the stored translation of every key.
func (s Snapshot) Translations() map[string]string {
	out := make(map[string]string, len(s))
	for key, rec := range s {
		out[key] = rec.Translation
	}
	return out
}

// Build creates a snapshot from the source texts of a pass and the final
// translations. Keys without a translation are left out so they are
// classified as added, and retried, on the next pass.
func Build(texts, translations map[string]string) Snapshot {
	snap := make(Snapshot, len(texts))
	for key, text := range texts {
		tr, ok := translations[key]
		if !ok {
			continue
		}
		snap[key] = Record{Checksum: Checksum(text), Translation: tr}
	}
	return snap
}

// ---------------------------------------------------------------------------
// Detection
// ---------------------------------------------------------------------------

// Status is the classification of one key.
type Status int

const (
	Added Status = iota
	Changed
	Unchanged
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	default:
		return "added"
	}
}

// Result is the outcome of Detect. Key lists are sorted.
type Result struct {
	Statuses  map[string]Status
	Unchanged []string
	Changed   []string
	Added     []string
	// Removed lists snapshot keys missing from the current texts.
	Removed []string
	// Cached holds the stored translation of every unchanged key.
	Cached map[string]string
}

// Detect classifies every key of texts against prev.
func Detect(prev Snapshot, texts map[string]string) Result {
	res := Result{
		Statuses: make(map[string]Status, len(texts)),
		Cached:   make(map[string]string),
	}

	for _, key := range slices.Sorted(maps.Keys(texts)) {
		rec, ok := prev[key]
		switch {
		case !ok:
			res.Statuses[key] = Added
			res.Added = append(res.Added, key)
		case rec.Checksum == Checksum(texts[key]):
			res.Statuses[key] = Unchanged
			res.Unchanged = append(res.Unchanged, key)
			res.Cached[key] = rec.Translation
		default:
			res.Statuses[key] = Changed
			res.Changed = append(res.Changed, key)
		}
	}

	for _, key := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := texts[key]; !ok {
			res.Removed = append(res.Removed, key)
		}
	}
	return res
}

// Total returns the number of classified keys.
func (r Result) Total() int {
	return len(r.Statuses)
}

// Pending returns the changed and added keys, sorted.
func (r Result) Pending() []string {
	out := append(slices.Clone(r.Changed), r.Added...)
	slices.Sort(out)
	return out
}

// SavingsRatio is the fraction of keys that need no translation.
func (r Result) SavingsRatio() float64 {
	if r.Total() == 0 {
		return 0
	}
	return float64(len(r.Unchanged)) / float64(r.Total())
}

// Counts returns the classification counts keyed by status name.
func (r Result) Counts() map[string]int {
	return map[string]int{
		Unchanged.String(): len(r.Unchanged),
		Changed.String():   len(r.Changed),
		Added.String():     len(r.Added),
		"removed":          len(r.Removed),
	}
}

// Summary returns a human-readable summary string.
func (r Result) Summary() string {
	return fmt.Sprintf("%d keys: %d unchanged, %d changed, %d added, %d removed (%.0f%% saved)",
		r.Total(), len(r.Unchanged), len(r.Changed), len(r.Added), len(r.Removed), r.SavingsRatio()*100)
}
