// Package plugins holds the built-in pipeline plugins: text normalization,
// checksum diffing, chunking, provider translation, placeholder masking,
// validation, output language checks and pass statistics.
package plugins

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/minios-linux/lokit-engine/diff"
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
	"github.com/minios-linux/lokit-engine/provider"
)

// Plugin names.
const (
	NameNormalize = "normalize"
	NameDiff      = "diff"
	NameChunk     = "chunk"
	NameTranslate = "translate"
	NameMask      = "mask"
	NameValidate  = "validate"
	NameLangCheck = "langcheck"
	NameStats     = "stats"
)

const version = "1.0.0"

// Options configures the default plugin set.
type Options struct {
	Provider     provider.Provider
	Store        *diff.Store
	ChunkSize    int
	Retries      int
	SystemPrompt string
	// ReadOnly stops the diff plugin from persisting snapshots.
	ReadOnly bool
	// Force ignores existing snapshots.
	Force bool
	// Stats receives pass summaries; a new one is created when nil.
	Stats *Stats
	Log   zerolog.Logger
}

// Defaults returns every built-in plugin. The diff plugin is left out when
// opts.Store is nil.
func Defaults(opts Options) []plugin.Plugin {
	stats := opts.Stats
	if stats == nil {
		stats = NewStats(opts.Log)
	}
	out := []plugin.Plugin{
		&Normalize{},
		&Chunk{Size: opts.ChunkSize},
		&Translate{Provider: opts.Provider, Retries: opts.Retries, SystemPrompt: opts.SystemPrompt, Log: opts.Log},
		&Mask{},
		&Validate{},
		&LangCheck{},
		stats,
	}
	if opts.Store != nil {
		out = append(out, &Diff{Store: opts.Store, ReadOnly: opts.ReadOnly, Force: opts.Force, Log: opts.Log})
	}
	return out
}

// ---------------------------------------------------------------------------
// Tenant configuration helpers
// ---------------------------------------------------------------------------

func configInt(c *pipeline.Context, name, key string, def int) int {
	switch v := plugin.Config(c, name)[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func configBool(c *pipeline.Context, name, key string) bool {
	switch v := plugin.Config(c, name)[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func configString(c *pipeline.Context, name, key, def string) string {
	if v, ok := plugin.Config(c, name)[key].(string); ok && v != "" {
		return v
	}
	return def
}
