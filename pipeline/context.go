package pipeline

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/minios-linux/lokit-engine/locale"
)

// ---------------------------------------------------------------------------
// Request and output records
// ---------------------------------------------------------------------------

// Request is the immutable input of one translation pass.
type Request struct {
	// Texts maps keys to source strings.
	Texts map[string]string
	// SourceLocale and TargetLocale are BCP 47 codes ("en", "pt-BR").
	SourceLocale string
	TargetLocale string
	// Domain names the content collection (a file name, a namespace). It
	// scopes the persisted diff snapshot together with both locales.
	Domain string
	// Tenant selects per-tenant plugin configuration. Empty means default.
	Tenant string
	// Metadata is free-form caller data, copied into the context.
	Metadata map[string]any
}

// Validate checks that both locales parse and that the request has texts.
func (r Request) Validate() error {
	if r.Texts == nil {
		return fmt.Errorf("%w: texts are nil", ErrInvalidRequest)
	}
	if _, err := locale.Parse(r.SourceLocale); err != nil {
		return fmt.Errorf("%w: source locale: %v", ErrInvalidRequest, err)
	}
	if _, err := locale.Parse(r.TargetLocale); err != nil {
		return fmt.Errorf("%w: target locale: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Keys returns the request keys in sorted order.
func (r Request) Keys() []string {
	return slices.Sorted(maps.Keys(r.Texts))
}

// Record is one output value of a pass.
type Record struct {
	Key    string
	Value  string
	Locale string
	// Cached marks values restored from the diff snapshot instead of being
	// freshly translated.
	Cached bool
	// Comment is the optional translator note returned by the provider.
	Comment  string
	Metadata map[string]any
}

// TokenUsage accumulates provider token counters for a pass.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
	Cost   float64
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// Context is the mutable state threaded through every stage of one pass.
// Handlers run sequentially, but observers and termination handlers may read
// it from other goroutines, so accessors are mutex guarded.
type Context struct {
	Request Request

	mu           sync.Mutex
	ctx          context.Context
	texts        map[string]string
	translations map[string]map[string]string
	cached       map[string]bool
	metadata     map[string]any
	errs         []string
	warnings     []string
	pluginData   map[string]map[string]any
	chunks       [][]string
	usage        TokenUsage
	stage        Stage
	stageIdx     int
	startedAt    time.Time
	completedAt  time.Time
}

// NewContext creates the context for req. The request maps are copied so
// later mutation of the working set never touches caller data.
func NewContext(ctx context.Context, req Request, now time.Time) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Texts = maps.Clone(req.Texts)
	req.Metadata = maps.Clone(req.Metadata)

	c := &Context{
		Request:      req,
		ctx:          ctx,
		texts:        maps.Clone(req.Texts),
		translations: make(map[string]map[string]string),
		cached:       make(map[string]bool),
		metadata:     maps.Clone(req.Metadata),
		pluginData:   make(map[string]map[string]any),
		stageIdx:     -1,
		startedAt:    now,
	}
	if c.texts == nil {
		c.texts = make(map[string]string)
	}
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	return c
}

// Ctx returns the Go context the pass was started with.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// CurrentStage returns the stage being executed, or "" before the first one.
func (c *Context) CurrentStage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Advance moves the context to stage. Stages only move forward.
func (c *Context) Advance(stage Stage) error {
	idx := stage.Index()
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if idx <= c.stageIdx {
		return fmt.Errorf("%w: %s after %s", ErrStageOrder, stage, c.stage)
	}
	c.stage = stage
	c.stageIdx = idx
	return nil
}

// ---------------------------------------------------------------------------
// Working set
// ---------------------------------------------------------------------------

// Texts returns a copy of the current working set.
func (c *Context) Texts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.texts)
}

// Keys returns the working set keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.texts))
}

// Text returns one working set entry.
func (c *Context) Text(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.texts[key]
	return v, ok
}

// SetText replaces one working set entry.
func (c *Context) SetText(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts[key] = value
}

// RemoveText drops key from the working set so later stages skip it.
func (c *Context) RemoveText(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.texts, key)
}

// ---------------------------------------------------------------------------
// Translations
// ---------------------------------------------------------------------------

// SetTranslation stores a translated value for key in locale.
func (c *Context) SetTranslation(loc, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.translations[loc]
	if m == nil {
		m = make(map[string]string)
		c.translations[loc] = m
	}
	m[key] = value
}

// Translation returns the translated value of key in locale.
func (c *Context) Translation(loc, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.translations[loc][key]
	return v, ok
}

// Translations returns a copy of all translations for locale.
func (c *Context) Translations(loc string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := maps.Clone(c.translations[loc])
	if out == nil {
		out = make(map[string]string)
	}
	return out
}

// MarkCached flags key as restored from the diff snapshot.
func (c *Context) MarkCached(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached[key] = true
}

// IsCached reports whether key was restored from the diff snapshot.
func (c *Context) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached[key]
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// AddError appends an error message.
func (c *Context) AddError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, msg)
}

// AddWarning appends a formatted warning.
func (c *Context) AddWarning(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Errors returns a copy of the recorded errors.
func (c *Context) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.errs)
}

// Warnings returns a copy of the recorded warnings.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.warnings)
}

// Failed reports whether any error has been recorded.
func (c *Context) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs) > 0
}

// ---------------------------------------------------------------------------
// Metadata and plugin scratch space
// ---------------------------------------------------------------------------

// SetMetadata stores a metadata value.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns a metadata value.
func (c *Context) Metadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// SetPluginData stores a value in the namespace of plugin.
func (c *Context) SetPluginData(plugin, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns := c.pluginData[plugin]
	if ns == nil {
		ns = make(map[string]any)
		c.pluginData[plugin] = ns
	}
	ns[key] = value
}

// PluginData returns a value from the namespace of plugin.
func (c *Context) PluginData(plugin, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.pluginData[plugin][key]
	return v, ok
}

// SetChunks records the key batches produced by the chunking stage.
func (c *Context) SetChunks(chunks [][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = chunks
}

// Chunks returns the key batches. Without a chunking handler the whole
// working set forms a single chunk.
func (c *Context) Chunks() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunks == nil {
		if len(c.texts) == 0 {
			return nil
		}
		return [][]string{slices.Sorted(maps.Keys(c.texts))}
	}
	out := make([][]string, len(c.chunks))
	for i, ch := range c.chunks {
		out[i] = slices.Clone(ch)
	}
	return out
}

// ---------------------------------------------------------------------------
// Usage and timing
// ---------------------------------------------------------------------------

// AddTokenUsage adds provider token counters.
func (c *Context) AddTokenUsage(input, output int, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.Input += input
	c.usage.Output += output
	c.usage.Total += input + output
	c.usage.Cost += cost
}

// TokenUsage returns the accumulated counters.
func (c *Context) TokenUsage() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// StartedAt returns the creation time of the pass.
func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// CompletedAt returns the completion time, zero while running or on failure.
func (c *Context) CompletedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedAt
}

// Duration returns the elapsed time of a completed pass.
func (c *Context) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completedAt.IsZero() {
		return 0
	}
	return c.completedAt.Sub(c.startedAt)
}

func (c *Context) complete(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedAt = now
}
