// Package engine assembles the translation stack from a configuration file:
// snapshot store, provider, plugin manager and one pipeline per tenant.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/minios-linux/lokit-engine/config"
	"github.com/minios-linux/lokit-engine/diff"
	"github.com/minios-linux/lokit-engine/langfile"
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
	"github.com/minios-linux/lokit-engine/plugins"
	"github.com/minios-linux/lokit-engine/provider"
)

// Engine runs translation passes for every tenant of one configuration.
type Engine struct {
	cfg      *config.File
	log      zerolog.Logger
	store    *diff.Store
	provider provider.Provider
	manager  *plugin.Manager
	stats    *plugins.Stats
	extra    []plugin.Plugin
	readOnly bool
	force    bool
	observer []pipeline.Observer

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProvider replaces the provider built from the configuration.
func WithProvider(p provider.Provider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithPlugins registers additional plugins next to the built-in ones.
func WithPlugins(p ...plugin.Plugin) Option {
	return func(e *Engine) { e.extra = append(e.extra, p...) }
}

// WithObserver subscribes o to the events of every tenant pipeline.
func WithObserver(o pipeline.Observer) Option {
	return func(e *Engine) { e.observer = append(e.observer, o) }
}

// ReadOnly keeps snapshots untouched; unchanged keys are still served from
// them.
func ReadOnly() Option {
	return func(e *Engine) { e.readOnly = true }
}

// Force retranslates every key regardless of existing snapshots.
func Force() Option {
	return func(e *Engine) { e.force = true }
}

// New builds an engine for cfg.
func New(cfg *config.File, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:       cfg,
		log:       zerolog.Nop(),
		pipelines: make(map[string]*pipeline.Pipeline),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.provider == nil {
		p, err := provider.New(cfg.Provider, e.log)
		if err != nil {
			return nil, err
		}
		e.provider = p
	}

	e.store = diff.NewStore(cfg.SnapshotDir)
	e.stats = plugins.NewStats(e.log)
	e.manager = plugin.NewManager(plugin.NewRegistry(), e.log)

	retries := config.DefaultRetries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	builtin := plugins.Defaults(plugins.Options{
		Provider:     e.provider,
		Store:        e.store,
		ChunkSize:    cfg.ChunkSize,
		Retries:      retries,
		SystemPrompt: cfg.Prompt,
		ReadOnly:     e.readOnly,
		Force:        e.force,
		Stats:        e.stats,
		Log:          e.log,
	})
	if err := e.manager.RegisterAll(append(builtin, e.extra...)...); err != nil {
		return nil, err
	}

	for _, tenant := range slices.Sorted(maps.Keys(cfg.Tenants)) {
		for name, o := range cfg.Tenants[tenant].Plugins {
			var err error
			if o.IsEnabled() {
				err = e.manager.EnableForTenant(tenant, name, o.Config)
			} else {
				err = e.manager.DisableForTenant(tenant, name)
			}
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", tenant, err)
			}
		}
	}
	return e, nil
}

// Manager returns the plugin manager.
func (e *Engine) Manager() *plugin.Manager { return e.manager }

// Store returns the snapshot store.
func (e *Engine) Store() *diff.Store { return e.store }

// Stats returns the pass statistics collector.
func (e *Engine) Stats() *plugins.Stats { return e.stats }

// Provider returns the provider in use.
func (e *Engine) Provider() provider.Provider { return e.provider }

// Pipeline returns the pipeline of tenant, booting it on first use.
func (e *Engine) Pipeline(tenant string) (*pipeline.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pipelines[tenant]; ok {
		return p, nil
	}

	p := pipeline.New(pipeline.WithLogger(e.log))
	if err := e.manager.BootForTenant(p, tenant); err != nil {
		return nil, err
	}
	for _, o := range e.observer {
		p.Subscribe(o)
	}
	e.pipelines[tenant] = p
	return p, nil
}

// Translate starts a pass on the pipeline of req.Tenant. The returned
// sequence is lazy, as with pipeline.Process.
func (e *Engine) Translate(ctx context.Context, req pipeline.Request) (pipeline.Seq, *pipeline.Context, error) {
	p, err := e.Pipeline(req.Tenant)
	if err != nil {
		return nil, nil, err
	}
	seq, c := p.Process(ctx, req)
	return seq, c, nil
}

// Result is a fully consumed pass.
type Result struct {
	Records []pipeline.Record
	Context *pipeline.Context
}

// Translations returns the translated value of every output record.
func (r *Result) Translations() map[string]string {
	out := make(map[string]string, len(r.Records))
	for _, rec := range r.Records {
		out[rec.Key] = rec.Value
	}
	return out
}

// Cached returns the number of records served from the snapshot.
func (r *Result) Cached() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Cached {
			n++
		}
	}
	return n
}

// TranslateAll runs a pass to completion. On failure the records yielded
// before the error are returned with it.
func (e *Engine) TranslateAll(ctx context.Context, req pipeline.Request) (*Result, error) {
	seq, c, err := e.Translate(ctx, req)
	if err != nil {
		return nil, err
	}
	recs, err := pipeline.Collect(seq)
	return &Result{Records: recs, Context: c}, err
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// FileResult describes one translated output file.
type FileResult struct {
	Target string
	Lang   string
	Path   string
	Result *Result
}

// TranslateFile translates the source file of rt into lang and writes the
// output file. Values already present in the output file are kept for keys
// the pass did not produce.
func (e *Engine) TranslateFile(ctx context.Context, rt config.ResolvedTarget, lang string) (*FileResult, error) {
	src, err := langfile.ParseFile(rt.SourcePath())
	if err != nil {
		return nil, err
	}

	outPath := rt.OutputPath(lang)
	var existing *langfile.File
	if _, statErr := os.Stat(outPath); statErr == nil {
		existing, err = langfile.ParseFile(outPath)
		if err != nil {
			return nil, err
		}
	}

	req := pipeline.Request{
		Texts:        src.Values(),
		SourceLocale: rt.Target.SourceLang,
		TargetLocale: lang,
		Domain:       rt.Target.Domain,
		Tenant:       rt.Target.Tenant,
		Metadata:     map[string]any{"target": rt.Target.Name, "output": outPath},
	}
	res, err := e.TranslateAll(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s [%s]: %w", rt.Target.Name, lang, err)
	}

	out := langfile.NewTranslationFile(src, existing, lang)
	out.Apply(res.Translations())
	if err := out.WriteFile(outPath); err != nil {
		return nil, err
	}
	e.log.Debug().Str("target", rt.Target.Name).Str("lang", lang).Str("path", outPath).Msg("output written")
	return &FileResult{Target: rt.Target.Name, Lang: lang, Path: outPath, Result: res}, nil
}

// Plan reports how the next pass over rt and lang would classify the source
// keys, without calling the provider or writing anything.
func (e *Engine) Plan(rt config.ResolvedTarget, lang string) (diff.Result, error) {
	src, err := langfile.ParseFile(rt.SourcePath())
	if err != nil {
		return diff.Result{}, err
	}
	prev := diff.Snapshot{}
	if !e.force {
		prev, err = e.store.Load(diff.Scope{
			Source: rt.Target.SourceLang,
			Target: lang,
			Domain: rt.Target.Domain,
		})
		if err != nil {
			return diff.Result{}, err
		}
	}
	texts := make(map[string]string)
	for key, text := range src.Values() {
		// Blank source texts are dropped by normalization before diffing.
		if diff.Normalize(text) != "" {
			texts[key] = text
		}
	}
	return diff.Detect(prev, texts), nil
}

// ErrUnknownTarget is returned for target names missing from the
// configuration.
var ErrUnknownTarget = errors.New("unknown target")

// Targets resolves the configured targets below root, optionally filtered
// by name.
func (e *Engine) Targets(root string, names ...string) ([]config.ResolvedTarget, error) {
	resolved, err := e.cfg.Resolve(root)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return resolved, nil
	}
	var out []config.ResolvedTarget
	for _, name := range names {
		i := slices.IndexFunc(resolved, func(rt config.ResolvedTarget) bool { return rt.Target.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
		}
		out = append(out, resolved[i])
	}
	return out, nil
}
