package plugins

import (
	"context"
	"errors"
	"iter"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minios-linux/lokit-engine/diff"
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
	"github.com/minios-linux/lokit-engine/provider"
)

// recorder wraps a provider and remembers every batch it was asked for.
type recorder struct {
	inner   provider.Provider
	batches [][]string
	texts   []map[string]string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Execute(ctx context.Context, req provider.Request) iter.Seq2[provider.Fragment, error] {
	r.batches = append(r.batches, req.Keys)
	r.texts = append(r.texts, req.Texts)
	return r.inner.Execute(ctx, req)
}

func (r *recorder) sent() []string {
	var out []string
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func boot(t *testing.T, tenant string, setup func(m *plugin.Manager), plugins ...plugin.Plugin) *pipeline.Pipeline {
	t.Helper()
	m := plugin.NewManager(plugin.NewRegistry(), zerolog.Nop())
	require.NoError(t, m.RegisterAll(plugins...))
	if setup != nil {
		setup(m)
	}
	p := pipeline.New()
	require.NoError(t, m.BootForTenant(p, tenant))
	return p
}

func run(t *testing.T, p *pipeline.Pipeline, req pipeline.Request) ([]pipeline.Record, *pipeline.Context) {
	t.Helper()
	seq, c := p.Process(context.Background(), req)
	recs, err := pipeline.Collect(seq)
	require.NoError(t, err)
	return recs, c
}

func byKey(recs []pipeline.Record) map[string]pipeline.Record {
	out := make(map[string]pipeline.Record, len(recs))
	for _, r := range recs {
		out[r.Key] = r
	}
	return out
}

func request(texts map[string]string) pipeline.Request {
	return pipeline.Request{Texts: texts, SourceLocale: "en", TargetLocale: "de", Domain: "messages"}
}

// ---------------------------------------------------------------------------
// Diff
// ---------------------------------------------------------------------------

func TestEndToEndUnchangedKeysAreServedFromCache(t *testing.T) {
	store := diff.NewStore(t.TempDir())

	first := &recorder{inner: &provider.Static{}}
	p1 := boot(t, "", nil, &Normalize{}, &Chunk{}, &Translate{Provider: first}, &Diff{Store: store})
	recs, c1 := run(t, p1, request(map[string]string{
		"k1": "Hello world",
		"k2": "How are you?",
		"k3": "Goodbye",
	}))
	require.Len(t, recs, 3)
	assert.Empty(t, c1.Errors())
	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, first.sent())

	// The second provider shouts, so cached values are easy to tell apart.
	second := &recorder{inner: &provider.Static{Transform: func(_, text string) string { return strings.ToUpper(text) }}}
	p2 := boot(t, "", nil, &Normalize{}, &Chunk{}, &Translate{Provider: second}, &Diff{Store: store})
	recs, c2 := run(t, p2, request(map[string]string{
		"k1": "Hello world",
		"k2": "How are you doing?",
		"k3": "Goodbye",
		"k4": "New text",
	}))

	assert.ElementsMatch(t, []string{"k2", "k4"}, second.sent())
	got := byKey(recs)
	require.Len(t, got, 4)
	assert.Equal(t, pipeline.Record{Key: "k1", Value: "[de] Hello world", Locale: "de", Cached: true}, got["k1"])
	assert.Equal(t, pipeline.Record{Key: "k3", Value: "[de] Goodbye", Locale: "de", Cached: true}, got["k3"])
	assert.Equal(t, "HOW ARE YOU DOING?", got["k2"].Value)
	assert.False(t, got["k2"].Cached)
	assert.Equal(t, "NEW TEXT", got["k4"].Value)

	// Cached records come out of the diff stage, before any translation.
	assert.True(t, recs[0].Cached)
	assert.True(t, recs[1].Cached)

	res, ok := DiffResult(c2)
	require.True(t, ok)
	assert.Equal(t, []string{"k1", "k3"}, res.Unchanged)
	assert.Equal(t, []string{"k2"}, res.Changed)
	assert.Equal(t, []string{"k4"}, res.Added)
	assert.InDelta(t, 0.5, res.SavingsRatio(), 1e-9)

	snap, err := store.Load(diff.Scope{Source: "en", Target: "de", Domain: "messages"})
	require.NoError(t, err)
	assert.Len(t, snap, 4)
	assert.Equal(t, "HOW ARE YOU DOING?", snap["k2"].Translation)
	assert.Equal(t, diff.Checksum("How are you doing?"), snap["k2"].Checksum)
}

func TestDiffUnchangedInputSkipsProvider(t *testing.T) {
	store := diff.NewStore(t.TempDir())
	texts := map[string]string{"a": "Alpha", "b": "Beta"}

	prov := &recorder{inner: &provider.Static{}}
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: prov}, &Diff{Store: store})
	run(t, p, request(texts))
	require.Len(t, prov.batches, 1)

	recs, _ := run(t, p, request(texts))
	assert.Len(t, prov.batches, 1)
	assert.Len(t, recs, 2)
	for _, r := range recs {
		assert.True(t, r.Cached)
	}
}

func TestDiffEmitsRemovedKeysAndPrunesSnapshot(t *testing.T) {
	store := diff.NewStore(t.TempDir())
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, &Diff{Store: store})

	var removed []string
	var classified map[string]int
	p.On(pipeline.EventDiffRemoved, pipeline.ObserverFunc(func(ev pipeline.Event) { removed = ev.Keys }))
	p.On(pipeline.EventDiffClassified, pipeline.ObserverFunc(func(ev pipeline.Event) { classified = ev.Counts }))

	run(t, p, request(map[string]string{"a": "A", "b": "B", "c": "C"}))
	assert.Nil(t, removed)

	run(t, p, request(map[string]string{"a": "A"}))
	assert.Equal(t, []string{"b", "c"}, removed)
	assert.Equal(t, 1, classified["unchanged"])
	assert.Equal(t, 2, classified["removed"])

	snap, err := store.Load(diff.Scope{Source: "en", Target: "de", Domain: "messages"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, snap.Keys())
}

func TestDiffForceRetranslates(t *testing.T) {
	store := diff.NewStore(t.TempDir())
	texts := map[string]string{"a": "Alpha"}

	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, &Diff{Store: store})
	run(t, p, request(texts))

	prov := &recorder{inner: &provider.Static{}}
	forced := boot(t, "acme", func(m *plugin.Manager) {
		require.NoError(t, m.EnableForTenant("acme", NameDiff, map[string]any{"force": true}))
	}, &Chunk{}, &Translate{Provider: prov}, &Diff{Store: store})
	run(t, forced, request(texts))
	assert.Equal(t, []string{"a"}, prov.sent())
}

func TestDiffDoesNotPersistFailedOrAbandonedPasses(t *testing.T) {
	boom := errors.New("provider down")
	scope := diff.Scope{Source: "en", Target: "de", Domain: "messages"}

	t.Run("failed", func(t *testing.T) {
		store := diff.NewStore(t.TempDir())
		p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{Err: boom}}, &Diff{Store: store})

		seq, c := p.Process(context.Background(), request(map[string]string{"a": "A"}))
		recs, err := pipeline.Collect(seq)
		require.ErrorIs(t, err, boom)
		assert.Len(t, recs, 1)
		assert.True(t, c.Failed())

		_, statErr := os.Stat(store.Path(scope))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("panicked", func(t *testing.T) {
		store := diff.NewStore(t.TempDir())
		p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, &Diff{Store: store})
		require.NoError(t, p.RegisterStage(pipeline.StageValidation, pipeline.Do(func(*pipeline.Context) error {
			panic("boom")
		}), 0))

		seq, c := p.Process(context.Background(), request(map[string]string{"a": "A", "b": "B"}))
		_, err := pipeline.Collect(seq)
		require.Error(t, err)
		assert.True(t, c.Failed())

		_, statErr := os.Stat(store.Path(scope))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("abandoned", func(t *testing.T) {
		store := diff.NewStore(t.TempDir())
		p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, &Diff{Store: store})

		seq, _ := p.Process(context.Background(), request(map[string]string{"a": "A", "b": "B"}))
		for range seq {
			break
		}
		_, statErr := os.Stat(store.Path(scope))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestDiffReadOnly(t *testing.T) {
	store := diff.NewStore(t.TempDir())
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, &Diff{Store: store, ReadOnly: true})
	run(t, p, request(map[string]string{"a": "A"}))

	files, err := store.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

// ---------------------------------------------------------------------------
// Normalize, chunk, translate
// ---------------------------------------------------------------------------

func TestNormalizeDropsEmptyTexts(t *testing.T) {
	prov := &recorder{inner: &provider.Static{}}
	p := boot(t, "", nil, &Normalize{}, &Chunk{}, &Translate{Provider: prov})
	recs, c := run(t, p, request(map[string]string{"a": "  Alpha \n", "b": "   "}))

	require.Len(t, recs, 1)
	assert.Equal(t, "[de] Alpha", recs[0].Value)
	assert.Equal(t, []string{"a"}, prov.sent())
	require.Len(t, c.Warnings(), 1)
	assert.Contains(t, c.Warnings()[0], `"b"`)
}

func TestSplitKeys(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	tests := []struct {
		size int
		want [][]string
	}{
		{0, [][]string{keys}},
		{10, [][]string{keys}},
		{2, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}},
		{1, [][]string{{"a"}, {"b"}, {"c"}, {"d"}, {"e"}}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SplitKeys(keys, tc.size), "size %d", tc.size)
	}
	assert.Empty(t, SplitKeys(nil, 3))
}

func TestChunkSizeFromTenantConfig(t *testing.T) {
	texts := map[string]string{"a": "A", "b": "B", "c": "C", "d": "D", "e": "E"}

	prov := &recorder{inner: &provider.Static{}}
	p := boot(t, "", nil, &Chunk{Size: 2}, &Translate{Provider: prov})
	run(t, p, request(texts))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, prov.batches)

	prov = &recorder{inner: &provider.Static{}}
	p = boot(t, "acme", func(m *plugin.Manager) {
		require.NoError(t, m.EnableForTenant("acme", NameChunk, map[string]any{"size": 4}))
	}, &Chunk{Size: 2}, &Translate{Provider: prov})
	run(t, p, request(texts))
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}, {"e"}}, prov.batches)
}

func TestTranslateStreamsItemsAndProgress(t *testing.T) {
	prov := &provider.Static{FragmentSize: 3, Usage: &provider.Usage{Input: 10, Output: 4}}
	p := boot(t, "", nil, &Chunk{Size: 2}, &Translate{Provider: prov})

	var items []string
	var progress []pipeline.Progress
	p.On(pipeline.EventTranslationItem, pipeline.ObserverFunc(func(ev pipeline.Event) {
		items = append(items, ev.Record.Key)
	}))
	p.On(pipeline.EventTranslationProgress, pipeline.ObserverFunc(func(ev pipeline.Event) {
		progress = append(progress, ev.Progress)
	}))

	recs, c := run(t, p, request(map[string]string{"a": "A", "b": "B", "c": "C"}))
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.Equal(t, pipeline.Progress{Done: 3, Total: 3}, progress[2])
	assert.Equal(t, 2, prov.Calls)

	usage := c.TokenUsage()
	assert.Equal(t, 20, usage.Input)
	assert.Equal(t, 8, usage.Output)
	v, ok := c.Translation("de", "b")
	require.True(t, ok)
	assert.Equal(t, "[de] B", v)
}

func TestTranslateWarnsOnUnknownKeys(t *testing.T) {
	prov := &provider.Static{Extra: map[string]string{"intruder": "x"}}
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: prov})
	recs, c := run(t, p, request(map[string]string{"a": "A"}))

	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Key)
	require.Len(t, c.Warnings(), 1)
	assert.Contains(t, c.Warnings()[0], `unknown key "intruder"`)
}

func TestTranslateMalformedAndUnmatchedResponses(t *testing.T) {
	reply := func(text string) provider.Provider {
		return provider.Func(func(ctx context.Context, req provider.Request) iter.Seq2[provider.Fragment, error] {
			return func(yield func(provider.Fragment, error) bool) {
				yield(provider.Fragment{Text: text}, nil)
			}
		})
	}

	t.Run("malformed", func(t *testing.T) {
		p := boot(t, "", nil, &Chunk{}, &Translate{Provider: reply("Sorry, I can't help with that.")})
		recs, c := run(t, p, request(map[string]string{"a": "A"}))
		assert.Empty(t, recs)
		assert.Empty(t, c.Errors())
		require.NotEmpty(t, c.Warnings())
		assert.Contains(t, c.Warnings()[0], "malformed response")
	})

	t.Run("unmatched", func(t *testing.T) {
		p := boot(t, "", nil, &Chunk{}, &Translate{Provider: reply("<item><key>zz</key><trx>x</trx></item>")})
		_, c := run(t, p, request(map[string]string{"a": "A"}))
		assert.Contains(t, strings.Join(c.Warnings(), "\n"), ErrVerificationFailed.Error())
	})
}

func TestTranslateRetriesMissingKeys(t *testing.T) {
	calls := 0
	static := &provider.Static{}
	flaky := provider.Func(func(ctx context.Context, req provider.Request) iter.Seq2[provider.Fragment, error] {
		calls++
		if calls == 1 {
			req.Keys = req.Keys[:1]
		}
		return static.Execute(ctx, req)
	})
	prov := &recorder{inner: flaky}
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: prov, Retries: 1})

	recs, _ := run(t, p, request(map[string]string{"a": "A", "b": "B", "c": "C"}))
	assert.Len(t, recs, 3)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"b", "c"}}, prov.batches)
}

// ---------------------------------------------------------------------------
// Mask and validate
// ---------------------------------------------------------------------------

func TestMaskText(t *testing.T) {
	masked, ph := MaskText("Hi :name, you have {count} new %s in {{ folder }}")
	assert.Equal(t, "Hi __PH_0__, you have __PH_1__ new __PH_2__ in __PH_3__", masked)
	assert.Equal(t, []string{":name", "{count}", "%s", "{{ folder }}"}, ph)
	assert.Equal(t, "Hallo :name, {count} %s {{ folder }}", UnmaskText("Hallo __PH_0__, __PH_1__ __PH_2__ __PH_3__", ph))

	masked, ph = MaskText("At 10:30, see http://example.com")
	assert.Equal(t, "At 10:30, see http://example.com", masked)
	assert.Empty(t, ph)
}

func TestMaskHidesPlaceholdersFromProvider(t *testing.T) {
	prov := &recorder{inner: &provider.Static{}}
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: prov}, &Mask{}, &Validate{})

	recs, c := run(t, p, request(map[string]string{"greet": "Hello :name, {count} messages"}))
	require.Len(t, recs, 1)
	assert.Equal(t, "Hello __PH_0__, __PH_1__ messages", prov.texts[0]["greet"])
	assert.Equal(t, "[de] Hello :name, {count} messages", recs[0].Value)

	v, _ := c.Translation("de", "greet")
	assert.Equal(t, recs[0].Value, v)
	assert.Empty(t, c.Warnings())
}

func TestMaskedPlaceholderBeforeGreaterThanSurvivesCDATA(t *testing.T) {
	var sent string
	echo := provider.Func(func(ctx context.Context, req provider.Request) iter.Seq2[provider.Fragment, error] {
		return func(yield func(provider.Fragment, error) bool) {
			var b strings.Builder
			b.WriteString("<translations>")
			for _, key := range req.Keys {
				sent = req.Texts[key]
				b.WriteString("<item><key>" + key + "</key><trx><![CDATA[" + req.Texts[key] + "]]></trx></item>")
			}
			b.WriteString("</translations>")
			yield(provider.Fragment{Text: b.String()}, nil)
		}
	})
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: echo}, &Mask{}, &Validate{})

	recs, c := run(t, p, request(map[string]string{"total": "Total {count}> 5"}))
	assert.NotContains(t, sent, "]]>")
	require.Len(t, recs, 1)
	assert.Equal(t, "Total {count}> 5", recs[0].Value)
	assert.Empty(t, c.Warnings())
}

func TestValidateReportsMismatchesAndMissingKeys(t *testing.T) {
	prov := &provider.Static{Translations: map[string]string{"greet": "Hallo"}}
	skipB := provider.Func(func(ctx context.Context, req provider.Request) iter.Seq2[provider.Fragment, error] {
		var keys []string
		for _, k := range req.Keys {
			if k != "b" {
				keys = append(keys, k)
			}
		}
		req.Keys = keys
		return prov.Execute(ctx, req)
	})
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: skipB}, &Validate{})

	_, c := run(t, p, request(map[string]string{"greet": "Hi :name", "b": "B"}))
	warnings := strings.Join(c.Warnings(), "\n")
	assert.Contains(t, warnings, `key "greet": placeholders`)
	assert.Contains(t, warnings, "1 keys without translation: [b]")
}

// ---------------------------------------------------------------------------
// LangCheck and stats
// ---------------------------------------------------------------------------

func TestLangCheckIsDisabledByDefault(t *testing.T) {
	m := plugin.NewManager(plugin.NewRegistry(), zerolog.Nop())
	require.NoError(t, m.RegisterAll(Defaults(Options{Provider: &provider.Static{}})...))
	assert.False(t, m.IsEnabledForTenant("", NameLangCheck))
	assert.True(t, m.IsEnabledForTenant("", NameTranslate))
}

func TestLangCheckWarnsOnWrongLanguage(t *testing.T) {
	english := func(string) string { return "en" }
	prov := &provider.Static{Translations: map[string]string{
		"long":  "This sentence was left in English by mistake",
		"short": "OK",
	}}
	p := boot(t, "acme", func(m *plugin.Manager) {
		require.NoError(t, m.EnableForTenant("acme", NameLangCheck, nil))
	}, &Chunk{}, &Translate{Provider: prov}, &LangCheck{Detect: english})

	_, c := run(t, p, request(map[string]string{"long": "Long sentence", "short": "OK"}))
	require.Len(t, c.Warnings(), 1)
	assert.Contains(t, c.Warnings()[0], `key "long"`)
	mismatched, _ := c.PluginData(NameLangCheck, "mismatched")
	assert.Equal(t, []string{"long"}, mismatched)
}

func TestStatsSummary(t *testing.T) {
	store := diff.NewStore(t.TempDir())
	stats := NewStats(zerolog.Nop())
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, &Diff{Store: store}, stats)

	run(t, p, request(map[string]string{"a": "A", "b": "B"}))
	run(t, p, request(map[string]string{"a": "A", "c": "C"}))

	sum := stats.Last()
	assert.Equal(t, 2, stats.Passes())
	assert.Equal(t, 1, sum.Cached)
	assert.Equal(t, 1, sum.Translated)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, 2, sum.Records)
	assert.False(t, sum.Failed)
}

func TestStatsReleasesAbandonedPasses(t *testing.T) {
	stats := NewStats(zerolog.Nop())
	p := boot(t, "", nil, &Chunk{}, &Translate{Provider: &provider.Static{}}, stats)

	for i := 0; i < 3; i++ {
		seq, _ := p.Process(context.Background(), request(map[string]string{"a": "A", "b": "B"}))
		for range seq {
			break
		}
	}

	stats.mu.Lock()
	pending := len(stats.current)
	stats.mu.Unlock()
	assert.Zero(t, pending)
	assert.Zero(t, stats.Passes())
}
