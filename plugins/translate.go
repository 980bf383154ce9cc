package plugins

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/minios-linux/lokit-engine/decoder"
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
	"github.com/minios-linux/lokit-engine/provider"
)

// ErrVerificationFailed means a response decoded into items, but none of
// them matched a requested key.
var ErrVerificationFailed = errors.New("no decoded item matches a requested key")

// Translate sends every chunk to the provider and yields records as soon as
// the decoder completes an item. Malformed or unmatched responses are
// recorded as warnings; the keys still missing afterwards are sent again up
// to Retries times. Provider errors fail the pass.
type Translate struct {
	Provider     provider.Provider
	Retries      int
	SystemPrompt string
	Log          zerolog.Logger
}

func (t *Translate) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         NameTranslate,
		Version:      version,
		Description:  "Translate pending keys through the configured provider",
		Priority:     100,
		Dependencies: []string{NameChunk},
		Stages:       []pipeline.Stage{pipeline.StageTranslation},
	}
}

func (t *Translate) Attach(p *pipeline.Pipeline) error {
	if t.Provider == nil {
		return errors.New("translate: provider is required")
	}
	return p.RegisterStage(pipeline.StageTranslation, func(c *pipeline.Context) pipeline.Seq {
		return t.run(p, c)
	}, 100)
}

// batch tracks progress over all chunks of one pass.
type batch struct {
	p     *pipeline.Pipeline
	c     *pipeline.Context
	done  int
	total int
}

func (t *Translate) run(p *pipeline.Pipeline, c *pipeline.Context) pipeline.Seq {
	return func(yield func(pipeline.Record, error) bool) {
		chunks := c.Chunks()
		b := &batch{p: p, c: c}
		for _, ch := range chunks {
			b.total += len(ch)
		}
		if b.total == 0 {
			return
		}
		retries := configInt(c, NameTranslate, "retries", t.Retries)

		for i, keys := range chunks {
			pending := keys
			for attempt := 0; attempt <= retries && len(pending) > 0; attempt++ {
				if attempt > 0 {
					t.Log.Debug().Int("chunk", i+1).Int("missing", len(pending)).Msg("retrying chunk")
				}
				missing, ok, err := t.translateChunk(b, pending, yield)
				if err != nil {
					yield(pipeline.Record{}, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err))
					return
				}
				if !ok {
					return
				}
				pending = missing
			}
		}
	}
}

// translateChunk runs one provider call. It returns the requested keys
// that received no translation; ok is false when the consumer stopped.
func (t *Translate) translateChunk(b *batch, keys []string, yield func(pipeline.Record, error) bool) (missing []string, ok bool, err error) {
	c := b.c
	target := c.Request.TargetLocale

	texts := make(map[string]string, len(keys))
	requested := make(map[string]bool, len(keys))
	for _, key := range keys {
		texts[key], _ = c.Text(key)
		requested[key] = true
	}
	req := provider.Request{
		SourceLocale: c.Request.SourceLocale,
		TargetLocale: target,
		Keys:         slices.Clone(keys),
		Texts:        texts,
		Domain:       c.Request.Domain,
		SystemPrompt: configString(c, NameTranslate, "prompt", t.SystemPrompt),
	}

	dec := decoder.New()
	translated := make(map[string]bool, len(keys))
	unknown := 0

	for frag, ferr := range t.Provider.Execute(c.Ctx(), req) {
		if ferr != nil {
			return nil, false, ferr
		}
		if frag.Usage != nil {
			c.AddTokenUsage(frag.Usage.Input, frag.Usage.Output, frag.Usage.Cost)
		}
		for _, it := range dec.AddChunk(frag.Text) {
			if !requested[it.Key] {
				unknown++
				c.AddWarning("provider %s returned unknown key %q", t.Provider.Name(), it.Key)
				continue
			}
			translated[it.Key] = true
			c.SetTranslation(target, it.Key, it.Translation)

			rec := pipeline.Record{Key: it.Key, Value: it.Translation, Locale: target, Comment: it.Comment}
			b.done++
			b.p.Emit(pipeline.Event{Name: pipeline.EventTranslationItem, Kind: pipeline.KindItem, Context: c, Record: &rec})
			b.p.Emit(pipeline.Event{
				Name:     pipeline.EventTranslationProgress,
				Kind:     pipeline.KindProgress,
				Context:  c,
				Progress: pipeline.Progress{Done: b.done, Total: b.total},
			})
			if !yield(rec, nil) {
				return nil, false, nil
			}
		}
	}

	if ferr := dec.Finish(); ferr != nil {
		c.AddWarning("provider %s: %v", t.Provider.Name(), ferr)
	} else if len(translated) == 0 && unknown > 0 {
		c.AddWarning("provider %s: %v", t.Provider.Name(), ErrVerificationFailed)
	}

	for _, key := range keys {
		if !translated[key] {
			missing = append(missing, key)
		}
	}
	t.Log.Debug().
		Int("requested", len(keys)).
		Int("translated", len(translated)).
		Int("missing", len(missing)).
		Msg("chunk translated")
	return missing, true, nil
}
