package plugins

import (
	"errors"
	"slices"

	"github.com/rs/zerolog"

	"github.com/minios-linux/lokit-engine/diff"
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

// Plugin data keys written by Diff.
const (
	DiffResultKey = "result"
	DiffScopeKey  = "scope"
)

// Diff serves unchanged keys from the checksum snapshot and removes them
// from the working set. After a successful pass the snapshot is rewritten
// from the final translations. Force, or the tenant configuration key
// "force", retranslates everything.
type Diff struct {
	Store    *diff.Store
	ReadOnly bool
	Force    bool
	Log      zerolog.Logger
}

func (d *Diff) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        NameDiff,
		Version:     version,
		Description: "Skip keys whose source text did not change",
		Priority:    100,
		Stages:      []pipeline.Stage{pipeline.StageDiffDetection},
	}
}

func (d *Diff) Attach(p *pipeline.Pipeline) error {
	if d.Store == nil {
		return errors.New("diff: store is required")
	}
	err := p.RegisterStage(pipeline.StageDiffDetection, func(c *pipeline.Context) pipeline.Seq {
		return d.detect(p, c)
	}, 100)
	if err != nil {
		return err
	}
	p.OnTerminate(d.persist)
	return nil
}

func scopeOf(c *pipeline.Context) diff.Scope {
	return diff.Scope{
		Source: c.Request.SourceLocale,
		Target: c.Request.TargetLocale,
		Domain: c.Request.Domain,
	}
}

func (d *Diff) detect(p *pipeline.Pipeline, c *pipeline.Context) pipeline.Seq {
	scope := scopeOf(c)
	c.SetPluginData(NameDiff, DiffScopeKey, scope)

	prev, err := d.Store.Load(scope)
	if err != nil {
		return pipeline.Fail(err)
	}
	if d.Force || configBool(c, NameDiff, "force") {
		prev = diff.Snapshot{}
	}

	// Checksums are taken from the request texts: earlier wrappers may have
	// rewritten the working set.
	texts := make(map[string]string)
	for _, key := range c.Keys() {
		texts[key] = c.Request.Texts[key]
	}
	res := diff.Detect(prev, texts)
	c.SetPluginData(NameDiff, DiffResultKey, res)

	target := c.Request.TargetLocale
	records := make([]pipeline.Record, 0, len(res.Unchanged))
	for _, key := range res.Unchanged {
		value := res.Cached[key]
		c.RemoveText(key)
		c.MarkCached(key)
		c.SetTranslation(target, key, value)
		records = append(records, pipeline.Record{Key: key, Value: value, Locale: target, Cached: true})
	}

	p.Emit(pipeline.Event{
		Name:    pipeline.EventDiffClassified,
		Kind:    pipeline.KindDiff,
		Context: c,
		Keys:    res.Pending(),
		Counts:  res.Counts(),
	})
	if len(res.Removed) > 0 {
		p.Emit(pipeline.Event{
			Name:    pipeline.EventDiffRemoved,
			Kind:    pipeline.KindDiff,
			Context: c,
			Keys:    slices.Clone(res.Removed),
			Counts:  map[string]int{"removed": len(res.Removed)},
		})
	}
	d.Log.Debug().Str("scope", scope.String()).Msg(res.Summary())

	return pipeline.Records(records...)
}

// persist writes the snapshot of a completed pass. Keys no longer present
// in the request are dropped from it.
func (d *Diff) persist(c *pipeline.Context, err error) {
	if err != nil || d.ReadOnly {
		return
	}
	v, ok := c.PluginData(NameDiff, DiffScopeKey)
	if !ok {
		return
	}
	scope := v.(diff.Scope)

	snap := diff.Build(c.Request.Texts, c.Translations(c.Request.TargetLocale))
	if saveErr := d.Store.Save(scope, snap); saveErr != nil {
		c.AddWarning("saving snapshot %s: %v", scope, saveErr)
		d.Log.Warn().Err(saveErr).Str("scope", scope.String()).Msg("snapshot not saved")
		return
	}
	d.Log.Debug().Str("scope", scope.String()).Int("keys", len(snap)).Msg("snapshot saved")
}

// DiffResult returns the classification recorded on c by the diff plugin.
func DiffResult(c *pipeline.Context) (diff.Result, bool) {
	v, ok := c.PluginData(NameDiff, DiffResultKey)
	if !ok {
		return diff.Result{}, false
	}
	res, ok := v.(diff.Result)
	return res, ok
}
