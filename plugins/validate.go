package plugins

import (
	"slices"

	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

// Validate checks the translations of a pass: every requested key must be
// translated and keep the placeholders of its source text. Problems are
// recorded as warnings.
type Validate struct{}

func (v *Validate) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        NameValidate,
		Version:     version,
		Description: "Report missing translations and placeholder mismatches",
		Priority:    100,
		Stages:      []pipeline.Stage{pipeline.StageValidation},
	}
}

func (v *Validate) Attach(p *pipeline.Pipeline) error {
	return p.RegisterStage(pipeline.StageValidation, pipeline.Do(v.run), 100)
}

func (v *Validate) run(c *pipeline.Context) error {
	target := c.Request.TargetLocale
	translations := c.Translations(target)

	var missing []string
	for _, key := range c.Request.Keys() {
		source := c.Request.Texts[key]
		if _, active := c.Text(key); !active && !c.IsCached(key) {
			// Dropped before translation.
			continue
		}
		value, ok := translations[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		want := Placeholders(source)
		got := Placeholders(value)
		slices.Sort(want)
		slices.Sort(got)
		if !slices.Equal(want, got) {
			c.AddWarning("key %q: placeholders %v do not match source %v", key, got, want)
		}
	}
	if len(missing) > 0 {
		c.AddWarning("%d keys without translation: %v", len(missing), missing)
	}
	c.SetPluginData(NameValidate, "missing", missing)
	return nil
}
