package plugins

import (
	"strings"

	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

// Normalize trims surrounding whitespace from every source text and drops
// keys whose text is empty.
type Normalize struct{}

func (n *Normalize) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        NameNormalize,
		Version:     version,
		Description: "Trim source texts and drop empty ones",
		Priority:    200,
		Stages:      []pipeline.Stage{pipeline.StagePreProcess},
	}
}

func (n *Normalize) Attach(p *pipeline.Pipeline) error {
	return p.RegisterStage(pipeline.StagePreProcess, pipeline.Do(n.run), 200)
}

func (n *Normalize) run(c *pipeline.Context) error {
	for _, key := range c.Keys() {
		text, _ := c.Text(key)
		trimmed := strings.TrimSpace(text)
		switch {
		case trimmed == "":
			c.RemoveText(key)
			c.AddWarning("skipping key %q: empty source text", key)
		case trimmed != text:
			c.SetText(key, trimmed)
		}
	}
	return nil
}
