package plugins

import (
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

// DefaultChunkSize is the number of keys sent per provider call.
const DefaultChunkSize = 50

// Chunk splits the working set into batches for the translation stage. The
// tenant configuration key "size" overrides Size; a size of 0 or less sends
// everything at once.
type Chunk struct {
	Size int
}

func (ch *Chunk) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        NameChunk,
		Version:     version,
		Description: "Split pending keys into provider batches",
		Priority:    100,
		Stages:      []pipeline.Stage{pipeline.StageChunking},
	}
}

func (ch *Chunk) Attach(p *pipeline.Pipeline) error {
	return p.RegisterStage(pipeline.StageChunking, pipeline.Do(ch.run), 100)
}

func (ch *Chunk) size() int {
	if ch.Size == 0 {
		return DefaultChunkSize
	}
	return ch.Size
}

func (ch *Chunk) run(c *pipeline.Context) error {
	c.SetChunks(SplitKeys(c.Keys(), configInt(c, NameChunk, "size", ch.size())))
	return nil
}

// SplitKeys divides keys into chunks of the given size.
func SplitKeys(keys []string, size int) [][]string {
	if len(keys) == 0 {
		return [][]string{}
	}
	if size <= 0 || size >= len(keys) {
		return [][]string{keys}
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += size {
		chunks = append(chunks, keys[i:min(i+size, len(keys))])
	}
	return chunks
}
