package plugins

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

// Summary is the outcome of one pass as seen by Stats.
type Summary struct {
	Source     string
	Target     string
	Domain     string
	Records    int
	Cached     int
	Translated int
	Removed    int
	Warnings   int
	Failed     bool
	Tokens     pipeline.TokenUsage
	Duration   time.Duration
}

// Stats observes pipeline events, logs a summary line per pass and keeps
// the last summary for callers.
type Stats struct {
	log zerolog.Logger

	mu      sync.Mutex
	current map[*pipeline.Context]*Summary
	last    Summary
	passes  int
}

// NewStats creates a Stats plugin logging to log.
func NewStats(log zerolog.Logger) *Stats {
	return &Stats{log: log, current: make(map[*pipeline.Context]*Summary)}
}

func (s *Stats) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        NameStats,
		Version:     version,
		Description: "Count records per pass and log a summary",
	}
}

func (s *Stats) Attach(p *pipeline.Pipeline) error {
	p.Subscribe(s)
	p.OnTerminate(s.forget)
	return nil
}

// forget drops the pass state of c. Abandoned passes emit neither
// completed nor failed, so their entry is only released here.
func (s *Stats) forget(c *pipeline.Context, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, c)
}

// OnEvent implements pipeline.Observer.
func (s *Stats) OnEvent(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := ev.Context
	switch ev.Name {
	case pipeline.EventTranslationStarted:
		s.current[c] = &Summary{
			Source: c.Request.SourceLocale,
			Target: c.Request.TargetLocale,
			Domain: c.Request.Domain,
		}
	case pipeline.EventDiffClassified:
		if sum := s.current[c]; sum != nil {
			sum.Cached = ev.Counts["unchanged"]
		}
	case pipeline.EventDiffRemoved:
		if sum := s.current[c]; sum != nil {
			sum.Removed = len(ev.Keys)
		}
	case pipeline.EventTranslationItem:
		if sum := s.current[c]; sum != nil {
			sum.Translated++
		}
	case pipeline.EventTranslationCompleted, pipeline.EventTranslationFailed:
		sum := s.current[c]
		if sum == nil {
			return
		}
		delete(s.current, c)
		sum.Records = sum.Cached + sum.Translated
		sum.Warnings = len(c.Warnings())
		sum.Failed = ev.Name == pipeline.EventTranslationFailed
		sum.Tokens = c.TokenUsage()
		sum.Duration = c.Duration()
		s.last = *sum
		s.passes++
		s.logSummary(*sum, ev.Err)
	}
}

func (s *Stats) logSummary(sum Summary, err error) {
	e := s.log.Info()
	if sum.Failed {
		e = s.log.Warn().Err(err)
	}
	e.Str("source", sum.Source).
		Str("target", sum.Target).
		Str("domain", sum.Domain).
		Int("translated", sum.Translated).
		Int("cached", sum.Cached).
		Int("removed", sum.Removed).
		Int("warnings", sum.Warnings).
		Int("tokens", sum.Tokens.Total).
		Dur("took", sum.Duration).
		Msg("pass finished")
}

// Last returns the summary of the most recent finished pass.
func (s *Stats) Last() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Passes returns the number of finished passes.
func (s *Stats) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}
