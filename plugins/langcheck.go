package plugins

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"

	"github.com/minios-linux/lokit-engine/locale"
	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			Build()
	})
	return detector
}

// DetectISO6391 returns the ISO 639-1 code of the language of text, or ""
// when the text is too short or the language is unknown.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	letters := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters < 6 {
		return ""
	}

	lang, ok := getDetector().DetectLanguageOf(sample)
	if !ok {
		return ""
	}
	code := strings.ToLower(lang.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

// LangCheck warns about fresh translations that were detected as a
// language other than the target. Disabled unless a tenant enables it.
type LangCheck struct {
	// MinLength is the shortest text, in runes, that gets checked.
	MinLength int
	// Detect overrides the lingua detector.
	Detect func(text string) string
}

func (l *LangCheck) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         NameLangCheck,
		Version:      version,
		Description:  "Detect translations written in the wrong language",
		Priority:     50,
		Dependencies: []string{NameTranslate},
		Stages:       []pipeline.Stage{pipeline.StageValidation},
	}
}

func (l *LangCheck) DefaultEnabled() bool { return false }

func (l *LangCheck) Attach(p *pipeline.Pipeline) error {
	return p.RegisterStage(pipeline.StageValidation, pipeline.Do(l.run), 50)
}

func (l *LangCheck) run(c *pipeline.Context) error {
	detect := l.Detect
	if detect == nil {
		detect = DetectISO6391
	}
	minLen := configInt(c, NameLangCheck, "min_length", l.MinLength)
	if minLen <= 0 {
		minLen = 20
	}

	want := locale.Base(c.Request.TargetLocale)
	var mismatched []string
	translations := c.Translations(c.Request.TargetLocale)
	for _, key := range slices.Sorted(maps.Keys(translations)) {
		value := translations[key]
		if c.IsCached(key) || len([]rune(value)) < minLen {
			continue
		}
		got := detect(value)
		if got == "" || got == want {
			continue
		}
		mismatched = append(mismatched, key)
		c.AddWarning("key %q: translation looks like %q, expected %q", key, got, want)
	}
	c.SetPluginData(NameLangCheck, "mismatched", mismatched)
	return nil
}
