package plugins

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/minios-linux/lokit-engine/pipeline"
	"github.com/minios-linux/lokit-engine/plugin"
)

// placeholderRe matches the interpolation tokens that must survive
// translation untouched: :name, {name}, {{ name }} and printf verbs.
var placeholderRe = regexp.MustCompile(`\{\{[^{}]+\}\}|\{[A-Za-z0-9_.]+\}|:[A-Za-z_][A-Za-z0-9_]*|%(?:\d+\$)?[sdfv]`)

// Placeholders returns the interpolation tokens of s in order.
func Placeholders(s string) []string {
	return placeholderRe.FindAllString(s, -1)
}

// MaskText replaces every placeholder of s with an indexed __PH_N__ token.
// The token contains no markup characters, so it survives inside CDATA.
func MaskText(s string) (string, []string) {
	var found []string
	masked := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		found = append(found, m)
		return placeholderToken(len(found) - 1)
	})
	return masked, found
}

func placeholderToken(i int) string {
	return "__PH_" + strconv.Itoa(i) + "__"
}

// UnmaskText restores the placeholders replaced by MaskText. Tokens the
// provider dropped stay dropped.
func UnmaskText(s string, placeholders []string) string {
	if len(placeholders) == 0 {
		return s
	}
	pairs := make([]string, 0, len(placeholders)*2)
	for i, ph := range placeholders {
		pairs = append(pairs, placeholderToken(i), ph)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Mask hides placeholders from the provider for the whole pass. Source
// texts are masked before the first stage; records and stored translations
// are unmasked on the way out.
type Mask struct{}

func (m *Mask) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        NameMask,
		Version:     version,
		Description: "Protect interpolation placeholders from the provider",
		Priority:    50,
	}
}

func (m *Mask) Attach(p *pipeline.Pipeline) error {
	p.RegisterGlobalWrapper(m.wrap, 50)
	return nil
}

func (m *Mask) wrap(c *pipeline.Context, next pipeline.Next) pipeline.Seq {
	return func(yield func(pipeline.Record, error) bool) {
		tables := make(map[string][]string)
		for _, key := range c.Keys() {
			text, _ := c.Text(key)
			masked, found := MaskText(text)
			if len(found) > 0 {
				tables[key] = found
				c.SetText(key, masked)
			}
		}
		c.SetPluginData(NameMask, "placeholders", tables)

		for rec, err := range next(c) {
			if err != nil {
				yield(rec, err)
				return
			}
			if ph, ok := tables[rec.Key]; ok && !rec.Cached {
				rec.Value = UnmaskText(rec.Value, ph)
				c.SetTranslation(rec.Locale, rec.Key, rec.Value)
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
