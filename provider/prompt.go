package provider

import (
	"fmt"
	"strings"

	"github.com/minios-linux/lokit-engine/locale"
)

// DefaultSystemPrompt asks for the tagged item format understood by the
// decoder.
const DefaultSystemPrompt = `You are a professional translator specializing in software and product localization. Translate UI strings from {{sourceLang}} to {{targetLang}}.

Rules:
- Keep placeholders such as __PH_0__, :name, {count} and HTML tags exactly as they are.
- Preserve leading/trailing punctuation and line breaks.
- Do not translate the keys.

Answer only with this structure, one item per input key:
<translations>
  <item>
    <key>KEY</key>
    <trx><![CDATA[TRANSLATION]]></trx>
    <comment><![CDATA[optional note for reviewers]]></comment>
  </item>
</translations>`

// BuildPrompt returns the system and user prompts for req.
func BuildPrompt(req Request) (system, user string) {
	system = req.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	system = strings.NewReplacer(
		"{{sourceLang}}", locale.Name(req.SourceLocale),
		"{{targetLang}}", locale.Name(req.TargetLocale),
	).Replace(system)

	var b strings.Builder
	if req.Domain != "" {
		fmt.Fprintf(&b, "Context: strings from %q.\n\n", req.Domain)
	}
	b.WriteString("Translate these items:\n<translations>\n")
	for _, key := range req.Keys {
		fmt.Fprintf(&b, "  <item>\n    <key>%s</key>\n    <source>%s</source>\n  </item>\n",
			key, cdata(req.Texts[key]))
	}
	b.WriteString("</translations>\n")
	fmt.Fprintf(&b, "\nReturn exactly %d items.", len(req.Keys))
	return system, b.String()
}

// cdata wraps s in a CDATA section, splitting any "]]>" it contains.
func cdata(s string) string {
	return "<![CDATA[" + strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>") + "]]>"
}

// truncate shortens s for log and error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
