package config

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/minios-linux/lokit-engine/locale"
)

// DetectLanguages finds language codes from the files matching an output
// pattern such as "/abs/locales/{lang}.json". The source language is left
// out.
func DetectLanguages(outputPattern, sourceLang string) []string {
	idx := strings.Index(outputPattern, LangPlaceholder)
	if idx < 0 {
		return nil
	}
	prefix := outputPattern[:idx]
	suffix := outputPattern[idx+len(LangPlaceholder):]

	matches, err := filepath.Glob(strings.ReplaceAll(outputPattern, LangPlaceholder, "*"))
	if err != nil {
		return nil
	}

	source := locale.Normalize(sourceLang)
	seen := make(map[string]bool)
	var langs []string
	for _, m := range matches {
		if !strings.HasPrefix(m, prefix) || !strings.HasSuffix(m, suffix) {
			continue
		}
		lang := m[len(prefix) : len(m)-len(suffix)]
		if !isLangCode(lang) || locale.Normalize(lang) == source || seen[lang] {
			continue
		}
		seen[lang] = true
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// isLangCode accepts "de", "pt_BR", "pt-BR" and "zh-Hant" style codes.
func isLangCode(s string) bool {
	if len(s) < 2 || strings.ContainsAny(s, "/\\.") {
		return false
	}
	if s[0] < 'a' || s[0] > 'z' || s[1] < 'a' || s[1] > 'z' {
		return false
	}
	_, err := locale.Parse(s)
	return err == nil
}
