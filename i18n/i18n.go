// Package i18n translates the user-facing strings of the lokit-engine CLI.
//
// It wraps gotext with T() and N() helpers. Catalogs are embedded in the
// binary and selected at startup by Init().
//
//	i18n.Init("") // LANGUAGE, LC_ALL, LC_MESSAGES, LANG
//	fmt.Println(i18n.T("Translation complete!"))
//	fmt.Println(i18n.N("%d key", "%d keys", n))
package i18n

import (
	"embed"
	"io/fs"
	"os"
	"strings"

	"github.com/leonelquinteros/gotext"
	"golang.org/x/text/language"
)

// Directory structure: locales/{lang}/LC_MESSAGES/lokit-engine.po
//
//go:embed all:locales
var locales embed.FS

// domain is the gettext domain of the CLI catalogs.
const domain = "lokit-engine"

var po *gotext.Locale

// Init selects the catalog for lang. If lang is empty it is detected from
// the environment, following GNU gettext precedence. Languages without a
// catalog fall back to the closest one, or to English.
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}

	po = gotext.NewLocaleFSWithPath(match(lang), locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
}

// T translates a string. Untranslated strings are returned unchanged.
func T(msgid string) string {
	if po == nil {
		return msgid
	}
	return po.Get(msgid)
}

// N translates a string with plural forms.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

// Available returns the languages with an embedded catalog, English first.
func Available() []string {
	out := []string{"en"}
	entries, err := fs.ReadDir(locales, "locales")
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

// match maps a POSIX or BCP 47 locale onto an embedded catalog name.
func match(lang string) string {
	available := Available()
	tags := make([]language.Tag, len(available))
	for i, name := range available {
		tags[i] = language.Make(name)
	}
	want, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return "en"
	}
	_, idx, conf := language.NewMatcher(tags).Match(want)
	if conf == language.No {
		return "en"
	}
	return available[idx]
}

// detectLanguage reads the locale environment variables in GNU gettext
// priority order: LANGUAGE > LC_ALL > LC_MESSAGES > LANG.
func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		if val := os.Getenv(env); val != "" {
			// LANGUAGE can be a colon-separated list; take the first
			if env == "LANGUAGE" {
				val, _, _ = strings.Cut(val, ":")
			}
			// "ru_RU.UTF-8" -> "ru_RU"
			if idx := strings.IndexByte(val, '.'); idx >= 0 {
				val = val[:idx]
			}
			// C and POSIX mean no translation
			if val == "C" || val == "POSIX" || val == "" {
				continue
			}
			return val
		}
	}
	return "en"
}
