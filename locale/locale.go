// Package locale wraps golang.org/x/text/language for the locale codes that
// flow through requests, prompts and snapshot file names.
package locale

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Parse validates a locale code and returns its canonical BCP 47 tag.
// Underscore separated codes ("pt_BR") are accepted.
func Parse(code string) (language.Tag, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return language.Und, fmt.Errorf("empty locale")
	}
	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return language.Und, fmt.Errorf("invalid locale %q: %w", code, err)
	}
	return tag, nil
}

// Normalize returns the canonical form of a locale code ("pt_br" -> "pt-BR").
// Invalid codes are returned trimmed but otherwise unchanged.
func Normalize(code string) string {
	tag, err := Parse(code)
	if err != nil {
		return strings.TrimSpace(code)
	}
	return tag.String()
}

// Base returns the ISO 639 base language of a locale ("pt-BR" -> "pt").
func Base(code string) string {
	tag, err := Parse(code)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}

// Name returns the English display name of a locale, falling back to the
// code itself when x/text has no name for it.
func Name(code string) string {
	tag, err := Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

// NativeName returns the name of the locale in its own language.
func NativeName(code string) string {
	tag, err := Parse(code)
	if err != nil {
		return code
	}
	if name := display.Self.Name(tag); name != "" {
		return name
	}
	return Name(code)
}
