// Package config reads the .lokit-engine.yaml configuration file and the
// LOKIT_* environment overrides.
//
// The file declares the provider, the snapshot directory, per-tenant plugin
// overrides and the translation targets. Environment variables prefixed
// with LOKIT_ override the provider and logging settings afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/minios-linux/lokit-engine/diff"
	"github.com/minios-linux/lokit-engine/locale"
	"github.com/minios-linux/lokit-engine/provider"
)

// ---------------------------------------------------------------------------
// YAML schema
// ---------------------------------------------------------------------------

// File is the top-level .lokit-engine.yaml structure.
type File struct {
	// SourceLang is the source language code (default "en").
	SourceLang string `yaml:"source_lang,omitempty"`
	// Languages is the default language list for all targets (can be overridden per target).
	Languages []string `yaml:"languages,omitempty"`
	// SnapshotDir holds the checksum snapshots (default ".lokit-engine/snapshots").
	SnapshotDir string `yaml:"snapshot_dir,omitempty"`
	// Provider configures the translation service.
	Provider provider.Config `yaml:"provider"`
	// ChunkSize is how many strings to translate per API call (0 = default).
	ChunkSize int `yaml:"chunk_size,omitempty"`
	// Retries is how often keys missing from a response are requested again.
	Retries *int `yaml:"retries,omitempty"`
	// Concurrency bounds the number of locales translated in parallel.
	Concurrency int `yaml:"concurrency,omitempty"`
	// Prompt overrides the system prompt.
	Prompt string `yaml:"prompt,omitempty"`
	// LogLevel is the zerolog level name (default "info").
	LogLevel string `yaml:"log_level,omitempty"`
	// Tenants maps tenant names to plugin overrides.
	Tenants map[string]Tenant `yaml:"tenants,omitempty"`
	// Targets is the list of translation targets.
	Targets []Target `yaml:"targets"`
}

// Tenant holds the plugin overrides of one tenant.
type Tenant struct {
	Plugins map[string]PluginOverride `yaml:"plugins"`
}

// PluginOverride enables or disables a plugin and sets its configuration.
// Enabled defaults to true when only a configuration is given.
type PluginOverride struct {
	Enabled *bool          `yaml:"enabled,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// IsEnabled reports the effective enablement of the override.
func (o PluginOverride) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Target describes a single translation unit: one source file translated
// into one output file per language.
type Target struct {
	// Name is a human-readable label shown in status/logs.
	Name string `yaml:"name"`
	// Domain scopes the snapshots of this target (default Name).
	Domain string `yaml:"domain,omitempty"`
	// Root is the working directory relative to .lokit-engine.yaml (default ".").
	Root string `yaml:"root,omitempty"`
	// Source is the source language file relative to Root.
	Source string `yaml:"source"`
	// Output is the output file pattern relative to Root; "{lang}" is
	// replaced by the target language (default: Source's directory + "{lang}" + extension).
	Output string `yaml:"output,omitempty"`
	// Tenant selects the plugin overrides used for this target.
	Tenant string `yaml:"tenant,omitempty"`

	// --- overrides ---

	// SourceLang overrides the source language for this target.
	SourceLang string `yaml:"source_lang,omitempty"`
	// Languages overrides the global language list for this target.
	Languages []string `yaml:"languages,omitempty"`
	// Prompt overrides the system prompt for this target.
	Prompt string `yaml:"prompt,omitempty"`
}

// LangPlaceholder is replaced by the language code in Target.Output.
const LangPlaceholder = "{lang}"

// DefaultRetries is used when the file does not set retries.
const DefaultRetries = 1

// DefaultConcurrency is used when neither the file nor the environment sets it.
const DefaultConcurrency = 3

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// FileName is the default config file name.
const FileName = ".lokit-engine.yaml"

// LoadFile loads and validates .lokit-engine.yaml from the given directory.
// Returns nil if no file exists.
func LoadFile(rootDir string) (*File, error) {
	path := filepath.Join(rootDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a configuration file, applies defaults and validates it.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Default returns the configuration used when no file exists.
func Default() *File {
	f := &File{}
	f.applyDefaults()
	return f
}

func (f *File) applyDefaults() {
	if f.SourceLang == "" {
		f.SourceLang = "en"
	}
	if f.SnapshotDir == "" {
		f.SnapshotDir = diff.DefaultDir
	}
	if f.Retries == nil {
		r := DefaultRetries
		f.Retries = &r
	}
	if f.Concurrency <= 0 {
		f.Concurrency = DefaultConcurrency
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if f.Provider.ID == "" {
		f.Provider.ID = provider.ProviderEcho
	}

	for i := range f.Targets {
		t := &f.Targets[i]

		// Default root
		if t.Root == "" {
			t.Root = "."
		}
		if t.Domain == "" {
			t.Domain = t.Name
		}

		// Inherit global languages if not overridden
		if len(t.Languages) == 0 {
			t.Languages = f.Languages
		}

		// Inherit source lang
		if t.SourceLang == "" {
			t.SourceLang = f.SourceLang
		}

		if t.Output == "" && t.Source != "" {
			ext := filepath.Ext(t.Source)
			t.Output = filepath.Join(filepath.Dir(t.Source), LangPlaceholder+ext)
		}
	}
}

// Validate checks locales, provider and targets.
func (f *File) Validate() error {
	if _, err := locale.Parse(f.SourceLang); err != nil {
		return fmt.Errorf("source_lang: %w", err)
	}
	for _, lang := range f.Languages {
		if _, err := locale.Parse(lang); err != nil {
			return fmt.Errorf("languages: %w", err)
		}
	}
	if _, ok := provider.DefaultConfigs()[f.Provider.ID]; !ok {
		return fmt.Errorf("provider %q is unknown (valid: %s)", f.Provider.ID, strings.Join(provider.IDs(), ", "))
	}
	if f.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be >= 0")
	}
	if *f.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}

	seen := make(map[string]bool)
	for i, t := range f.Targets {
		if t.Name == "" {
			return fmt.Errorf("target #%d has no name", i+1)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %q is declared twice", t.Name)
		}
		seen[t.Name] = true
		if t.Source == "" {
			return fmt.Errorf("target %q has no source file", t.Name)
		}
		if !strings.Contains(t.Output, LangPlaceholder) {
			return fmt.Errorf("target %q: output %q must contain %s", t.Name, t.Output, LangPlaceholder)
		}
		if t.Tenant != "" {
			if _, ok := f.Tenants[t.Tenant]; !ok {
				return fmt.Errorf("target %q uses undeclared tenant %q", t.Name, t.Tenant)
			}
		}
		for _, lang := range t.Languages {
			if _, err := locale.Parse(lang); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
		}
	}
	return nil
}

// Target returns the target called name.
func (f *File) Target(name string) (Target, bool) {
	for _, t := range f.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// ---------------------------------------------------------------------------
// Resolving targets
// ---------------------------------------------------------------------------

// ResolvedTarget holds a fully resolved target with absolute paths.
type ResolvedTarget struct {
	Target    Target
	AbsRoot   string
	Languages []string
}

// Resolve converts the targets into ResolvedTargets with absolute paths.
// Targets without a language list get the languages of their existing
// output files.
func (f *File) Resolve(projectRoot string) ([]ResolvedTarget, error) {
	absProjectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	var resolved []ResolvedTarget
	for _, t := range f.Targets {
		absRoot := filepath.Join(absProjectRoot, t.Root)

		// Auto-detect languages if not specified
		langs := t.Languages
		if len(langs) == 0 {
			langs = DetectLanguages(filepath.Join(absRoot, t.Output), t.SourceLang)
		}

		resolved = append(resolved, ResolvedTarget{
			Target:    t,
			AbsRoot:   absRoot,
			Languages: langs,
		})
	}

	return resolved, nil
}

// SourcePath returns the absolute source file path.
func (rt *ResolvedTarget) SourcePath() string {
	return filepath.Join(rt.AbsRoot, rt.Target.Source)
}

// OutputPath returns the absolute output file path for lang.
func (rt *ResolvedTarget) OutputPath(lang string) string {
	return filepath.Join(rt.AbsRoot, strings.ReplaceAll(rt.Target.Output, LangPlaceholder, lang))
}

// AllLanguages returns the deduplicated union of all target languages.
func (f *File) AllLanguages(projectRoot string) []string {
	seen := make(map[string]bool)
	var all []string

	resolved, err := f.Resolve(projectRoot)
	if err != nil {
		return f.Languages
	}

	for _, rt := range resolved {
		for _, lang := range rt.Languages {
			if !seen[lang] {
				seen[lang] = true
				all = append(all, lang)
			}
		}
	}

	sort.Strings(all)
	return all
}
