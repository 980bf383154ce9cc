package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/minios-linux/lokit-engine/diff"
	"github.com/minios-linux/lokit-engine/provider"
)

const sampleFile = `
source_lang: en
languages: [de, fr]
provider:
  id: openai
  model: gpt-4.1-mini
  timeout: 45s
  requests_per_second: 2
chunk_size: 20
tenants:
  acme:
    plugins:
      langcheck:
        config:
          min_length: 30
      diff:
        enabled: false
targets:
  - name: web
    source: locales/en.json
  - name: docs
    domain: handbook
    root: docs
    source: i18n/en.yaml
    output: i18n/{lang}/strings.yaml
    languages: [pt_BR]
    tenant: acme
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return dir
}

func TestLoadFileDefaultsAndInheritance(t *testing.T) {
	dir := writeConfig(t, sampleFile)
	f, err := LoadFile(dir)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if f.SnapshotDir != diff.DefaultDir {
		t.Errorf("SnapshotDir = %q, want %q", f.SnapshotDir, diff.DefaultDir)
	}
	if *f.Retries != DefaultRetries || f.Concurrency != DefaultConcurrency {
		t.Errorf("retries/concurrency = %d/%d", *f.Retries, f.Concurrency)
	}
	if f.Provider.Timeout != 45*time.Second {
		t.Errorf("Provider.Timeout = %v, want 45s", f.Provider.Timeout)
	}
	if f.Provider.RequestsPerSecond != 2 {
		t.Errorf("Provider.RequestsPerSecond = %v, want 2", f.Provider.RequestsPerSecond)
	}

	web, ok := f.Target("web")
	if !ok {
		t.Fatal("target web not found")
	}
	if web.Domain != "web" || web.Root != "." || web.SourceLang != "en" {
		t.Errorf("web defaults = %+v", web)
	}
	if web.Output != filepath.Join("locales", "{lang}.json") {
		t.Errorf("web.Output = %q", web.Output)
	}
	if !reflect.DeepEqual(web.Languages, []string{"de", "fr"}) {
		t.Errorf("web.Languages = %v, want inherited [de fr]", web.Languages)
	}

	docs, _ := f.Target("docs")
	if docs.Domain != "handbook" || !reflect.DeepEqual(docs.Languages, []string{"pt_BR"}) {
		t.Errorf("docs = %+v", docs)
	}

	overrides := f.Tenants["acme"].Plugins
	if !overrides["langcheck"].IsEnabled() || overrides["diff"].IsEnabled() {
		t.Errorf("tenant overrides = %+v", overrides)
	}
	if got := overrides["langcheck"].Config["min_length"]; got != 30 {
		t.Errorf("langcheck min_length = %v (%T), want 30", got, got)
	}
}

func TestLoadFileMissing(t *testing.T) {
	f, err := LoadFile(t.TempDir())
	if err != nil || f != nil {
		t.Fatalf("LoadFile(empty dir) = %v, %v; want nil, nil", f, err)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "provider: {id: nope}\n"},
		{"bad source lang", "source_lang: '!!'\n"},
		{"target without name", "targets: [{source: a.json}]\n"},
		{"target without source", "targets: [{name: a}]\n"},
		{"duplicate target", "targets: [{name: a, source: a.json}, {name: a, source: b.json}]\n"},
		{"output without placeholder", "targets: [{name: a, source: a.json, output: out.json}]\n"},
		{"undeclared tenant", "targets: [{name: a, source: a.json, tenant: ghost}]\n"},
		{"negative chunk size", "chunk_size: -1\n"},
		{"invalid yaml", "targets: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.content)); err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tc.content)
			}
		})
	}
}

func TestResolveDetectsLanguages(t *testing.T) {
	dir := t.TempDir()
	locales := filepath.Join(dir, "locales")
	if err := os.MkdirAll(locales, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, name := range []string{"en.json", "de.json", "pt-BR.json", "README.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(locales, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	f, err := Parse([]byte("targets: [{name: web, source: locales/en.json}]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resolved, err := f.Resolve(dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("got %d resolved targets", len(resolved))
	}
	rt := resolved[0]
	if want := []string{"de", "pt-BR"}; !reflect.DeepEqual(rt.Languages, want) {
		t.Errorf("Languages = %v, want %v", rt.Languages, want)
	}
	if got, want := rt.OutputPath("fr"), filepath.Join(locales, "fr.json"); got != want {
		t.Errorf("OutputPath = %q, want %q", got, want)
	}
	if got, want := rt.SourcePath(), filepath.Join(locales, "en.json"); got != want {
		t.Errorf("SourcePath = %q, want %q", got, want)
	}
	if got := f.AllLanguages(dir); !reflect.DeepEqual(got, []string{"de", "pt-BR"}) {
		t.Errorf("AllLanguages = %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOKIT_PROVIDER", "groq")
	t.Setenv("LOKIT_MODEL", "llama-3.3-70b")
	t.Setenv("LOKIT_API_KEY", "secret")
	t.Setenv("LOKIT_TIMEOUT", "10s")
	t.Setenv("LOKIT_CONCURRENCY", "8")

	dir := writeConfig(t, sampleFile)
	f, env, err := Load(dir, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Provider.ID != provider.ProviderGroq || f.Provider.Model != "llama-3.3-70b" {
		t.Errorf("provider = %+v", f.Provider)
	}
	if f.Provider.APIKey != "secret" || f.Provider.Timeout != 10*time.Second {
		t.Errorf("provider = %+v", f.Provider)
	}
	if f.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", f.Concurrency)
	}
	if env.LogFormat != "console" {
		t.Errorf("LogFormat = %q, want default console", env.LogFormat)
	}
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("LOKIT_SNAPSHOT_DIR=/tmp/snaps\nLOKIT_LOG_LEVEL=debug\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// godotenv sets process variables; register them for cleanup.
	t.Setenv("LOKIT_SNAPSHOT_DIR", "")
	os.Unsetenv("LOKIT_SNAPSHOT_DIR")
	t.Setenv("LOKIT_LOG_LEVEL", "warn")

	f, _, err := Load(dir, envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.SnapshotDir != "/tmp/snaps" {
		t.Errorf("SnapshotDir = %q, want value from .env", f.SnapshotDir)
	}
	if f.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want process env to win over .env", f.LogLevel)
	}

	if _, _, err := Load(dir, filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}
}

func TestEnvValidation(t *testing.T) {
	t.Setenv("LOKIT_LOG_FORMAT", "xml")
	if _, err := LoadEnv(""); err == nil {
		t.Fatal("LoadEnv accepted LOKIT_LOG_FORMAT=xml")
	}
}
