// Package provider implements the external translator collaborators used by
// the translation stage: an OpenAI-compatible HTTP client with streaming
// support, and in-process providers for dry runs and tests.
//
// Providers only ever hand raw text fragments to the pipeline; decoding the
// fragments into items is the decoder's job.
package provider

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Provider IDs
// ---------------------------------------------------------------------------

const (
	ProviderOpenAI       = "openai"
	ProviderGoogle       = "google"
	ProviderGroq         = "groq"
	ProviderOllama       = "ollama"
	ProviderCustomOpenAI = "custom-openai"
	ProviderEcho         = "echo"
)

// Usage carries token counters reported by a provider.
type Usage struct {
	Input  int
	Output int
	Cost   float64
}

// Fragment is one piece of provider output. Usage is set on the fragment
// that carries the counters, usually the last one.
type Fragment struct {
	Text  string
	Usage *Usage
}

// Request is what the translation stage asks a provider to translate.
type Request struct {
	SourceLocale string
	TargetLocale string
	// Keys lists the keys of this batch in prompt order.
	Keys []string
	// Texts maps every key of Keys to its source text.
	Texts map[string]string
	// Domain is passed through for prompt context.
	Domain string
	// SystemPrompt overrides the default system prompt.
	SystemPrompt string
}

// Provider streams the raw response for one batch.
type Provider interface {
	Name() string
	Execute(ctx context.Context, req Request) iter.Seq2[Fragment, error]
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) iter.Seq2[Fragment, error]

func (f Func) Name() string { return "func" }

func (f Func) Execute(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return f(ctx, req)
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the configuration for an AI translation service.
type Config struct {
	// ID is the provider identifier (openai, groq, ollama, etc.).
	ID string `yaml:"id"`
	// Name is the display name.
	Name string `yaml:"name,omitempty"`
	// BaseURL is the API base URL.
	BaseURL string `yaml:"base_url,omitempty"`
	// APIKey is the authentication key (empty for local services).
	APIKey string `yaml:"-"`
	// Model is the model identifier.
	Model string `yaml:"model,omitempty"`
	// Proxy is an optional HTTP/HTTPS proxy URL.
	Proxy string `yaml:"proxy,omitempty"`
	// Timeout is the request timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// MaxRetries bounds retries on 429, 5xx and transport errors.
	MaxRetries int `yaml:"max_retries,omitempty"`
	// RequestsPerSecond throttles requests; 0 disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty"`
	// Stream enables server-sent-event streaming.
	Stream bool `yaml:"stream,omitempty"`
}

// DefaultConfigs returns the pre-configured provider definitions.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		ProviderOpenAI: {
			ID:      ProviderOpenAI,
			Name:    "OpenAI",
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 120 * time.Second,
			Stream:  true,
		},
		ProviderGoogle: {
			ID:      ProviderGoogle,
			Name:    "Google AI (Gemini)",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:   "gemini-2.0-flash",
			Timeout: 120 * time.Second,
			Stream:  true,
		},
		ProviderGroq: {
			ID:      ProviderGroq,
			Name:    "Groq",
			BaseURL: "https://api.groq.com/openai/v1",
			Timeout: 60 * time.Second,
			Stream:  true,
		},
		ProviderOllama: {
			ID:      ProviderOllama,
			Name:    "Ollama",
			BaseURL: "http://localhost:11434/v1",
			Timeout: 120 * time.Second,
		},
		ProviderCustomOpenAI: {
			ID:      ProviderCustomOpenAI,
			Name:    "Custom OpenAI",
			Timeout: 60 * time.Second,
		},
		ProviderEcho: {
			ID:   ProviderEcho,
			Name: "Echo (dry run)",
		},
	}
}

// IDs returns the known provider IDs, sorted.
func IDs() []string {
	ids := make([]string, 0)
	for id := range DefaultConfigs() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve fills the zero fields of cfg from the default configuration of
// its ID.
func Resolve(cfg Config) Config {
	def, ok := DefaultConfigs()[strings.ToLower(strings.TrimSpace(cfg.ID))]
	if !ok {
		return cfg
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if !cfg.Stream {
		cfg.Stream = def.Stream
	}
	return cfg
}

// New builds the provider for cfg.
func New(cfg Config, log zerolog.Logger) (Provider, error) {
	cfg = Resolve(cfg)
	switch cfg.ID {
	case ProviderEcho:
		return &Static{ID: ProviderEcho}, nil
	case "":
		return nil, fmt.Errorf("provider id is required (available: %s)", strings.Join(IDs(), ", "))
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base URL is required", cfg.ID)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", cfg.ID)
	}
	return NewHTTP(cfg, log), nil
}
