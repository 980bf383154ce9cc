package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "LOKIT"

// Env holds the LOKIT_* environment overrides.
type Env struct {
	Provider    string        `envconfig:"PROVIDER"`
	Model       string        `envconfig:"MODEL"`
	BaseURL     string        `envconfig:"BASE_URL"`
	APIKey      string        `envconfig:"API_KEY"`
	Proxy       string        `envconfig:"PROXY"`
	Timeout     time.Duration `envconfig:"TIMEOUT"`
	RPS         float64       `envconfig:"RPS"`
	SnapshotDir string        `envconfig:"SNAPSHOT_DIR"`
	Concurrency int           `envconfig:"CONCURRENCY"`
	LogLevel    string        `envconfig:"LOG_LEVEL"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"console"`
}

// LoadEnv reads the LOKIT_* variables. When envFile is not empty the file is
// loaded first; variables already set in the process environment win.
func LoadEnv(envFile string) (*Env, error) {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("environment validation failed: %w", err)
	}
	return &env, nil
}

// Validate checks the override values.
func (e *Env) Validate() error {
	switch e.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOKIT_LOG_FORMAT must be console or json, got %q", e.LogFormat)
	}
	if e.Concurrency < 0 {
		return fmt.Errorf("LOKIT_CONCURRENCY must be >= 0")
	}
	if e.RPS < 0 {
		return fmt.Errorf("LOKIT_RPS must be >= 0")
	}
	return nil
}

// Apply overrides the file settings with the non-empty environment values.
// The API key comes only from the environment.
func (e *Env) Apply(f *File) error {
	if e.Provider != "" {
		f.Provider.ID = e.Provider
	}
	if e.Model != "" {
		f.Provider.Model = e.Model
	}
	if e.BaseURL != "" {
		f.Provider.BaseURL = e.BaseURL
	}
	if e.APIKey != "" {
		f.Provider.APIKey = e.APIKey
	}
	if e.Proxy != "" {
		f.Provider.Proxy = e.Proxy
	}
	if e.Timeout > 0 {
		f.Provider.Timeout = e.Timeout
	}
	if e.RPS > 0 {
		f.Provider.RequestsPerSecond = e.RPS
	}
	if e.SnapshotDir != "" {
		f.SnapshotDir = e.SnapshotDir
	}
	if e.Concurrency > 0 {
		f.Concurrency = e.Concurrency
	}
	if e.LogLevel != "" {
		f.LogLevel = e.LogLevel
	}
	return f.Validate()
}

// Load reads .lokit-engine.yaml from rootDir (or the defaults when it does
// not exist) and applies the environment overrides.
func Load(rootDir, envFile string) (*File, *Env, error) {
	f, err := LoadFile(rootDir)
	if err != nil {
		return nil, nil, err
	}
	if f == nil {
		f = Default()
	}
	env, err := LoadEnv(envFile)
	if err != nil {
		return nil, nil, err
	}
	if err := env.Apply(f); err != nil {
		return nil, nil, err
	}
	return f, env, nil
}
