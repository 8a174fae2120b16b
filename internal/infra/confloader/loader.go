// Package confloader loads configuration from layered sources.
//
// It uses Koanf with the precedence: defaults < config file < environment.
// The config file is KEY=VALUE lines with '#' comments; keys may carry the
// FEDIS_ prefix or not. Environment variables use the FEDIS_ prefix.
package confloader

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix.
const DefaultEnvPrefix = "FEDIS_"

// Loader loads configuration from multiple sources.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures the Loader.
type Option func(*Loader)

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

// NewLoader creates a loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// keyTransform maps FEDIS_AOF_PATH (env or file key) to aof_path.
func (l *Loader) keyTransform(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
}

// Load layers file then environment and unmarshals into target.
func (l *Loader) Load(target any) error {
	if l.filePath != "" {
		if err := l.loadFile(l.filePath); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.loadEnv(); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if err := l.k.Unmarshal("", target); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (l *Loader) loadFile(path string) error {
	parser := dotenv.ParserEnv("", ".", l.keyTransform)
	if err := l.k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("load file %s: %w", path, err)
	}
	return nil
}

func (l *Loader) loadEnv() error {
	provider := env.Provider(l.envPrefix, ".", l.keyTransform)
	if err := l.k.Load(provider, nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// Get returns a raw value by key, empty when unset.
func (l *Loader) Get(key string) any { return l.k.Get(key) }

// FilePath returns the configured file path, empty when none.
func (l *Loader) FilePath() string { return l.filePath }
