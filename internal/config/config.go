/*
PURPOSE:
  Defines the configuration structure and loading logic for evalstream.
  Adheres to "Config IS Code" philosophy.

REQUIREMENTS:
  User-specified:
  - Allow configuration of the backend URL, credential, run defaults and timeouts.

  Implementation-discovered:
  - Needs to support YAML parsing.
  - Needs to support Environment variables overrides (EVALSTREAM_...).
  - The stream read has no natural end, so an idle timeout must be configurable.

ARCHITECTURE INTEGRATION:
  - Used by: internal/cli, internal/engine
  - Dependencies: gopkg.in/yaml.v3, github.com/sethvargo/go-envconfig

ERROR HANDLING:
  - Returns explicit error if config file is invalid.
  - Missing default files fall back to defaults.

IMPLEMENTATION RULES:
  - Config struct tags should support yaml and env.
  - Precedence: defaults < file < environment < flags (flags applied in internal/cli).

USAGE:
  cfg, err := config.Load(ctx, "evalstream.yaml")

SELF-HEALING INSTRUCTIONS:
  - If new fields are needed, add to Config struct, DefaultConfig() and Validate().

RELATED FILES:
  - internal/cli/root.go

MAINTENANCE:
  - Update when adding new tuning parameters.
*/

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/daryltucker/evalstream/internal/model"
)

// EnvPrefix is prepended to every env variable name.
const EnvPrefix = "EVALSTREAM_"

// Interactive modes for the run command.
const (
	InteractiveAuto   = "auto"
	InteractiveAlways = "always"
	InteractiveNever  = "never"
)

// Config represents the full configuration for evalstream.
type Config struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL,overwrite"`
	// Token is the bearer credential for the eval backend.
	Token string `yaml:"token" env:"TOKEN,overwrite"`

	Models []string `yaml:"models" env:"MODELS,overwrite"`
	Prompt string   `yaml:"prompt" env:"PROMPT,overwrite"`
	Rubric string   `yaml:"rubric" env:"RUBRIC,overwrite"`
	Title  string   `yaml:"title" env:"TITLE,overwrite"`
	Trials int      `yaml:"trials" env:"TRIALS,overwrite"`

	OutputDir string `yaml:"output_dir" env:"OUTPUT_DIR,overwrite"`

	// StreamIdleTimeout aborts a run when no bytes arrive for this long. 0 disables.
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout" env:"STREAM_IDLE_TIMEOUT,overwrite"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT,overwrite"`
	Compression       bool          `yaml:"compression" env:"COMPRESSION,overwrite"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR,overwrite"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL,overwrite"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT,overwrite"`
	Interactive string `yaml:"interactive" env:"INTERACTIVE,overwrite"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "http://localhost:3000",
		Models:            model.DefaultModelIDs(),
		Trials:            3,
		OutputDir:         ".",
		StreamIdleTimeout: 2 * time.Minute,
		RequestTimeout:    30 * time.Second,
		Compression:       true,
		LogLevel:          "info",
		LogFormat:         "text",
		Interactive:       InteractiveAuto,
	}
}

// DefaultFiles are searched in order when no path is given.
var DefaultFiles = []string{"evalstream.yaml", "evalstream.yml", ".evalstream.yaml"}

// Load reads configuration from a file, then applies EVALSTREAM_* overrides.
// If path is empty, it searches DefaultFiles; if none exists the defaults are used.
func Load(ctx context.Context, path string) (*Config, error) {
	return LoadWith(ctx, path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit env lookuper (tests use envconfig.MapLookuper).
func LoadWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := DefaultConfig()

	data, path, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("failed to apply %s environment: %w", EnvPrefix, err)
	}

	return cfg, nil
}

func readConfigFile(path string) ([]byte, string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, path, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return data, path, nil
	}
	for _, name := range DefaultFiles {
		data, err := os.ReadFile(name)
		if err == nil {
			return data, name, nil
		}
	}
	return nil, "", nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.Trials < model.MinTrials || c.Trials > model.MaxTrials {
		errs = append(errs, fmt.Errorf("trials must be between %d and %d, got %d", model.MinTrials, model.MaxTrials, c.Trials))
	}
	if c.StreamIdleTimeout < 0 {
		errs = append(errs, errors.New("stream_idle_timeout cannot be negative"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout cannot be negative"))
	}
	switch c.Interactive {
	case InteractiveAuto, InteractiveAlways, InteractiveNever:
	default:
		errs = append(errs, fmt.Errorf("interactive must be one of auto, always, never; got %q", c.Interactive))
	}
	return errors.Join(errs...)
}

// Request builds the run request from the configured run fields.
func (c *Config) Request() model.RunRequest {
	return model.RunRequest{
		Models: append([]string(nil), c.Models...),
		Prompt: c.Prompt,
		Rubric: c.Rubric,
		Title:  c.Title,
		Trials: c.Trials,
	}
}
