// Package config loads and validates the episode run configuration. The file
// is decoded strictly (unknown fields rejected), defaults are applied, and
// the result is checked against a JSON schema before any port or process is
// touched.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// AgentConfig describes how to launch the agent process.
type AgentConfig struct {
	// Command is the argv used to start the agent; required.
	Command []string `json:"command" yaml:"command"`

	// APIKey is the placeholder handed to the agent's client library.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Env entries are appended to the agent's environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// LoggingConfig selects broker log verbosity.
type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// Config is the full run configuration file.
type Config struct {
	Version int `json:"version" yaml:"version"`

	// PreferredPort 0 means "any free port", the safe choice under concurrency.
	PreferredPort   int `json:"preferred_port" yaml:"preferred_port"`
	PortMaxAttempts int `json:"port_max_attempts,omitempty" yaml:"port_max_attempts,omitempty"`

	RequestTimeoutMS int `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty"`
	MaxSteps         int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	MaxTurns         int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	DeadlineMS       int `json:"deadline_ms,omitempty" yaml:"deadline_ms,omitempty"`
	ShutdownGraceMS  int `json:"shutdown_grace_ms,omitempty" yaml:"shutdown_grace_ms,omitempty"`

	WorkdirRoot  string   `json:"workdir_root" yaml:"workdir_root"`
	OutputDir    string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`

	Agent   AgentConfig   `json:"agent" yaml:"agent"`
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Duration accessors keep millisecond fields out of the rest of the code.

func (c *Config) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutMS) * time.Millisecond }
func (c *Config) Deadline() time.Duration       { return time.Duration(c.DeadlineMS) * time.Millisecond }
func (c *Config) ShutdownGrace() time.Duration  { return time.Duration(c.ShutdownGraceMS) * time.Millisecond }

// Load reads, decodes, defaults, and validates a config file. JSON is used
// for .json files, YAML otherwise.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.PortMaxAttempts == 0 {
		c.PortMaxAttempts = 10
	}
	if c.RequestTimeoutMS == 0 {
		c.RequestTimeoutMS = 300000 // 5 minutes
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = 100
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = 100
	}
	if c.DeadlineMS == 0 {
		c.DeadlineMS = 1800000 // 30 minutes
	}
	if c.ShutdownGraceMS == 0 {
		c.ShutdownGraceMS = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the config against the embedded schema. Violations name
// the offending field path.
func (c *Config) Validate() error {
	// Round-trip through JSON so the schema sees the wire representation.
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("config validation failed: %s", flattenValidationError(ve))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func flattenValidationError(ve *jsonschema.ValidationError) string {
	// Prefer the deepest cause: it names the field, not the whole document.
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
