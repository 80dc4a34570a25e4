// Package config provides the configuration system for the collector.
//
// One YAML file describes every source plus the shared collector settings.
// Environment variables override file values, and credential values support
// ${VAR} expansion so tokens never need to live in the file itself.
package config

import (
	"fmt"
	"os"
	"time"
)

// Known source connector types.
const (
	TypeGitLab          = "gitlab"
	TypeOkta            = "okta"
	TypeGoogleWorkspace = "googleworkspace"
)

// Config is the root configuration for one collector process.
type Config struct {
	// StateDir holds the per-source watermark files
	StateDir string `mapstructure:"state_dir"`

	Logging LoggingConfig `mapstructure:"logging"`
	Puller  PullerConfig  `mapstructure:"puller"`

	// Sources maps a source name to its connector configuration
	Sources map[string]*SourceConfig `mapstructure:"sources"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

// PullerConfig holds settings shared by every pull cycle.
type PullerConfig struct {
	// InterSourceDelay spaces out consecutive sources to respect
	// upstream quota
	InterSourceDelay time.Duration `mapstructure:"inter_source_delay"`

	// MetricsListen, when set, serves Prometheus metrics on this
	// address for the duration of the run
	MetricsListen string `mapstructure:"metrics_listen"`
}

// SourceConfig configures one source connector instance.
type SourceConfig struct {
	// Name identifies the source instance; filled from the config map key
	Name string `mapstructure:"-"`
	// Type selects the connector implementation; defaults to Name
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// Endpoint is the API base (GitLab host, Okta domain); unused for
	// sources whose SDK carries its own endpoint
	Endpoint string `mapstructure:"endpoint"`

	// Destination is the append-only NDJSON file this source writes to
	Destination string `mapstructure:"destination"`

	// PageSize is the per-request record limit
	PageSize int `mapstructure:"page_size"`
	// MaxPages bounds the pagination loop for one cycle
	MaxPages int `mapstructure:"max_pages"`
	// PageDelay spaces out consecutive page fetches
	PageDelay time.Duration `mapstructure:"page_delay"`
	// Lookback overrides the connector's default first-run window
	Lookback time.Duration `mapstructure:"lookback"`

	// Streams lists sub-streams pulled independently (Workspace
	// application names); empty for single-stream sources
	Streams []string `mapstructure:"streams"`

	// RequestTimeout bounds each upstream HTTP call
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Credentials stores authentication material; values support
	// ${ENV_VAR} expansion
	Credentials map[string]string `mapstructure:"credentials"`
}

// Credential returns the named credential with environment expansion applied.
func (sc *SourceConfig) Credential(key string) string {
	return os.ExpandEnv(sc.Credentials[key])
}

// Validate validates the configuration for correctness.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	for name, sc := range c.Sources {
		if !sc.Enabled {
			continue
		}
		switch sc.Type {
		case TypeGitLab, TypeOkta, TypeGoogleWorkspace:
		default:
			return fmt.Errorf("source %s: unknown type %q", name, sc.Type)
		}
		if sc.Destination == "" {
			return fmt.Errorf("source %s: destination is required", name)
		}
		if sc.PageSize <= 0 {
			return fmt.Errorf("source %s: page_size must be positive", name)
		}
		if sc.MaxPages <= 0 {
			return fmt.Errorf("source %s: max_pages must be positive", name)
		}
	}
	return nil
}

// normalize fills derived and defaulted per-source fields after unmarshal.
func (c *Config) normalize() {
	for name, sc := range c.Sources {
		sc.Name = name
		if sc.Type == "" {
			sc.Type = name
		}
		if sc.PageSize == 0 {
			sc.PageSize = 1000
		}
		if sc.MaxPages == 0 {
			sc.MaxPages = 500
		}
		if sc.PageDelay == 0 {
			sc.PageDelay = time.Second
		}
		if sc.RequestTimeout == 0 {
			sc.RequestTimeout = 60 * time.Second
		}
		if sc.Credentials == nil {
			sc.Credentials = make(map[string]string)
		}
	}
}
