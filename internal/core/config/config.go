// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default settings applied before any file or environment override.
const (
	DefaultHTTPAddr         = ":8088"
	DefaultNATSSubjectBase  = "fleetmend.events"
	DefaultMaxExecutionTime = 300 // seconds
	DefaultElevationPrefix  = "sudo -n"
	DefaultStorageDriver    = "memory"
)

// HTTPConfig holds settings for the HTTP API server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig holds settings for the notification publisher. An empty URL
// disables publishing.
type NATSConfig struct {
	URL         string `yaml:"url"`
	SubjectBase string `yaml:"subject_base"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Driver      string `yaml:"driver"` // "memory" or "postgres"
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ExecutionConfig holds command execution behavior
type ExecutionConfig struct {
	// AllowImplicitLocal lets the HTTP layer auto-register a throwaway local
	// connection for servers with no registered connection. Off by default:
	// an operator could otherwise run a command against a stub instead of
	// the intended target.
	AllowImplicitLocal bool `yaml:"allow_implicit_local"`

	// DefaultMaxExecutionTime in seconds, used when a request specifies none
	DefaultMaxExecutionTime int `yaml:"default_max_execution_time"`

	// ElevationPrefix is prepended to commands that require elevation
	ElevationPrefix string `yaml:"elevation_prefix"`
}

// ApprovalConfig holds the approval chain applied to actions that require it
type ApprovalConfig struct {
	// Approvers is the ordered list of approver roles, one workflow step each
	Approvers []string `yaml:"approvers"`
}

// SafetyCheckDef is an operator-defined safety check: a named CEL predicate
// evaluated against the rendered command, parameters, and connection.
type SafetyCheckDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Expression  string `yaml:"expression"`
}

// ActionTypeDef describes a known action type: an optional JSON schema for
// its parameters and defaults merged in before validation.
type ActionTypeDef struct {
	Description string                 `yaml:"description,omitempty"`
	Schema      map[string]interface{} `yaml:"schema,omitempty"`
	Defaults    map[string]interface{} `yaml:"defaults,omitempty"`
}

// Config holds the full application configuration
type Config struct {
	HTTP         HTTPConfig               `yaml:"http"`
	NATS         NATSConfig               `yaml:"nats"`
	Storage      StorageConfig            `yaml:"storage"`
	Execution    ExecutionConfig          `yaml:"execution"`
	Approval     ApprovalConfig           `yaml:"approval"`
	SafetyChecks []SafetyCheckDef         `yaml:"safety_checks,omitempty"`
	ActionTypes  map[string]ActionTypeDef `yaml:"action_types,omitempty"`
}

// NewDefaultConfig creates a configuration with default settings
func NewDefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: DefaultHTTPAddr,
		},
		NATS: NATSConfig{
			SubjectBase: DefaultNATSSubjectBase,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
		},
		Execution: ExecutionConfig{
			DefaultMaxExecutionTime: DefaultMaxExecutionTime,
			ElevationPrefix:         DefaultElevationPrefix,
		},
		Approval: ApprovalConfig{
			Approvers: []string{"infra-lead", "security"},
		},
	}
}

// LoadConfig loads configuration starting from defaults, merging settings
// from the YAML file at path (if non-empty), then applying environment
// variable overrides.
func LoadConfig(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Storage.Driver != "memory" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres storage driver requires a DSN")
	}
	if c.Execution.DefaultMaxExecutionTime <= 0 {
		return fmt.Errorf("default_max_execution_time must be positive")
	}
	if len(c.Approval.Approvers) == 0 {
		return fmt.Errorf("approval chain must have at least one approver")
	}
	for _, check := range c.SafetyChecks {
		if check.Name == "" || check.Expression == "" {
			return fmt.Errorf("safety check definitions require a name and an expression")
		}
	}
	return nil
}

// applyEnvOverrides applies FLEETMEND_* environment variables on top of the
// loaded configuration
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FLEETMEND_HTTP_ADDR"); v != "" {
		config.HTTP.Addr = v
	}
	if v := os.Getenv("FLEETMEND_NATS_URL"); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv("FLEETMEND_NATS_SUBJECT_BASE"); v != "" {
		config.NATS.SubjectBase = v
	}
	if v := os.Getenv("FLEETMEND_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = v
	}
	if v := os.Getenv("FLEETMEND_POSTGRES_DSN"); v != "" {
		config.Storage.PostgresDSN = v
	}
	if v := os.Getenv("FLEETMEND_ALLOW_IMPLICIT_LOCAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Execution.AllowImplicitLocal = b
		}
	}
	if v := os.Getenv("FLEETMEND_DEFAULT_MAX_EXECUTION_TIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Execution.DefaultMaxExecutionTime = n
		}
	}
}
