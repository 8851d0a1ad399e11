// Package config provides configuration management for credfill.
// Settings are read from an optional YAML file and then overridden by
// environment variables with the CREDFILL_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/conductor/credfill/internal/helper"
)

// Config holds all configuration settings for credfill.
type Config struct {
	Helpers       []helper.Config     `yaml:"helpers"`
	Helper        HelperConfig        `yaml:"helper"`
	Log           LogConfig           `yaml:"log"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Memory        MemoryConfig        `yaml:"memory"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HelperConfig holds settings shared by every helper invocation.
type HelperConfig struct {
	// Timeout bounds a single helper invocation (default: 30s)
	Timeout time.Duration `yaml:"timeout"`
	// Prefix is prepended to bare helper names (default: git-credential-)
	Prefix string `yaml:"prefix"`
	// Shell runs helpers configured as "!command" (default: sh)
	Shell string `yaml:"shell"`
	// Env lists extra KEY=VALUE variables passed to every helper
	Env []string `yaml:"env"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error) (default: warn)
	Level string `yaml:"level"`
	// Format is the log format (json, console) (default: console)
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Textfile is where the registry is written after each command.
	// Empty disables metrics output.
	Textfile string `yaml:"textfile"`
}

// MemoryConfig holds process hardening settings.
type MemoryConfig struct {
	// Lock pins process memory with mlockall (default: false)
	Lock bool `yaml:"lock"`
}

// ObservabilityConfig holds tracing settings.
type ObservabilityConfig struct {
	// TracingEnabled enables OpenTelemetry tracing (default: false)
	TracingEnabled bool `yaml:"tracing_enabled"`
	// TracingEndpoint is the OTLP collector endpoint (e.g., "localhost:4318")
	TracingEndpoint string `yaml:"tracing_endpoint"`
	// TracingInsecure disables TLS for the tracing connection (default: true)
	TracingInsecure bool `yaml:"tracing_insecure"`
	// TracingSampleRate is the sampling rate (0.0 to 1.0) (default: 1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`
	// Environment is the deployment environment (default: development)
	Environment string `yaml:"environment"`
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "credfill", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "credfill", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Helper: HelperConfig{
			Timeout: 30 * time.Second,
			Prefix:  "git-credential-",
			Shell:   "sh",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		Observability: ObservabilityConfig{
			TracingInsecure:   true,
			TracingSampleRate: 1.0,
			Environment:       "development",
		},
	}
}

// Load reads the YAML file at path (DefaultPath when empty), applies
// environment overrides and validates the result. A missing file is not an
// error; an unreadable or malformed one is.
//
// If CREDFILL_ENV_FILE names a dotenv file, its variables are added to the
// environment first. Variables already set are not overridden. The working
// directory's .env is never read implicitly.
func Load(path string) (*Config, error) {
	if envFile := os.Getenv("CREDFILL_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := Default()

	if path == "" {
		path = getEnv("CREDFILL_CONFIG", DefaultPath())
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Helper.Timeout = getEnvDuration("CREDFILL_HELPER_TIMEOUT", c.Helper.Timeout)
	c.Helper.Prefix = getEnv("CREDFILL_HELPER_PREFIX", c.Helper.Prefix)
	c.Helper.Shell = getEnv("CREDFILL_HELPER_SHELL", c.Helper.Shell)

	// CREDFILL_HELPERS replaces the configured list with bare commands,
	// mirroring a sequence of credential.helper entries.
	if raw := os.Getenv("CREDFILL_HELPERS"); raw != "" {
		c.Helpers = ParseHelperList(raw)
	}

	c.Log.Level = getEnv("CREDFILL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("CREDFILL_LOG_FORMAT", c.Log.Format)

	c.Metrics.Textfile = getEnv("CREDFILL_METRICS_TEXTFILE", c.Metrics.Textfile)
	c.Memory.Lock = getEnvBool("CREDFILL_MLOCK", c.Memory.Lock)

	c.Observability.TracingEnabled = getEnvBool("CREDFILL_TRACING_ENABLED", c.Observability.TracingEnabled)
	c.Observability.TracingEndpoint = getEnv("CREDFILL_TRACING_ENDPOINT", c.Observability.TracingEndpoint)
	c.Observability.TracingInsecure = getEnvBool("CREDFILL_TRACING_INSECURE", c.Observability.TracingInsecure)
	c.Observability.TracingSampleRate = getEnvFloat("CREDFILL_TRACING_SAMPLE_RATE", c.Observability.TracingSampleRate)
	c.Observability.Environment = getEnv("CREDFILL_ENVIRONMENT", c.Observability.Environment)
}

// ParseHelperList splits a semicolon separated list of helper commands.
// Empty entries are dropped.
func ParseHelperList(raw string) []helper.Config {
	var helpers []helper.Config
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		helpers = append(helpers, helper.Config{Command: entry})
	}
	return helpers
}

// Validate checks that all configuration fields are valid.
func (c *Config) Validate() error {
	var errs []error

	for i, h := range c.Helpers {
		label := h.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if strings.TrimSpace(h.Command) == "" {
			errs = append(errs, fmt.Errorf("helper %s: command is required", label))
		}
		for _, op := range h.Operations {
			if !op.Valid() {
				errs = append(errs, fmt.Errorf("helper %s: unknown operation %q (must be get, store or erase)", label, op))
			}
		}
	}

	if c.Helper.Timeout <= 0 {
		errs = append(errs, errors.New("CREDFILL_HELPER_TIMEOUT must be greater than 0"))
	}
	if c.Helper.Shell == "" {
		errs = append(errs, errors.New("CREDFILL_HELPER_SHELL must not be empty"))
	}
	for _, kv := range c.Helper.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, fmt.Errorf("helper env entry %q must be KEY=VALUE", kv))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("CREDFILL_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("CREDFILL_LOG_FORMAT must be one of: json, console"))
	}

	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("CREDFILL_TRACING_ENDPOINT is required when tracing is enabled"))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("CREDFILL_TRACING_SAMPLE_RATE must be between 0.0 and 1.0"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// MetricsEnabled returns true if a metrics textfile is configured.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Textfile != ""
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
