package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/credfill/internal/helper"
)

// setTestEnv sets environment variables for the duration of the test.
func setTestEnv(t *testing.T, envVars map[string]string) {
	t.Helper()
	for key, value := range envVars {
		t.Setenv(key, value)
	}
}

// missingConfig points Load at a file that does not exist.
func missingConfig(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(missingConfig(t))
	require.NoError(t, err)

	assert.Empty(t, cfg.Helpers)
	assert.Equal(t, 30*time.Second, cfg.Helper.Timeout)
	assert.Equal(t, "git-credential-", cfg.Helper.Prefix)
	assert.Equal(t, "sh", cfg.Helper.Shell)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.MetricsEnabled())
	assert.False(t, cfg.Observability.TracingEnabled)
	assert.Equal(t, 1.0, cfg.Observability.TracingSampleRate)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
helpers:
  - name: cache
    command: cache --timeout 300
    operations: [get, store, erase]
  - name: corp
    command: "!corp-vault"
    protocol: https
    host: "*.corp.example"
helper:
  timeout: 5s
  env:
    - VAULT_ADDR=https://vault.corp.example
log:
  level: debug
  format: json
metrics:
  textfile: /var/lib/node_exporter/credfill.prom
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Helpers, 2)
	assert.Equal(t, "cache", cfg.Helpers[0].Name)
	assert.Equal(t, "cache --timeout 300", cfg.Helpers[0].Command)
	assert.Equal(t, []helper.Operation{helper.OpGet, helper.OpStore, helper.OpErase}, cfg.Helpers[0].Operations)
	assert.Equal(t, "!corp-vault", cfg.Helpers[1].Command)
	assert.Equal(t, "*.corp.example", cfg.Helpers[1].Host)

	assert.Equal(t, 5*time.Second, cfg.Helper.Timeout)
	assert.Equal(t, "git-credential-", cfg.Helper.Prefix, "unset keys keep their defaults")
	assert.Equal(t, []string{"VAULT_ADDR=https://vault.corp.example"}, cfg.Helper.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.MetricsEnabled())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
helpers:
  - command: cache
log:
  level: debug
`)
	setTestEnv(t, map[string]string{
		"CREDFILL_LOG_LEVEL":      "error",
		"CREDFILL_HELPER_TIMEOUT": "2s",
		"CREDFILL_HELPERS":        "store --file=/tmp/creds; !echo hi ;",
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Helper.Timeout)
	require.Len(t, cfg.Helpers, 2)
	assert.Equal(t, "store --file=/tmp/creds", cfg.Helpers[0].Command)
	assert.Equal(t, "!echo hi", cfg.Helpers[1].Command)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "log:\n  format: json\n")
	setTestEnv(t, map[string]string{"CREDFILL_CONFIG": path})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "credfill.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CREDFILL_LOG_FORMAT=json\nCREDFILL_LOG_LEVEL=debug\n"), 0o600))
	setTestEnv(t, map[string]string{
		"CREDFILL_ENV_FILE":  envFile,
		"CREDFILL_LOG_LEVEL": "error",
		// Registered so t.Setenv restores it after godotenv sets it.
		"CREDFILL_LOG_FORMAT": "",
	})
	require.NoError(t, os.Unsetenv("CREDFILL_LOG_FORMAT"))

	cfg, err := Load(missingConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "error", cfg.Log.Level, "existing variables win over the env file")
}

func TestLoad_MissingEnvFile(t *testing.T) {
	setTestEnv(t, map[string]string{"CREDFILL_ENV_FILE": filepath.Join(t.TempDir(), "nope.env")})

	_, err := Load(missingConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env file")
}

func TestLoad_InvalidEnvValuesUseDefaults(t *testing.T) {
	setTestEnv(t, map[string]string{
		"CREDFILL_HELPER_TIMEOUT":      "soon",
		"CREDFILL_TRACING_ENABLED":     "maybe",
		"CREDFILL_TRACING_SAMPLE_RATE": "lots",
	})

	cfg, err := Load(missingConfig(t))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Helper.Timeout)
	assert.False(t, cfg.Observability.TracingEnabled)
	assert.Equal(t, 1.0, cfg.Observability.TracingSampleRate)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "helpers: [unterminated\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config file")
}

func TestLoad_ValidationFailure(t *testing.T) {
	setTestEnv(t, map[string]string{"CREDFILL_LOG_LEVEL": "verbose"})

	_, err := Load(missingConfig(t))
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "CREDFILL_LOG_LEVEL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "helper without command",
			mutate: func(c *Config) {
				c.Helpers = []helper.Config{{Name: "empty"}}
			},
			wantErr: "helper empty: command is required",
		},
		{
			name: "unknown operation",
			mutate: func(c *Config) {
				c.Helpers = []helper.Config{{Command: "cache", Operations: []helper.Operation{"list"}}}
			},
			wantErr: `helper #1: unknown operation "list"`,
		},
		{
			name: "non-positive timeout",
			mutate: func(c *Config) {
				c.Helper.Timeout = 0
			},
			wantErr: "CREDFILL_HELPER_TIMEOUT must be greater than 0",
		},
		{
			name: "tracing without endpoint",
			mutate: func(c *Config) {
				c.Observability.TracingEnabled = true
			},
			wantErr: "CREDFILL_TRACING_ENDPOINT is required",
		},
		{
			name: "sample rate out of range",
			mutate: func(c *Config) {
				c.Observability.TracingSampleRate = 1.5
			},
			wantErr: "CREDFILL_TRACING_SAMPLE_RATE",
		},
		{
			name: "helper env without separator",
			mutate: func(c *Config) {
				c.Helper.Env = []string{"VAULT_ADDR"}
			},
			wantErr: `helper env entry "VAULT_ADDR" must be KEY=VALUE`,
		},
		{
			name: "bad log format",
			mutate: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: "CREDFILL_LOG_FORMAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationError_MultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Helper.Timeout = -time.Second
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors, 2)
	assert.Contains(t, err.Error(), "2 validation errors")
}

func TestParseHelperList(t *testing.T) {
	assert.Nil(t, ParseHelperList(" ; ;"))
	assert.Equal(t, []helper.Config{{Command: "a"}, {Command: "b c"}}, ParseHelperList("a;b c"))
}
