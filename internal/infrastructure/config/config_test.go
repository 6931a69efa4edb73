package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, int64(5), cfg.Threat.BruteForceThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Threat.BruteForceWindow)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.CleanupInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Incident.RetentionTTL)
	require.NotEmpty(t, cfg.RateLimit.Rules)
	assert.Equal(t, "/api/v1/auth/login", cfg.RateLimit.Rules[0].Prefix)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
threat:
  brute_force_threshold: 7
  timezone: Europe/Berlin
rate_limit:
  rules:
    - prefix: /auth/login
      max_attempts: 5
      window: 15m
`), 0o600))

	t.Setenv("AAE_REDIS__URL", "redis.internal:6379")
	t.Setenv("AAE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, int64(7), cfg.Threat.BruteForceThreshold)
	assert.Equal(t, "Europe/Berlin", cfg.Threat.TimeZone)
	require.Len(t, cfg.RateLimit.Rules, 1)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Rules[0].Window)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "empty rule table",
			mutate:  func(c *Config) { c.RateLimit.Rules = nil },
			wantErr: true,
		},
		{
			name: "rule without window",
			mutate: func(c *Config) {
				c.RateLimit.Rules = []RateLimitRule{{Prefix: "/login", MaxAttempts: 5}}
			},
			wantErr: true,
		},
		{
			name: "rule prefix must be a path",
			mutate: func(c *Config) {
				c.RateLimit.Rules = []RateLimitRule{{Prefix: "login", MaxAttempts: 5, Window: time.Minute}}
			},
			wantErr: true,
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Threat.TimeZone = "Mars/Olympus" },
			wantErr: true,
		},
		{
			name:    "postgres store needs a url",
			mutate:  func(c *Config) { c.Incident.Store = "postgres" },
			wantErr: true,
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Incident.Store = "memory" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
