package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		check   func(*testing.T, Config)
		wantErr string
	}{
		{
			name:  "defaults are valid",
			check: func(t *testing.T, c Config) { assert.Equal(t, DefaultConfig(), c) },
		},
		{
			name:  "rate limiting is opt-in",
			check: func(t *testing.T, c Config) { assert.False(t, c.RateLimitEnabled) },
		},
		{
			name:    "empty addr",
			mutate:  func(c *Config) { c.Addr = "" },
			wantErr: "addr is required",
		},
		{
			name: "paths are normalised",
			mutate: func(c *Config) {
				c.Path = "socket/"
				c.APIPath = ""
			},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "/socket", c.Path)
				assert.Equal(t, DefaultAPIPath, c.APIPath)
			},
		},
		{
			name:    "clashing paths",
			mutate:  func(c *Config) { c.APIPath = "/ws/" },
			wantErr: "path and api-path must differ (both /ws)",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log-level",
		},
		{
			name:    "zero rate limit",
			mutate: func(c *Config) {
				c.RateLimit = 0
				c.RateLimitEnabled = true
			},
			wantErr: "rate limit must be positive",
		},
		{
			name: "zero rate limit when disabled",
			mutate: func(c *Config) {
				c.RateLimit = 0
				c.RateLimitEnabled = false
			},
		},
		{
			name:   "blank modules dropped",
			mutate: func(c *Config) { c.Modules = []string{" filewatch ", "", "  "} },
			check:  func(t *testing.T, c Config) { assert.Equal(t, []string{"filewatch"}, c.Modules) },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			err := c.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	c := DefaultConfig()
	c.LogLevel = "debug"
	assert.Equal(t, zerolog.DebugLevel, c.Level())

	c.LogLevel = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, c.Level())
}

func TestApplyFileConfig(t *testing.T) {
	on := true

	tests := []struct {
		name     string
		file     FileConfig
		changed  map[string]bool
		expected Config
	}{
		{
			name: "applies all values",
			file: FileConfig{
				Addr:             ":9000",
				Path:             "/rpc",
				APIPath:          "/describe",
				LogLevel:         "warn",
				RateLimit:        5,
				RateBurst:        10,
				RateLimitEnabled: &on,
				Modules:          []string{"filewatch"},
			},
			changed: map[string]bool{},
			expected: Config{
				Addr:             ":9000",
				Path:             "/rpc",
				APIPath:          "/describe",
				LogLevel:         "warn",
				RateLimit:        5,
				RateBurst:        10,
				RateLimitEnabled: true,
				Modules:          []string{"filewatch"},
			},
		},
		{
			name:    "respects changed flags",
			file:    FileConfig{Addr: ":9000", LogLevel: "debug"},
			changed: map[string]bool{"addr": true},
			expected: func() Config {
				c := DefaultConfig()
				c.LogLevel = "debug"
				return c
			}(),
		},
		{
			name:     "zero values keep defaults",
			file:     FileConfig{},
			changed:  map[string]bool{},
			expected: DefaultConfig(),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			ApplyFileConfig(&cfg, tt.file, tt.changed)
			assert.Equal(t, tt.expected, cfg)
		})
	}
}

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
addr = "0.0.0.0:8200"
log_level = "debug"
rate_limit_enabled = false
modules = ["filewatch", "extra"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fc, err := LoadFileConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8200", fc.Addr)
	assert.Equal(t, "debug", fc.LogLevel)
	require.NotNil(t, fc.RateLimitEnabled)
	assert.False(t, *fc.RateLimitEnabled)
	assert.Equal(t, []string{"filewatch", "extra"}, fc.Modules)

	assert.True(t, FileExists(path))
	assert.False(t, FileExists(filepath.Join(dir, "missing.toml")))

	_, err = LoadFileConfig(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("addr = "), 0o600))
	_, err = LoadFileConfig(bad)
	assert.Error(t, err)
}

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		changed map[string]bool
		check   func(*testing.T, Config)
		wantErr bool
	}{
		{
			name: "applies env vars",
			env: map[string]string{
				"DOMAIND_ADDR":               ":7000",
				"DOMAIND_LOG_LEVEL":          "error",
				"DOMAIND_RATE_LIMIT":         "2.5",
				"DOMAIND_RATE_BURST":         "4",
				"DOMAIND_RATE_LIMIT_ENABLED": "1",
				"DOMAIND_MODULES":            "filewatch,extra",
			},
			changed: map[string]bool{},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, ":7000", c.Addr)
				assert.Equal(t, "error", c.LogLevel)
				assert.Equal(t, 2.5, c.RateLimit)
				assert.Equal(t, 4, c.RateBurst)
				assert.True(t, c.RateLimitEnabled)
				assert.Equal(t, []string{"filewatch", "extra"}, c.Modules)
			},
		},
		{
			name:    "respects changed flags",
			env:     map[string]string{"DOMAIND_ADDR": ":7000"},
			changed: map[string]bool{"addr": true},
			check:   func(t *testing.T, c Config) { assert.Equal(t, DefaultAddr, c.Addr) },
		},
		{
			name:    "invalid rate limit",
			env:     map[string]string{"DOMAIND_RATE_LIMIT": "fast"},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name:    "invalid burst",
			env:     map[string]string{"DOMAIND_RATE_BURST": "many"},
			changed: map[string]bool{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := DefaultConfig()
			err := ApplyEnvConfig(&cfg, tt.changed)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, filepath.Join("/home/tester", ".domaind", "config.toml"), DefaultConfigPath())
}
