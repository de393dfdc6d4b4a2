package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML form of Config.
type FileConfig struct {
	Addr     string `toml:"addr"`
	Path     string `toml:"path"`
	APIPath  string `toml:"api_path"`
	LogLevel string `toml:"log_level"`

	RateLimit        float64 `toml:"rate_limit"`
	RateBurst        int     `toml:"rate_burst"`
	RateLimitEnabled *bool   `toml:"rate_limit_enabled"`

	Modules []string `toml:"modules"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.domaind/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".domaind", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to cfg, skipping values
// whose flag was set explicitly.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) {
	s := newConfigSetter(changed)

	s.setString("addr", fc.Addr, &cfg.Addr)
	s.setString("path", fc.Path, &cfg.Path)
	s.setString("api-path", fc.APIPath, &cfg.APIPath)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	s.setFloat("rate-limit", fc.RateLimit, &cfg.RateLimit)
	s.setInt("rate-burst", fc.RateBurst, &cfg.RateBurst)
	s.setBool("rate-limit-enabled", fc.RateLimitEnabled, &cfg.RateLimitEnabled)

	s.setStrings("module", fc.Modules, &cfg.Modules)
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
