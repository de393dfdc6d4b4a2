package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Defaults for the backend daemon.
const (
	DefaultAddr     = "127.0.0.1:8123"
	DefaultPath     = "/ws"
	DefaultAPIPath  = "/api"
	DefaultLogLevel = "info"
)

// Config holds the domaind configuration.
type Config struct {
	Addr     string
	Path     string
	APIPath  string
	LogLevel string

	RateLimit        float64
	RateBurst        int
	RateLimitEnabled bool

	// Modules are catalog paths loaded at startup.
	Modules []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Addr:             DefaultAddr,
		Path:             DefaultPath,
		APIPath:          DefaultAPIPath,
		LogLevel:         DefaultLogLevel,
		RateLimit:        100,
		RateBurst:        200,
		RateLimitEnabled: false,
	}
}

// Validate checks the configuration for errors and normalises paths.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}

	c.Path = normalisePath(c.Path, DefaultPath)
	c.APIPath = normalisePath(c.APIPath, DefaultAPIPath)
	if c.Path == c.APIPath {
		return fmt.Errorf("path and api-path must differ (both %s)", c.Path)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}

	if c.RateLimitEnabled {
		if c.RateLimit <= 0 {
			return fmt.Errorf("rate limit must be positive")
		}
		if c.RateBurst <= 0 {
			return fmt.Errorf("rate burst must be positive")
		}
	}

	modules := c.Modules[:0]
	for _, m := range c.Modules {
		if m = strings.TrimSpace(m); m != "" {
			modules = append(modules, m)
		}
	}
	c.Modules = modules
	return nil
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func normalisePath(p, def string) string {
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// configSetter applies configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

// setIntFromString parses a string to int and sets the destination if valid.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if valid.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
