package config

import (
	"os"
	"strings"
)

// ApplyEnvConfig applies DOMAIND_* environment variables to cfg, skipping
// values whose flag was set explicitly. DOMAIND_MODULES is comma separated.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("addr", os.Getenv("DOMAIND_ADDR"), &cfg.Addr)
	s.setString("path", os.Getenv("DOMAIND_PATH"), &cfg.Path)
	s.setString("api-path", os.Getenv("DOMAIND_API_PATH"), &cfg.APIPath)
	s.setString("log-level", os.Getenv("DOMAIND_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setFloatFromString("rate-limit", os.Getenv("DOMAIND_RATE_LIMIT"), &cfg.RateLimit); err != nil {
		return err
	}
	if err := s.setIntFromString("rate-burst", os.Getenv("DOMAIND_RATE_BURST"), &cfg.RateBurst); err != nil {
		return err
	}
	s.setBoolFromString("rate-limit-enabled", os.Getenv("DOMAIND_RATE_LIMIT_ENABLED"), &cfg.RateLimitEnabled)

	if v := os.Getenv("DOMAIND_MODULES"); v != "" {
		s.setStrings("module", strings.Split(v, ","), &cfg.Modules)
	}
	return nil
}
