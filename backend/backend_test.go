package backend_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/backend"
)

// TestDefaultRateLimitConfig tests the default rate limit configuration
func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	config := backend.DefaultRateLimitConfig()

	if config == nil {
		t.Fatal("DefaultRateLimitConfig() returned nil")
	}

	if !config.Enabled {
		t.Error("Default rate limit should be enabled")
	}

	if config.MessagesPerSecond != 100 {
		t.Errorf("Default MessagesPerSecond = %v, want 100", config.MessagesPerSecond)
	}

	if config.Burst != 200 {
		t.Errorf("Default Burst = %v, want 200", config.Burst)
	}
}

// TestNoRateLimit tests the no rate limit configuration
func TestNoRateLimit(t *testing.T) {
	t.Parallel()

	config := backend.NoRateLimit()

	if config == nil {
		t.Fatal("NoRateLimit() returned nil")
	}

	if config.Enabled {
		t.Error("NoRateLimit should have Enabled = false")
	}
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	limits := &backend.RateLimitConfig{MessagesPerSecond: rate.Limit(10), Burst: 20, Enabled: true}
	connected := false
	cfg := backend.NewConfig(":0", limits, backend.AllOrigins(), func(domainrpc.Peer) { connected = true }, nil)

	if cfg.Addr != ":0" {
		t.Errorf("Addr = %q, want :0", cfg.Addr)
	}
	if cfg.RateLimitConfig != limits {
		t.Error("rate limit config not kept")
	}
	if cfg.Modules == nil {
		t.Error("Modules should be initialised")
	}
	if cfg.OnConnect == nil || cfg.OnDisconnect != nil {
		t.Error("callbacks not kept")
	}
	cfg.OnConnect(nil)
	if !connected {
		t.Error("OnConnect not invoked")
	}
}

func TestAllOrigins(t *testing.T) {
	t.Parallel()

	check := backend.AllOrigins()
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	if !check(req) {
		t.Error("AllOrigins should accept any origin")
	}
}

func TestNewRegistersBaseDomain(t *testing.T) {
	t.Parallel()

	srv := backend.New(backend.NewConfig(":0", backend.NoRateLimit(), nil, nil, nil))
	if !srv.Registry().HasDomain(domainrpc.BaseDomain) {
		t.Fatal("base domain missing")
	}

	err := srv.Registry().RegisterCommand(domainrpc.BaseDomain, domainrpc.CmdGetDomainDescriptions,
		func(backend.Params) (any, error) { return nil, nil }, backend.CommandSpec{})
	if !errors.Is(err, backend.ErrDuplicateCommand) {
		t.Fatalf("err = %v, want ErrDuplicateCommand", err)
	}
}
