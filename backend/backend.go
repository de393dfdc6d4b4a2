// Package backend exposes the domain server: a registry of command domains
// reachable over WebSocket or over the stdio of a forked process.
package backend

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/quadre-code/domainrpc/internal/backend"
	"github.com/quadre-code/domainrpc/internal/domain"
)

type (
	Server          = backend.Server
	Config          = backend.Config
	Module          = backend.Module
	RateLimitConfig = backend.RateLimitConfig
	CheckOriginFn   = backend.CheckOriginFn
	OnConnectFn     = backend.OnConnectFn
	OnDisconnectFn  = backend.OnDisconnectFn

	Registry    = domain.Registry
	Version     = domain.Version
	ParamSpec   = domain.ParamSpec
	CommandSpec = domain.CommandSpec
	Params      = domain.Params
	Reply       = domain.Reply
)

var (
	ErrUnknownModule    = backend.ErrUnknownModule
	ErrModuleInit       = backend.ErrModuleInit
	ErrDuplicateCommand = domain.ErrDuplicateCommand
)

// New creates a server with the base domain registered.
//
// Example:
//
//	srv := backend.New(backend.NewConfig(":8123", backend.DefaultRateLimitConfig(), backend.AllOrigins(), nil, nil))
//	srv.AddModule("editor/files", files.Register)
//	srv.Start(ctx)
func New(cfg *Config) *Server {
	return backend.New(*cfg)
}

// NewConfig builds a Config with the given listen address and callbacks.
// Modules can be added to the returned value or later with Server.AddModule.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) *Config {
	return &Config{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		CheckOrigin:     checkOrigin,
		OnConnect:       onConnect,
		OnDisconnect:    onDisconnect,
		Modules:         make(map[string]Module),
	}
}

// WithLogger sets the logger of cfg and returns it.
func WithLogger(cfg *Config, log zerolog.Logger) *Config {
	cfg.Logger = &log
	return cfg
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return backend.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return backend.NoRateLimit()
}
