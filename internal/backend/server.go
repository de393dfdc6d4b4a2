package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/domain"
	"github.com/quadre-code/domainrpc/internal/transport"
)

var (
	// ErrUnknownModule is returned when a module path is not in the catalog.
	ErrUnknownModule = errors.New("unknown domain module")

	// ErrModuleInit is returned when a module fails to register its domains.
	ErrModuleInit = errors.New("domain module failed to load")
)

// CheckOriginFn validates the origin of a WebSocket upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after a client attaches and before its first frame is read.
type OnConnectFn = func(peer domainrpc.Peer)

// OnDisconnectFn is called when a client detaches. voluntary is true when the
// client closed the transport, false when the server closed it.
type OnDisconnectFn = func(peer domainrpc.Peer, voluntary bool)

// Module registers one or more domains. It runs at most once per server.
type Module func(r *domain.Registry) error

// RateLimitConfig defines rate limiting configuration for connections
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig allows 100 frames per second with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address used by Start.
	Addr string
	// Path is the WebSocket endpoint. Defaults to "/ws".
	Path string
	// APIPath serves the domain descriptions as JSON. Defaults to "/api".
	APIPath string

	// RateLimitConfig limits inbound frames per connection. Nil disables it.
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	OnConnect       OnConnectFn
	OnDisconnect    OnDisconnectFn

	// Modules is the catalog of loadable domain modules keyed by path.
	Modules map[string]Module

	Logger *zerolog.Logger
}

// Server owns the domain registry and every connection attached to it.
type Server struct {
	cfg      Config
	registry *domain.Registry
	manager  *Manager
	log      zerolog.Logger

	mu       sync.Mutex
	running  bool
	server   *http.Server
	upgrader websocket.Upgrader

	modMu   sync.Mutex
	modules map[string]Module
	loaded  map[string]bool
}

// New creates a server with the built-in base domain registered.
func New(cfg Config) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = NoRateLimit()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.APIPath == "" {
		cfg.APIPath = "/api"
	}

	base := zerolog.Nop()
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		modules: make(map[string]Module, len(cfg.Modules)),
		loaded:  make(map[string]bool),
	}
	for path, m := range cfg.Modules {
		s.modules[path] = m
	}

	s.log = base.Hook(&logHook{server: s})
	s.manager = NewManager(s.log)
	s.registry = domain.New(s.manager, s.log)
	s.registerBaseDomain()
	return s
}

// Registry returns the server's domain registry.
func (s *Server) Registry() *domain.Registry { return s.registry }

// Manager returns the server's connection manager.
func (s *Server) Manager() *Manager { return s.manager }

// EmitEvent broadcasts a registered event to every connection.
func (s *Server) EmitEvent(domainName, event string, params ...any) {
	s.registry.EmitEvent(domainName, event, params...)
}

// AddModule adds a module to the catalog. Adding a path twice replaces the
// catalog entry but does not reload an already loaded module.
func (s *Server) AddModule(path string, m Module) {
	s.modMu.Lock()
	defer s.modMu.Unlock()
	s.modules[path] = m
}

// LoadModules loads each path from the catalog in order, skipping paths that
// are already loaded, then announces base:newDomains. When a path fails, the
// paths loaded before it are still announced before the error is returned.
func (s *Server) LoadModules(paths []string) error {
	loaded, err := s.loadModules(paths)
	if err != nil {
		if len(loaded) > 0 {
			s.registry.EmitEvent(domainrpc.BaseDomain, domainrpc.EventNewDomains, loaded)
		}
		return err
	}

	s.registry.EmitEvent(domainrpc.BaseDomain, domainrpc.EventNewDomains, paths)
	return nil
}

func (s *Server) loadModules(paths []string) ([]string, error) {
	s.modMu.Lock()
	defer s.modMu.Unlock()

	var loaded []string
	for _, path := range paths {
		if s.loaded[path] {
			continue
		}
		m, ok := s.modules[path]
		if !ok {
			return loaded, fmt.Errorf("%w: %s", ErrUnknownModule, path)
		}
		if err := m(s.registry); err != nil {
			return loaded, fmt.Errorf("%w: %s: %w", ErrModuleInit, path, err)
		}
		s.loaded[path] = true
		loaded = append(loaded, path)
		s.log.Info().Str("path", path).Msg("domain module loaded")
	}
	return loaded, nil
}

// ServeConn serves one client until its transport closes.
func (s *Server) ServeConn(t transport.Conn) {
	c := newConnection(t, s.registry, s.cfg.RateLimitConfig, s.log)
	s.manager.Add(c)
	s.log.Debug().Str("conn", c.ID()).Str("remote_addr", c.RemoteAddr()).Msg("client attached")

	defer func() {
		voluntary := c.Context().Err() == nil
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(c, voluntary)
		}
		s.manager.Remove(c)
		c.Close()
		s.log.Debug().Str("conn", c.ID()).Bool("voluntary", voluntary).Msg("client detached")
	}()

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}

	c.readLoop()
}

// ServeStdio serves a single client over r and w, typically the stdio of a
// process forked by the client. It returns when the stream ends or ctx is done.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) {
	var closers []io.Closer
	if c, ok := w.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		closers = append(closers, c)
	}
	pipe := transport.NewPipe("stdio", r, w, closers...)

	stop := context.AfterFunc(ctx, func() { pipe.Close() })
	defer stop()

	s.ServeConn(pipe)
}

// Start starts the HTTP listener serving the WebSocket and API endpoints.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(domainrpc.ErrServerAlreadyRunning)
	}
	s.running = true

	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("addr", s.cfg.Addr).Str("path", s.cfg.Path).Msg("server listening")
		return nil
	}
}

// Stop closes every connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.manager.CloseAll()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.manager.CloseAll()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler serving the WebSocket and API endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc(s.cfg.APIPath, s.handleAPI)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	s.ServeConn(transport.NewWebSocket(conn))
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	desc, err := s.registry.GetDomainDescriptions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(desc); err != nil {
		s.log.Debug().Err(err).Msg("failed to write domain descriptions")
	}
}
