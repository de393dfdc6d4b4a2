package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/protocol"
	"github.com/quadre-code/domainrpc/internal/transport"
)

var (
	// ErrMaxConnectionAttempts is returned by Connect after every attempt failed.
	ErrMaxConnectionAttempts = errors.New("Max connection attempts reached")

	// ErrCleanup rejects commands that were outstanding when their
	// connection was torn down.
	ErrCleanup = errors.New("cleanup")

	// ErrNotConnected is returned for commands issued without a live transport.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when a connection attempt or a module load
	// exceeds the connection timeout.
	ErrTimeout = errors.New("timed out")

	// ErrDuplicateModulePath is returned when a module path is registered for
	// auto-reload twice on a connection that forbids it. It indicates a
	// configuration bug.
	ErrDuplicateModulePath = errors.New("domain module path already registered")
)

// Options tune a Connection. Zero values take the package defaults.
type Options struct {
	// ConnectionTimeout bounds each dial attempt, the interface refresh and
	// each module load.
	ConnectionTimeout time.Duration
	// MaxAttempts is the number of dial attempts made by Connect.
	MaxAttempts int
	// RetryDelay is the minimum spacing between dial attempts.
	RetryDelay time.Duration
	// StrictModulePaths makes LoadDomains reject a path already registered
	// for auto-reload.
	StrictModulePaths bool

	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = domainrpc.ConnectionTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = domainrpc.MaxConnectionAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = domainrpc.RetryDelay
	}
	return o
}

// Connection is the client side of the protocol. It exposes backend domains
// as callable stubs, delivers backend events to subscribers, and reconnects
// when the backend goes away.
type Connection struct {
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	mu            sync.Mutex
	conn          transport.Conn
	epoch         uint64
	autoReconnect bool
	domains       *Domains
	modulePaths   []string

	pending *pendingTable
	subs    *subscribers
	// events delivers event handlers in arrival order, off the read loop.
	events callbackQueue
}

// New creates a disconnected Connection that dials through d.
func New(d Dialer, opts Options) *Connection {
	opts = opts.withDefaults()
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	c := &Connection{
		dialer:  d,
		opts:    opts,
		log:     log,
		pending: newPendingTable(),
		subs:    newSubscribers(),
	}
	c.domains = newDomains(c, nil)
	return c
}

// Domains returns the current interface snapshot. The returned value is
// replaced, not updated, when the backend announces new domains.
func (c *Connection) Domains() *Domains {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.domains
}

// Domain is a shortcut for Domains().Get(name).
func (c *Connection) Domain(name string) (*Domain, bool) {
	return c.Domains().Get(name)
}

// On subscribes fn to the backend event "domain:event". The returned
// function removes the subscription.
func (c *Connection) On(name string, fn EventHandler) func() {
	return c.subs.on(name, fn)
}

// OnClose subscribes fn to connection loss notifications.
func (c *Connection) OnClose(fn CloseHandler) func() {
	return c.subs.onClose(fn)
}

// Connected reports whether a transport is attached and open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	if a, ok := conn.(interface{ IsAlive() bool }); ok {
		return a.IsAlive()
	}
	return true
}

// Outstanding returns the number of commands awaiting a response.
func (c *Connection) Outstanding() int { return c.pending.len() }

// Connect tears down any previous transport and dials the backend, retrying
// up to MaxAttempts times. Once a transport is open it refreshes the
// interface and replays registered domain modules before returning.
func (c *Connection) Connect(ctx context.Context, autoReconnect bool) error {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	old := c.conn
	c.conn = nil
	c.autoReconnect = autoReconnect
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.pending.rejectAll(ErrCleanup)

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		start := time.Now()
		conn, err := c.dial(ctx)
		if err == nil {
			return c.establish(ctx, epoch, conn)
		}
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("connection attempt failed")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := max(c.opts.RetryDelay-time.Since(start), time.Millisecond)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.autoReconnect = false
	}
	c.mu.Unlock()
	c.log.Warn().Int("attempts", c.opts.MaxAttempts).Msg("giving up on backend connection")
	return ErrMaxConnectionAttempts
}

// dial runs one attempt bounded by the connection timeout. A transport that
// opens after the timeout is closed.
func (c *Connection) dial(ctx context.Context) (transport.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()

	type result struct {
		conn transport.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dialer.Dial(dctx)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", ErrTimeout, dctx.Err())
	}
}

// establish installs conn, refreshes the interface and replays modules.
func (c *Connection) establish(ctx context.Context, epoch uint64, conn transport.Conn) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		conn.Close()
		return ErrCleanup
	}
	c.conn = conn
	paths := append([]string(nil), c.modulePaths...)
	c.mu.Unlock()

	go c.readLoop(conn)

	fail := func(err error) error {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.pending.rejectAll(ErrCleanup)
		return err
	}

	if err := c.refreshInterface(ctx); err != nil {
		return fail(err)
	}
	if len(paths) > 0 {
		if err := c.loadModules(ctx, paths); err != nil {
			return fail(fmt.Errorf("replay domain modules: %w", err))
		}
	}

	c.log.Info().Str("remote_addr", conn.RemoteAddr()).Msg("connected to backend")
	return nil
}

// Disconnect closes the transport, disables auto-reconnect and rejects every
// outstanding command with ErrCleanup. No close notification is delivered.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.epoch++
	conn := c.conn
	c.conn = nil
	c.autoReconnect = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.pending.rejectAll(ErrCleanup)
}

// LoadDomains asks the backend to load domain modules by path and refreshes
// the interface. With autoReload the paths are replayed after every reconnect.
func (c *Connection) LoadDomains(ctx context.Context, paths []string, autoReload bool) error {
	if autoReload && c.opts.StrictModulePaths {
		c.mu.Lock()
		for _, p := range paths {
			for _, registered := range c.modulePaths {
				if p == registered {
					c.mu.Unlock()
					return fmt.Errorf("%w: %s", ErrDuplicateModulePath, p)
				}
			}
		}
		c.mu.Unlock()
	}

	if err := c.loadModules(ctx, paths); err != nil {
		return err
	}

	if autoReload {
		c.mu.Lock()
		for _, p := range paths {
			if !contains(c.modulePaths, p) {
				c.modulePaths = append(c.modulePaths, p)
			}
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Connection) loadModules(ctx context.Context, paths []string) error {
	lctx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()

	p := c.exec(domainrpc.BaseDomain, domainrpc.CmdLoadDomainModules, nil, paths)
	if _, err := p.Wait(lctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("load domain modules: %w", ErrTimeout)
		}
		return fmt.Errorf("load domain modules: %w", err)
	}
	return c.refreshInterface(ctx)
}

// refreshInterface fetches the domain descriptions and replaces Domains.
func (c *Connection) refreshInterface(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()

	resp, err := c.exec(domainrpc.BaseDomain, domainrpc.CmdGetDomainDescriptions, nil).Wait(rctx)
	if err != nil {
		return fmt.Errorf("refresh interface: %w", err)
	}
	desc, err := decodeDescriptions(resp)
	if err != nil {
		return err
	}

	next := newDomains(c, desc)
	c.mu.Lock()
	c.domains = next
	c.mu.Unlock()
	return nil
}

// exec sends a request and records it as pending.
func (c *Connection) exec(domainName, command string, progress ProgressFunc, args ...any) *Pending {
	p := newPending(progress)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		p.settle(Response{}, ErrNotConnected)
		return p
	}

	id := c.pending.add(p)
	data, err := protocol.EncodeRequest(id, domainName, command, args...)
	if err != nil {
		c.pending.take(id)
		p.settle(Response{}, err)
		return p
	}
	if err := conn.WriteFrame(transport.Text(data)); err != nil {
		if c.pending.take(id) != nil {
			p.settle(Response{}, fmt.Errorf("send %s.%s: %w", domainName, command, err))
		}
		return p
	}

	// The transport may have been torn down while the request was written.
	c.mu.Lock()
	current := c.conn
	c.mu.Unlock()
	if current != conn && c.pending.take(id) != nil {
		p.settle(Response{}, fmt.Errorf("command %d: %w", id, ErrCleanup))
	}
	return p
}

func (c *Connection) readLoop(conn transport.Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		msg, err := protocol.Decode(f.Data, f.Binary)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Connection) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.CommandResponse:
		if p := c.pending.take(m.ID); p != nil {
			p.later(func() { p.settle(Response{Raw: m.Response, Binary: m.Binary}, nil) })
		}
	case protocol.CommandProgress:
		if p := c.pending.get(m.ID); p != nil {
			p.later(func() { p.notify(m.Message) })
		}
	case protocol.CommandError:
		if p := c.pending.take(m.ID); p != nil {
			p.later(func() {
				p.settle(Response{}, &CommandError{ID: m.ID, Message: m.Message, Stack: m.Stack})
			})
		}
	case protocol.Event:
		if m.Domain == domainrpc.BaseDomain && m.Event == domainrpc.EventNewDomains {
			go func() {
				if err := c.refreshInterface(context.Background()); err != nil {
					c.log.Warn().Err(err).Msg("interface refresh failed")
				}
			}()
		}
		name := m.Domain + ":" + m.Event
		c.events.push(func() { c.subs.dispatch(name, m.Parameters) })
	case protocol.Error:
		c.log.Error().Str("message", m.Message).Msg("backend rejected a frame")
	default:
		c.log.Error().Str("type", msg.Type()).Msg("unhandled message")
	}
}

// handleClose runs when the read loop of conn ends.
func (c *Connection) handleClose(conn transport.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// Replaced or disconnected on purpose.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	auto := c.autoReconnect
	c.mu.Unlock()

	conn.Close()
	c.pending.rejectAll(ErrCleanup)
	c.log.Warn().Err(err).Bool("auto_reconnect", auto).Msg("backend connection closed")

	if !auto {
		c.subs.dispatchClose(CloseEvent{})
		return
	}

	attempt := newAttempt()
	go func() {
		attempt.finish(c.Connect(context.Background(), true))
	}()
	c.subs.dispatchClose(CloseEvent{Reconnect: attempt})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
