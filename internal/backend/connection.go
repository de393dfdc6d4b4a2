package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/domain"
	"github.com/quadre-code/domainrpc/internal/protocol"
	"github.com/quadre-code/domainrpc/internal/transport"
)

const sendQueueSize = 256

// Connection serves one client over one transport.
type Connection struct {
	id        string
	transport transport.Conn
	registry  *domain.Registry
	ctx       context.Context
	cancel    context.CancelFunc
	sendCh    chan transport.Frame
	mu        sync.RWMutex
	closed    bool
	limiter   *rate.Limiter // Rate limiter for incoming frames
	log       zerolog.Logger
}

func newConnection(t transport.Conn, registry *domain.Registry, rl *RateLimitConfig, log zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rl != nil && rl.Enabled {
		limiter = rate.NewLimiter(rl.MessagesPerSecond, rl.Burst)
	}

	id := uuid.New().String()
	c := &Connection{
		id:        id,
		transport: t,
		registry:  registry,
		ctx:       ctx,
		cancel:    cancel,
		sendCh:    make(chan transport.Frame, sendQueueSize),
		limiter:   limiter,
		log:       log.With().Str("conn", id).Logger(),
	}

	go c.writePump()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address of the transport.
func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// IsAlive returns true if the connection is still open.
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Close closes the connection and its transport. It is idempotent and
// swallows errors from a transport that is already gone.
func (c *Connection) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.transport.Close(); err != nil {
		c.log.Debug().Err(err).Msg("transport close")
	}
	return nil
}

// SendCommandResponse sends the result of command id. A []byte result is sent
// as a binary frame; anything else is JSON encoded.
func (c *Connection) SendCommandResponse(id uint32, result any) error {
	if buf, ok := result.([]byte); ok {
		data, err := protocol.EncodeBinary(id, buf)
		if err != nil {
			return c.SendCommandError(id, err.Error(), "")
		}
		return c.send(transport.Binary(data))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return c.SendCommandError(id, fmt.Sprintf("%s: %v", domainrpc.ErrFailedToEncode, err), "")
	}
	return c.sendMessage(protocol.CommandResponse{ID: id, Response: raw})
}

// SendCommandProgress sends an intermediate notification for command id.
func (c *Connection) SendCommandProgress(id uint32, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%s: %w", domainrpc.ErrFailedToEncode, err)
	}
	return c.sendMessage(protocol.CommandProgress{ID: id, Message: raw})
}

// SendCommandError reports that command id failed.
func (c *Connection) SendCommandError(id uint32, message, stack string) error {
	return c.sendMessage(protocol.CommandError{ID: id, Message: message, Stack: stack})
}

// SendError reports a frame that could not be handled.
func (c *Connection) SendError(message string) error {
	return c.sendMessage(protocol.Error{Message: message})
}

func (c *Connection) sendMessage(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.send(transport.Text(data))
}

// send queues a frame for the write pump.
func (c *Connection) send(f transport.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New(domainrpc.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- f:
		return nil
	case <-c.ctx.Done():
		return errors.New(domainrpc.ErrContextCancelled)
	}
}

// writePump pumps frames from the send queue to the transport.
func (c *Connection) writePump() {
	for {
		select {
		case f := <-c.sendCh:
			if err := c.transport.WriteFrame(f); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readLoop reads frames until the transport fails or the connection closes.
func (c *Connection) readLoop() {
	for {
		f, err := c.transport.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn().Str("remote_addr", c.RemoteAddr()).Msg("rate limit exceeded")
			c.closeWithPolicyViolation()
			return
		}

		c.handleFrame(f)
	}
}

func (c *Connection) closeWithPolicyViolation() {
	if ws, ok := c.transport.(interface{ CloseWithCode(int, string) error }); ok {
		ws.CloseWithCode(websocket.ClosePolicyViolation, domainrpc.ErrRateLimitExceeded)
	}
	c.Close()
}

// handleFrame decodes one request and dispatches it. Malformed frames are
// answered with an error message and never close the connection.
func (c *Connection) handleFrame(f transport.Frame) {
	if f.Binary {
		c.SendError(fmt.Sprintf("%s: binary requests are not supported", domainrpc.ErrInvalidMessageFormat))
		return
	}

	req, err := protocol.DecodeRequest(f.Data)
	if err != nil {
		var reqErr *protocol.RequestError
		if errors.As(err, &reqErr) {
			c.SendError(fmt.Sprintf("%s: %s", domainrpc.ErrInvalidMessageFormat, reqErr.Reason))
		} else {
			c.SendError(fmt.Sprintf("%s: %v", domainrpc.ErrInvalidMessageFormat, err))
		}
		return
	}

	// Handlers run on the read loop, so sync responses keep request order.
	// Async handlers return at once and settle later through their Reply.
	c.dispatch(req)
}

func (c *Connection) dispatch(req protocol.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Interface("panic", rec).Str("domain", req.Domain).Str("command", req.Command).Msg("dispatch failed")
			c.SendCommandError(req.ID, fmt.Sprint(rec), string(debug.Stack()))
		}
	}()
	c.registry.ExecuteCommand(c, req.ID, req.Domain, req.Command, domain.Params(req.Parameters))
}
