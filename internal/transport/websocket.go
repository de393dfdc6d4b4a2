package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// WebSocket adapts a gorilla connection to Conn. It keeps the connection
// alive with periodic pings and extends the read deadline on every pong.
type WebSocket struct {
	conn *websocket.Conn

	wmu    sync.Mutex
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWebSocket wraps conn and starts its keepalive loop.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go ws.pingLoop()
	return ws
}

// ReadFrame blocks until the next data message arrives.
func (ws *WebSocket) ReadFrame() (Frame, error) {
	mt, data, err := ws.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	ws.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return Frame{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

// WriteFrame sends f as a text or binary message.
func (ws *WebSocket) WriteFrame(f Frame) error {
	if !ws.IsAlive() {
		return ErrClosed
	}

	mt := websocket.TextMessage
	if f.Binary {
		mt = websocket.BinaryMessage
	}

	ws.wmu.Lock()
	defer ws.wmu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.conn.WriteMessage(mt, f.Data)
}

// Close closes the connection normally.
func (ws *WebSocket) Close() error {
	return ws.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close message with code and reason, then closes the
// socket. Closing an already closed connection is a no-op.
func (ws *WebSocket) CloseWithCode(code int, reason string) error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	close(ws.done)
	ws.mu.Unlock()

	message := websocket.FormatCloseMessage(code, reason)
	ws.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return ws.conn.Close()
}

// IsAlive reports whether Close has not been called yet.
func (ws *WebSocket) IsAlive() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return !ws.closed
}

// RemoteAddr returns the peer address.
func (ws *WebSocket) RemoteAddr() string {
	return ws.conn.RemoteAddr().String()
}

func (ws *WebSocket) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-ws.done:
			return
		}
	}
}
