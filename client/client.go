// Package client connects to a domain server and exposes its domains as
// callable stubs.
package client

import (
	"io"
	"os"

	"github.com/quadre-code/domainrpc/internal/node"
)

type (
	Connection   = node.Connection
	Options      = node.Options
	Domains      = node.Domains
	Domain       = node.Domain
	Pending      = node.Pending
	Response     = node.Response
	CommandError = node.CommandError
	ProgressFunc = node.ProgressFunc
	EventHandler = node.EventHandler
	CloseEvent   = node.CloseEvent
	CloseHandler = node.CloseHandler
	Attempt      = node.Attempt
	Dialer       = node.Dialer
	DialerFunc   = node.DialerFunc
)

var (
	ErrMaxConnectionAttempts = node.ErrMaxConnectionAttempts
	ErrCleanup               = node.ErrCleanup
	ErrNotConnected          = node.ErrNotConnected
	ErrTimeout               = node.ErrTimeout
	ErrDuplicateModulePath   = node.ErrDuplicateModulePath
	ErrBinaryResponse        = node.ErrBinaryResponse
)

// New creates a disconnected Connection using an arbitrary dialer.
func New(d Dialer, opts Options) *Connection {
	return node.New(d, opts)
}

// NewWebSocket creates a disconnected Connection to a backend WebSocket
// endpoint such as "ws://localhost:8123/ws".
//
// Example:
//
//	conn := client.NewWebSocket("ws://localhost:8123/ws", client.Options{})
//	if err := conn.Connect(ctx, true); err != nil {
//	    return err
//	}
//	files, _ := conn.Domain("files")
//	err := files.Call(ctx, "watchPath", nil, "/src")
func NewWebSocket(url string, opts Options) *Connection {
	return node.New(&node.WebSocketDialer{URL: url}, opts)
}

// NewProcess creates a disconnected Connection that forks path with args on
// every connect and talks to it over stdio. The child's stderr is forwarded
// to stderr, or discarded when stderr is nil.
//
// Module paths registered for auto-reload must be unique on process
// connections, so StrictModulePaths is always set.
func NewProcess(path string, args []string, stderr io.Writer, opts Options) *Connection {
	if stderr == nil {
		stderr = io.Discard
	}
	opts.StrictModulePaths = true
	return node.New(&node.ProcessDialer{
		Path:   path,
		Args:   args,
		Env:    os.Environ(),
		Stderr: stderr,
	}, opts)
}
