// Package transport carries protocol frames over a socket or a process pipe.
package transport

import "errors"

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Frame is one unit of transmission. Binary distinguishes the fast-path
// response frames from text (JSON) frames.
type Frame struct {
	Binary bool
	Data   []byte
}

// Text returns a text frame.
func Text(data []byte) Frame { return Frame{Data: data} }

// Binary returns a binary frame.
func Binary(data []byte) Frame { return Frame{Binary: true, Data: data} }

// Conn is a bidirectional frame transport. ReadFrame must only be called
// from one goroutine; WriteFrame and Close are safe for concurrent use and
// Close is idempotent.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
	RemoteAddr() string
}
