package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// pipeFrame is the msgpack envelope written for every frame on a byte stream.
type pipeFrame struct {
	Binary bool   `msgpack:"b"`
	Data   []byte `msgpack:"d"`
}

// Pipe carries frames over a byte stream such as the stdio of a child
// process. Each frame is one msgpack value, so no extra length prefix is needed.
type Pipe struct {
	name    string
	dec     *msgpack.Decoder
	enc     *msgpack.Encoder
	closers []io.Closer

	wmu    sync.Mutex
	mu     sync.Mutex
	closed bool
}

// NewPipe creates a Pipe reading from r and writing to w. The closers are
// closed, in order, by Close.
func NewPipe(name string, r io.Reader, w io.Writer, closers ...io.Closer) *Pipe {
	return &Pipe{
		name:    name,
		dec:     msgpack.NewDecoder(r),
		enc:     msgpack.NewEncoder(w),
		closers: closers,
	}
}

// ReadFrame blocks until the next frame is decoded.
func (p *Pipe) ReadFrame() (Frame, error) {
	var pf pipeFrame
	if err := p.dec.Decode(&pf); err != nil {
		if !p.IsAlive() {
			return Frame{}, ErrClosed
		}
		return Frame{}, err
	}
	return Frame{Binary: pf.Binary, Data: pf.Data}, nil
}

// WriteFrame encodes f onto the stream.
func (p *Pipe) WriteFrame(f Frame) error {
	if !p.IsAlive() {
		return ErrClosed
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.enc.Encode(pipeFrame{Binary: f.Binary, Data: f.Data})
}

// Close closes the underlying streams. Closing twice is a no-op.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAlive reports whether Close has not been called yet.
func (p *Pipe) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// RemoteAddr returns the name given at construction.
func (p *Pipe) RemoteAddr() string { return p.name }

// NewPipePair returns two connected in-memory Pipes.
func NewPipePair() (*Pipe, *Pipe) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewPipe("pipe-a", ar, aw, aw, ar)
	b := NewPipe("pipe-b", br, bw, bw, br)
	return a, b
}
