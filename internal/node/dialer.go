package node

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/quadre-code/domainrpc/internal/transport"
)

// Dialer opens a new transport to the backend. It is called once per
// connection attempt and should honor ctx.
type Dialer interface {
	Dial(ctx context.Context) (transport.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (transport.Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (transport.Conn, error) { return f(ctx) }

// WebSocketDialer connects to a backend WebSocket endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens the socket.
func (d *WebSocketDialer) Dial(ctx context.Context) (transport.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return transport.NewWebSocket(conn), nil
}

// ProcessDialer forks a backend process and talks to it over its stdio.
// Each Dial starts a fresh process; closing the transport kills it.
type ProcessDialer struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stderr io.Writer
}

// Dial starts the process.
func (d *ProcessDialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process must outlive ctx, which only bounds the attempt.
	cmd := exec.Command(d.Path, d.Args...)
	cmd.Env = d.Env
	cmd.Dir = d.Dir
	cmd.Stderr = d.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.Path, err)
	}

	proc := &process{cmd: cmd}
	name := fmt.Sprintf("%s[%d]", d.Path, cmd.Process.Pid)
	return transport.NewPipe(name, stdout, stdin, stdin, proc), nil
}

// process reaps a child once its pipes are closed.
type process struct {
	cmd  *exec.Cmd
	once sync.Once
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	})
	return nil
}
