// Package domainrpc implements the command and event protocol between an
// editor UI and its backend services.
//
// The backend groups functionality into named domains. A domain declares
// commands, which clients invoke by name with positional JSON parameters,
// and events, which the backend broadcasts to every attached client. Clients
// discover the available domains at connect time and receive a fresh
// interface snapshot whenever new domains are loaded.
//
// # Packages
//
// The public surface lives in two facades:
//
//   - backend: the domain server. It owns the registry, accepts clients over
//     WebSocket or over the stdio of a forked process, and hosts the built-in
//     base domain.
//   - client: the connection used by the UI. It exposes domains as stubs,
//     correlates responses with requests, and reconnects when the backend
//     goes away.
//
// # Quick Start
//
//	srv := backend.New(backend.NewConfig(":8123", backend.DefaultRateLimitConfig(), backend.AllOrigins(), nil, nil))
//	srv.Registry().RegisterCommand("math", "add", func(p backend.Params) (any, error) {
//	    var a, b int
//	    if err := p.Decode(0, &a); err != nil {
//	        return nil, err
//	    }
//	    if err := p.Decode(1, &b); err != nil {
//	        return nil, err
//	    }
//	    return a + b, nil
//	}, backend.CommandSpec{Description: "Adds two numbers."})
//	srv.Start(ctx)
//
//	conn := client.NewWebSocket("ws://localhost:8123/ws", client.Options{})
//	if err := conn.Connect(ctx, true); err != nil {
//	    return err
//	}
//	math, _ := conn.Domain("math")
//	var sum int
//	err := math.Call(ctx, "add", &sum, 1, 2)
//
// # Wire Format
//
// Client requests are JSON text frames:
//
//	{"id": 1, "domain": "math", "command": "add", "parameters": [1, 2]}
//
// Backend messages are JSON text frames with a type discriminator:
//
//	{"type": "commandResponse", "message": {"id": 1, "response": 3}}
//
// The types are event, commandResponse, commandProgress, commandError and
// error. A command whose result is raw bytes is answered with a binary frame
// instead:
//
//	[4 bytes: id (uint32, little-endian)][N bytes: payload]
//
// Maximum binary payload: 10MB.
//
// # Reconnection
//
// Connect makes up to MaxConnectionAttempts attempts spaced at least
// RetryDelay apart, each bounded by ConnectionTimeout. When an established
// connection drops, every outstanding command is rejected with a "cleanup"
// error and, if auto-reconnect is enabled, a new Connect is started and
// handed to close subscribers.
package domainrpc
