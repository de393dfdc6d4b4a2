package backend

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/domain"
	"github.com/quadre-code/domainrpc/internal/protocol"
	"github.com/quadre-code/domainrpc/internal/transport"
)

type peer struct {
	t    *testing.T
	conn *transport.Pipe
}

func attach(t *testing.T, s *Server) *peer {
	t.Helper()
	clientSide, serverSide := transport.NewPipePair()
	go s.ServeConn(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	return &peer{t: t, conn: clientSide}
}

func (p *peer) request(id uint32, domainName, command string, params ...any) {
	p.t.Helper()
	data, err := protocol.EncodeRequest(id, domainName, command, params...)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteFrame(transport.Text(data)))
}

func (p *peer) raw(data string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteFrame(transport.Text([]byte(data))))
}

func (p *peer) next() (transport.Frame, protocol.Message) {
	p.t.Helper()
	type result struct {
		f   transport.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := p.conn.ReadFrame()
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		require.NoError(p.t, r.err)
		msg, err := protocol.Decode(r.f.Data, r.f.Binary)
		require.NoError(p.t, err)
		return r.f, msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("timed out waiting for frame")
		return transport.Frame{}, nil
	}
}

func newTestServer(t *testing.T, modules map[string]Module) *Server {
	t.Helper()
	s := New(Config{RateLimitConfig: NoRateLimit(), Modules: modules})
	t.Cleanup(func() { s.Manager().CloseAll() })
	return s
}

func TestUnknownCommandRouting(t *testing.T) {
	s := newTestServer(t, nil)
	p := attach(t, s)

	p.request(1, "x", "y")

	_, msg := p.next()
	cerr, ok := msg.(protocol.CommandError)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint32(1), cerr.ID)
	assert.Contains(t, cerr.Message, "no such command: x.y")
}

func TestSyncCommandResponse(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Registry().RegisterCommand("math", "double", func(p domain.Params) (any, error) {
		var n int
		if err := p.Decode(0, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}, domain.CommandSpec{}))
	p := attach(t, s)

	p.request(5, "math", "double", 21)

	f, msg := p.next()
	assert.False(t, f.Binary)
	resp, ok := msg.(protocol.CommandResponse)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint32(5), resp.ID)
	assert.JSONEq(t, `42`, string(resp.Response))
}

func TestBinaryResponse(t *testing.T) {
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	s := newTestServer(t, nil)
	require.NoError(t, s.Registry().RegisterCommand("blob", "read", func(domain.Params) (any, error) {
		return payload, nil
	}, domain.CommandSpec{}))
	p := attach(t, s)

	p.request(42, "blob", "read")

	f, msg := p.next()
	require.True(t, f.Binary)
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(f.Data[:4]))
	assert.Equal(t, payload, f.Data[4:])

	resp := msg.(protocol.CommandResponse)
	assert.Equal(t, uint32(42), resp.ID)
	assert.Equal(t, payload, resp.Binary)
}

func TestHandlerErrorCarriesMessageAndStack(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Registry().RegisterCommand("d", "fail", func(domain.Params) (any, error) {
		return nil, errors.New("disk on fire")
	}, domain.CommandSpec{}))
	require.NoError(t, s.Registry().RegisterCommand("d", "panic", func(domain.Params) (any, error) {
		panic("oops")
	}, domain.CommandSpec{}))
	p := attach(t, s)

	p.request(1, "d", "fail")
	_, msg := p.next()
	assert.Equal(t, "disk on fire", msg.(protocol.CommandError).Message)

	p.request(2, "d", "panic")
	_, msg = p.next()
	cerr := msg.(protocol.CommandError)
	assert.Equal(t, "oops", cerr.Message)
	assert.NotEmpty(t, cerr.Stack)
}

func TestAsyncCommandProgress(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Registry().RegisterAsyncCommand("job", "run", func(p domain.Params, reply *domain.Reply) {
		go func() {
			reply.Progress(50)
			reply.Done(nil, "ok")
		}()
	}, domain.CommandSpec{}))
	p := attach(t, s)

	p.request(9, "job", "run")

	_, msg := p.next()
	prog, ok := msg.(protocol.CommandProgress)
	require.True(t, ok, "got %T", msg)
	assert.JSONEq(t, `50`, string(prog.Message))

	_, msg = p.next()
	assert.JSONEq(t, `"ok"`, string(msg.(protocol.CommandResponse).Response))
}

func TestMalformedFramesAreNotFatal(t *testing.T) {
	s := newTestServer(t, nil)
	p := attach(t, s)

	p.raw(`{{{ not json`)
	_, msg := p.next()
	e, ok := msg.(protocol.Error)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, e.Message, domainrpc.ErrInvalidMessageFormat)

	p.raw(`{"id":"x","domain":"base","command":"getDomainDescriptions"}`)
	_, msg = p.next()
	assert.Contains(t, msg.(protocol.Error).Message, domainrpc.ErrMissingID)

	p.raw(`{"id":3,"command":"getDomainDescriptions"}`)
	_, msg = p.next()
	assert.Contains(t, msg.(protocol.Error).Message, domainrpc.ErrMissingDomain)

	// Truncated by one brace, recovered.
	p.raw(`{"id":4,"domain":"base","command":"getDomainDescriptions","parameters":[]`)
	_, msg = p.next()
	resp, ok := msg.(protocol.CommandResponse)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint32(4), resp.ID)
}

func TestGetDomainDescriptionsCommand(t *testing.T) {
	s := newTestServer(t, nil)
	p := attach(t, s)

	p.request(1, domainrpc.BaseDomain, domainrpc.CmdGetDomainDescriptions)
	_, msg := p.next()

	var desc domain.Descriptions
	require.NoError(t, json.Unmarshal(msg.(protocol.CommandResponse).Response, &desc))
	require.Contains(t, desc, domainrpc.BaseDomain)
	assert.Contains(t, desc[domainrpc.BaseDomain].Commands, domainrpc.CmdLoadDomainModules)
	assert.Contains(t, desc[domainrpc.BaseDomain].Events, domainrpc.EventNewDomains)
}

func TestLoadDomainModules(t *testing.T) {
	calls := 0
	s := newTestServer(t, map[string]Module{
		"mods/greeter": func(r *domain.Registry) error {
			calls++
			return r.RegisterCommand("greeter", "hello", func(domain.Params) (any, error) {
				return "hi", nil
			}, domain.CommandSpec{})
		},
	})
	p := attach(t, s)

	p.request(1, domainrpc.BaseDomain, domainrpc.CmdLoadDomainModules, []string{"mods/greeter"})

	// The event is broadcast before the response is queued.
	_, msg := p.next()
	ev, ok := msg.(protocol.Event)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, domainrpc.EventNewDomains, ev.Event)

	_, msg = p.next()
	assert.JSONEq(t, `true`, string(msg.(protocol.CommandResponse).Response))
	assert.True(t, s.Registry().HasDomain("greeter"))

	// Loading again does not re-run the module.
	require.NoError(t, s.LoadModules([]string{"mods/greeter"}))
	assert.Equal(t, 1, calls)

	p.request(2, domainrpc.BaseDomain, domainrpc.CmdLoadDomainModules, []string{"mods/missing"})
	_, msg = p.next()
	for msg.Type() == domainrpc.TypeEvent {
		_, msg = p.next()
	}
	assert.Contains(t, msg.(protocol.CommandError).Message, ErrUnknownModule.Error())
}

func TestLoadDomainModulesAnnouncesPartialLoad(t *testing.T) {
	s := newTestServer(t, map[string]Module{
		"mods/a": func(r *domain.Registry) error {
			return r.RegisterCommand("a", "ping", func(domain.Params) (any, error) {
				return "pong", nil
			}, domain.CommandSpec{})
		},
		"mods/b": func(*domain.Registry) error {
			return errors.New("boom")
		},
	})
	p := attach(t, s)

	p.request(1, domainrpc.BaseDomain, domainrpc.CmdLoadDomainModules, []string{"mods/a", "mods/b"})

	_, msg := p.next()
	ev, ok := msg.(protocol.Event)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, domainrpc.EventNewDomains, ev.Event)
	var announced []string
	require.NoError(t, json.Unmarshal(ev.Parameters[0], &announced))
	assert.Equal(t, []string{"mods/a"}, announced)

	_, msg = p.next()
	cmdErr, ok := msg.(protocol.CommandError)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, cmdErr.Message, ErrModuleInit.Error())
	assert.True(t, s.Registry().HasDomain("a"))
}

func TestEventBroadcastReachesAllConnections(t *testing.T) {
	s := newTestServer(t, nil)
	s.Registry().RegisterEvent("fs", "change", nil)

	a := attach(t, s)
	b := attach(t, s)
	require.Eventually(t, func() bool { return s.Manager().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	s.EmitEvent("fs", "change", "/tmp/x")

	for _, p := range []*peer{a, b} {
		_, msg := p.next()
		ev, ok := msg.(protocol.Event)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "fs", ev.Domain)
		assert.Equal(t, "change", ev.Event)
		assert.JSONEq(t, `"/tmp/x"`, string(ev.Parameters[0]))
	}
}

func TestConnectionRemovedOnClose(t *testing.T) {
	disconnected := make(chan bool, 1)
	s := New(Config{
		RateLimitConfig: NoRateLimit(),
		OnDisconnect: func(_ domainrpc.Peer, voluntary bool) {
			disconnected <- voluntary
		},
	})

	clientSide, serverSide := transport.NewPipePair()
	go s.ServeConn(serverSide)
	require.Eventually(t, func() bool { return s.Manager().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	clientSide.Close()

	select {
	case voluntary := <-disconnected:
		assert.True(t, voluntary)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	assert.Eventually(t, func() bool { return s.Manager().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseAllConnections(t *testing.T) {
	s := New(Config{RateLimitConfig: NoRateLimit()})
	for i := 0; i < 3; i++ {
		_, serverSide := transport.NewPipePair()
		go s.ServeConn(serverSide)
	}
	require.Eventually(t, func() bool { return s.Manager().Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	s.Manager().CloseAll()
	assert.Equal(t, 0, s.Manager().Len())

	// Closing again is harmless.
	assert.NotPanics(t, s.Manager().CloseAll)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	_, serverSide := transport.NewPipePair()
	c := newConnection(serverSide, domain.New(nil, testLogger()), NoRateLimit(), testLogger())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsAlive())
	assert.Error(t, c.SendError("late"))
}

func TestDefaultConfigAcceptsBursts(t *testing.T) {
	s := New(Config{})
	t.Cleanup(func() { s.Manager().CloseAll() })
	require.NoError(t, s.Registry().RegisterCommand("math", "double", func(p domain.Params) (any, error) {
		var n int
		if err := p.Decode(0, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}, domain.CommandSpec{}))
	p := attach(t, s)

	const burst = 300
	go func() {
		for i := uint32(1); i <= burst; i++ {
			data, _ := protocol.EncodeRequest(i, "math", "double", i)
			if p.conn.WriteFrame(transport.Text(data)) != nil {
				return
			}
		}
	}()

	for i := uint32(1); i <= burst; i++ {
		_, msg := p.next()
		resp, ok := msg.(protocol.CommandResponse)
		require.True(t, ok, "request %d: got %T", i, msg)
		require.Equal(t, i, resp.ID)
		assert.JSONEq(t, fmt.Sprint(i*2), string(resp.Response))
	}
	assert.Equal(t, 1, s.Manager().Len())
}

func TestSyncResponsesKeepRequestOrder(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Registry().RegisterCommand("order", "slow", func(domain.Params) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	}, domain.CommandSpec{}))
	require.NoError(t, s.Registry().RegisterCommand("order", "fast", func(domain.Params) (any, error) {
		return "fast", nil
	}, domain.CommandSpec{}))
	p := attach(t, s)

	p.request(1, "order", "slow")
	p.request(2, "order", "fast")

	_, first := p.next()
	_, second := p.next()
	assert.Equal(t, uint32(1), first.(protocol.CommandResponse).ID)
	assert.Equal(t, uint32(2), second.(protocol.CommandResponse).ID)
}

func TestRateLimitClosesConnection(t *testing.T) {
	s := New(Config{RateLimitConfig: &RateLimitConfig{MessagesPerSecond: 1, Burst: 1, Enabled: true}})
	p := attach(t, s)
	require.Eventually(t, func() bool { return s.Manager().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	go func() {
		for i := uint32(0); i < 5; i++ {
			data, _ := protocol.EncodeRequest(i, "x", "y")
			if p.conn.WriteFrame(transport.Text(data)) != nil {
				return
			}
		}
	}()

	assert.Eventually(t, func() bool { return s.Manager().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAPIEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var desc domain.Descriptions
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&desc))
	assert.Contains(t, desc, domainrpc.BaseDomain)
}
