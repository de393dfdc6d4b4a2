package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/protocol"
)

var (
	// ErrDuplicateCommand is returned when a command name is registered twice
	// in the same domain. Callers should treat it as a configuration bug.
	ErrDuplicateCommand = errors.New("command already registered")

	// ErrNilHandler is returned when a command is registered without a handler.
	ErrNilHandler = errors.New("nil command handler")
)

// Broadcaster delivers an event to every live connection.
type Broadcaster interface {
	BroadcastEvent(ev protocol.Event)
}

// Registry holds the domains of one backend and dispatches requests to them.
type Registry struct {
	mu       sync.RWMutex
	domains  map[string]*Domain
	eventSeq atomic.Uint64

	broadcaster Broadcaster
	log         zerolog.Logger
}

// New creates an empty registry that broadcasts events through b.
func New(b Broadcaster, log zerolog.Logger) *Registry {
	return &Registry{
		domains:     make(map[string]*Domain),
		broadcaster: b,
		log:         log,
	}
}

// RegisterDomain declares a domain. Declaring an existing domain logs an
// error and leaves it untouched.
func (r *Registry) RegisterDomain(name string, version *Version) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.domains[name]; ok {
		r.log.Error().Str("domain", name).Msg("domain already registered")
		return
	}
	r.domains[name] = newDomain(name, version)
}

// RegisterCommand registers a synchronous command, creating the domain if needed.
func (r *Registry) RegisterCommand(domainName, name string, handler SyncHandler, spec CommandSpec) error {
	if handler == nil {
		return fmt.Errorf("%w: %s.%s", ErrNilHandler, domainName, name)
	}
	return r.addCommand(domainName, &Command{
		Name:        name,
		Description: spec.Description,
		Parameters:  spec.Parameters,
		Returns:     spec.Returns,
		sync:        handler,
	})
}

// RegisterAsyncCommand registers a command that settles through a *Reply,
// creating the domain if needed.
func (r *Registry) RegisterAsyncCommand(domainName, name string, handler AsyncHandler, spec CommandSpec) error {
	if handler == nil {
		return fmt.Errorf("%w: %s.%s", ErrNilHandler, domainName, name)
	}
	return r.addCommand(domainName, &Command{
		Name:        name,
		Description: spec.Description,
		IsAsync:     true,
		Parameters:  spec.Parameters,
		Returns:     spec.Returns,
		async:       handler,
	})
}

func (r *Registry) addCommand(domainName string, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.domainLocked(domainName)
	if _, ok := d.Commands[cmd.Name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateCommand, domainName, cmd.Name)
	}
	d.Commands[cmd.Name] = cmd
	return nil
}

// RegisterEvent declares an event, creating the domain if needed. A second
// declaration of the same event is logged and ignored.
func (r *Registry) RegisterEvent(domainName, name string, params []ParamSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.domainLocked(domainName)
	if _, ok := d.Events[name]; ok {
		r.log.Error().Str("domain", domainName).Str("event", name).Msg("event already registered")
		return
	}
	d.Events[name] = &Event{Name: name, Parameters: params}
}

// domainLocked returns the named domain, creating it without a version.
// r.mu must be held for writing.
func (r *Registry) domainLocked(name string) *Domain {
	d, ok := r.domains[name]
	if !ok {
		d = newDomain(name, nil)
		r.domains[name] = d
	}
	return d
}

func (r *Registry) lookup(domainName, name string) *Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.domains[domainName]
	if !ok {
		return nil
	}
	return d.Commands[name]
}

// ExecuteCommand runs a command on behalf of the connection to. Every outcome,
// including unknown commands and handler panics, is reported to to; nothing
// is returned to the caller.
func (r *Registry) ExecuteCommand(to Responder, id uint32, domainName, name string, params Params) {
	cmd := r.lookup(domainName, name)
	if cmd == nil {
		sendError(to, id, fmt.Sprintf("%s: %s.%s", domainrpc.ErrNoSuchCommand, domainName, name), "", r.log)
		return
	}

	if cmd.IsAsync {
		reply := newReply(id, to, r.log)
		if perr, stack := callSafely(func() { cmd.async(params, reply) }); perr != nil {
			r.log.Error().Err(perr).Str("domain", domainName).Str("command", name).Msg("async command panicked")
			reply.fail(perr.Error(), stack)
		}
		return
	}

	var (
		result any
		err    error
	)
	if perr, stack := callSafely(func() { result, err = cmd.sync(params) }); perr != nil {
		r.log.Error().Err(perr).Str("domain", domainName).Str("command", name).Msg("command panicked")
		sendError(to, id, perr.Error(), stack, r.log)
		return
	}
	if err != nil {
		sendError(to, id, err.Error(), fmt.Sprintf("%+v", err), r.log)
		return
	}
	if err := to.SendCommandResponse(id, result); err != nil {
		r.log.Debug().Err(err).Uint32("id", id).Msg("failed to send command response")
	}
}

// EmitEvent broadcasts an event to all connections. Unknown events are
// logged and dropped.
func (r *Registry) EmitEvent(domainName, name string, params ...any) {
	r.mu.RLock()
	d, ok := r.domains[domainName]
	known := ok && d.Events[name] != nil
	r.mu.RUnlock()

	if !known {
		r.log.Error().Str("domain", domainName).Str("event", name).Msg("emit of unregistered event")
		return
	}

	raw := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			r.log.Error().Err(err).Str("domain", domainName).Str("event", name).Int("param", i).Msg("failed to encode event parameter")
			return
		}
		raw = append(raw, b)
	}

	if r.broadcaster == nil {
		return
	}
	r.broadcaster.BroadcastEvent(protocol.Event{
		ID:         r.eventSeq.Add(1),
		Domain:     domainName,
		Event:      name,
		Parameters: raw,
	})
}

// GetDomainDescriptions returns a deep copy of the registry with handlers
// stripped, produced by a JSON round trip.
func (r *Registry) GetDomainDescriptions() (Descriptions, error) {
	r.mu.RLock()
	data, err := json.Marshal(r.domains)
	r.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("encode domain descriptions: %w", err)
	}

	var out Descriptions
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode domain descriptions: %w", err)
	}
	return out, nil
}

// HasDomain reports whether a domain with the given name exists.
func (r *Registry) HasDomain(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.domains[name]
	return ok
}

func newDomain(name string, version *Version) *Domain {
	return &Domain{
		Name:     name,
		Version:  version,
		Commands: make(map[string]*Command),
		Events:   make(map[string]*Event),
	}
}

func callSafely(fn func()) (perr error, stack string) {
	defer func() {
		if rec := recover(); rec != nil {
			perr = fmt.Errorf("%v", rec)
			stack = string(debug.Stack())
		}
	}()
	fn()
	return nil, ""
}
