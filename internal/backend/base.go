package backend

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/domain"
)

func (s *Server) registerBaseDomain() {
	r := s.registry
	r.RegisterDomain(domainrpc.BaseDomain, &domain.Version{Major: 0, Minor: 1})

	mustRegister(r.RegisterCommand(domainrpc.BaseDomain, domainrpc.CmdGetDomainDescriptions,
		func(domain.Params) (any, error) {
			return r.GetDomainDescriptions()
		},
		domain.CommandSpec{
			Description: "Returns the commands and events of every registered domain.",
			Returns:     []domain.ParamSpec{{Name: "domains", Type: "object"}},
		}))

	mustRegister(r.RegisterCommand(domainrpc.BaseDomain, domainrpc.CmdLoadDomainModules,
		func(p domain.Params) (any, error) {
			var paths []string
			if err := p.Decode(0, &paths); err != nil {
				return nil, err
			}
			if err := s.LoadModules(paths); err != nil {
				return nil, err
			}
			return true, nil
		},
		domain.CommandSpec{
			Description: "Loads domain modules from the server catalog.",
			Parameters:  []domain.ParamSpec{{Name: "paths", Type: "array", Description: "module paths"}},
			Returns:     []domain.ParamSpec{{Name: "ok", Type: "boolean"}},
		}))

	r.RegisterEvent(domainrpc.BaseDomain, domainrpc.EventNewDomains, []domain.ParamSpec{
		{Name: "paths", Type: "array"},
	})
	r.RegisterEvent(domainrpc.BaseDomain, domainrpc.EventLog, []domain.ParamSpec{
		{Name: "level", Type: "string"},
		{Name: "timestamp", Type: "Date"},
		{Name: "message", Type: "string"},
	})
}

// mustRegister panics on a registration error. The base domain is registered
// on a fresh registry, so a failure here is a programming error.
func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

// logHook forwards warnings and errors to clients as base:log events.
type logHook struct {
	server *Server
	active atomic.Bool
}

func (h *logHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || h.server.registry == nil {
		return
	}
	if !h.active.CompareAndSwap(false, true) {
		return
	}
	defer h.active.Store(false)
	h.server.registry.EmitEvent(domainrpc.BaseDomain, domainrpc.EventLog, level.String(), time.Now().UTC(), msg)
}
