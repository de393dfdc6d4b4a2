package domain

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Responder is the outbound side of a connection as seen by command handlers.
type Responder interface {
	SendCommandResponse(id uint32, result any) error
	SendCommandProgress(id uint32, message any) error
	SendCommandError(id uint32, message, stack string) error
}

// Reply settles one asynchronous command. Only the first call to Done has an
// effect.
type Reply struct {
	id      uint32
	to      Responder
	log     zerolog.Logger
	settled atomic.Bool
}

func newReply(id uint32, to Responder, log zerolog.Logger) *Reply {
	return &Reply{id: id, to: to, log: log}
}

// ID returns the correlation id of the command being answered.
func (r *Reply) ID() uint32 { return r.id }

// Done sends the command result, or a commandError when err is non-nil.
func (r *Reply) Done(err error, result any) {
	if !r.settled.CompareAndSwap(false, true) {
		r.log.Error().Uint32("id", r.id).Msg("async command settled more than once")
		return
	}
	if err != nil {
		sendError(r.to, r.id, err.Error(), fmt.Sprintf("%+v", err), r.log)
		return
	}
	if err := r.to.SendCommandResponse(r.id, result); err != nil {
		r.log.Debug().Err(err).Uint32("id", r.id).Msg("failed to send command response")
	}
}

// Progress sends a commandProgress notification. It is ignored once the
// command has been settled.
func (r *Reply) Progress(message any) {
	if r.settled.Load() {
		return
	}
	if err := r.to.SendCommandProgress(r.id, message); err != nil {
		r.log.Debug().Err(err).Uint32("id", r.id).Msg("failed to send command progress")
	}
}

// Settled reports whether Done has been called.
func (r *Reply) Settled() bool { return r.settled.Load() }

func (r *Reply) fail(message, stack string) {
	if !r.settled.CompareAndSwap(false, true) {
		return
	}
	sendError(r.to, r.id, message, stack, r.log)
}

func sendError(to Responder, id uint32, message, stack string, log zerolog.Logger) {
	if err := to.SendCommandError(id, message, stack); err != nil {
		log.Debug().Err(err).Uint32("id", id).Msg("failed to send command error")
	}
}
