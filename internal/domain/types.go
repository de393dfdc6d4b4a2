package domain

import (
	"encoding/json"
	"fmt"
)

// Version is the optional version of a domain.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// ParamSpec documents a parameter or return value. Specs are metadata only
// and are never enforced at dispatch time.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// CommandSpec holds the documentation attached to a command.
type CommandSpec struct {
	Description string
	Parameters  []ParamSpec
	Returns     []ParamSpec
}

// Params are the positional parameters of a request, still JSON encoded.
type Params []json.RawMessage

// Len returns the number of parameters.
func (p Params) Len() int { return len(p) }

// Decode unmarshals parameter i into v.
func (p Params) Decode(i int, v any) error {
	if i < 0 || i >= len(p) {
		return fmt.Errorf("parameter %d out of range (have %d)", i, len(p))
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return fmt.Errorf("parameter %d: %w", i, err)
	}
	return nil
}

// SyncHandler runs a command to completion and returns its result. A []byte
// result is sent on the binary fast path.
type SyncHandler func(params Params) (any, error)

// AsyncHandler starts a command and settles it later through reply.
type AsyncHandler func(params Params, reply *Reply)

// Command is a registered command. Handler fields do not survive
// serialization, so descriptions carry metadata only.
type Command struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	IsAsync     bool        `json:"isAsync"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
	Returns     []ParamSpec `json:"returns,omitempty"`

	sync  SyncHandler
	async AsyncHandler
}

// Event is a declared event.
type Event struct {
	Name       string      `json:"name"`
	Parameters []ParamSpec `json:"parameters,omitempty"`
}

// Domain is a named group of commands and events.
type Domain struct {
	Name     string              `json:"name"`
	Version  *Version            `json:"domainVersion"`
	Commands map[string]*Command `json:"commands"`
	Events   map[string]*Event   `json:"events"`
}

// Descriptions is the serializable snapshot of a registry, keyed by domain name.
type Descriptions map[string]Domain
