package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/quadre-code/domainrpc"
)

// Message is a backend-to-client message. The set of implementations is
// closed: Event, CommandResponse, CommandProgress, CommandError and Error.
type Message interface {
	// Type returns the wire discriminator of the message.
	Type() string
	isMessage()
}

// Event is a backend-initiated broadcast. ID is the global event sequence number.
type Event struct {
	ID         uint64            `json:"id"`
	Domain     string            `json:"domain"`
	Event      string            `json:"event"`
	Parameters []json.RawMessage `json:"parameters"`
}

// CommandResponse carries the result of a command. Binary is set instead of
// Response when the frame arrived on the binary fast path.
type CommandResponse struct {
	ID       uint32          `json:"id"`
	Response json.RawMessage `json:"response"`
	Binary   []byte          `json:"-"`
}

// CommandProgress is an intermediate notification for a pending command.
type CommandProgress struct {
	ID      uint32          `json:"id"`
	Message json.RawMessage `json:"message"`
}

// CommandError reports a failed command.
type CommandError struct {
	ID      uint32 `json:"id"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// Error reports a frame that could not be handled at all.
type Error struct {
	Message string `json:"message"`
}

func (Event) Type() string           { return domainrpc.TypeEvent }
func (CommandResponse) Type() string { return domainrpc.TypeCommandResponse }
func (CommandProgress) Type() string { return domainrpc.TypeCommandProgress }
func (CommandError) Type() string    { return domainrpc.TypeCommandError }
func (Error) Type() string           { return domainrpc.TypeError }

func (Event) isMessage()           {}
func (CommandResponse) isMessage() {}
func (CommandProgress) isMessage() {}
func (CommandError) isMessage()    {}
func (Error) isMessage()           {}

type envelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// Encode serializes m into a text frame.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", domainrpc.ErrFailedToEncode, err)
	}
	return json.Marshal(envelope{Type: m.Type(), Message: body})
}

// Decode turns a received frame into a Message. Binary frames are read as a
// CommandResponse whose Binary field holds the payload.
func Decode(data []byte, isBinary bool) (Message, error) {
	if isBinary {
		id, payload, err := DecodeBinary(data)
		if err != nil {
			return nil, err
		}
		return CommandResponse{ID: id, Binary: payload}, nil
	}

	var env envelope
	if err := unmarshalLenient(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case domainrpc.TypeEvent:
		return decodeAs[Event](env)
	case domainrpc.TypeCommandResponse:
		return decodeAs[CommandResponse](env)
	case domainrpc.TypeCommandProgress:
		return decodeAs[CommandProgress](env)
	case domainrpc.TypeCommandError:
		return decodeAs[CommandError](env)
	case domainrpc.TypeError:
		return decodeAs[Error](env)
	default:
		return nil, fmt.Errorf("%s: unknown message type %q", domainrpc.ErrInvalidMessageFormat, env.Type)
	}
}

func decodeAs[T Message](env envelope) (Message, error) {
	var m T
	if err := decodeBody(env, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeBody(env envelope, v any) error {
	if len(env.Message) == 0 {
		return fmt.Errorf("%s: %s message has no body", domainrpc.ErrInvalidMessageFormat, env.Type)
	}
	if err := json.Unmarshal(env.Message, v); err != nil {
		return fmt.Errorf("%s: %w", domainrpc.ErrInvalidMessageFormat, err)
	}
	return nil
}
