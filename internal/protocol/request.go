package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/quadre-code/domainrpc"
)

// Request is a client-to-backend command invocation.
type Request struct {
	ID         uint32            `json:"id"`
	Domain     string            `json:"domain"`
	Command    string            `json:"command"`
	Parameters []json.RawMessage `json:"parameters"`
}

// RequestError describes a parsed frame that is not a valid request.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type rawRequest struct {
	ID         json.RawMessage `json:"id"`
	Domain     json.RawMessage `json:"domain"`
	Command    json.RawMessage `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
}

// EncodeRequest serializes a request frame. Each parameter is marshaled
// independently so that handlers can decode them one by one.
func EncodeRequest(id uint32, domain, command string, params ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%s: parameter %d: %w", domainrpc.ErrFailedToEncode, i, err)
		}
		raw = append(raw, b)
	}
	return json.Marshal(Request{ID: id, Domain: domain, Command: command, Parameters: raw})
}

// DecodeRequest parses a text frame into a Request. Parse failures wrap
// ErrMalformed; structurally invalid requests return a *RequestError.
func DecodeRequest(data []byte) (Request, error) {
	var raw rawRequest
	if err := unmarshalLenient(data, &raw); err != nil {
		return Request{}, err
	}

	var req Request

	var id float64
	if isAbsent(raw.ID) || json.Unmarshal(raw.ID, &id) != nil {
		return req, &RequestError{Field: "id", Reason: domainrpc.ErrMissingID}
	}
	if id < 0 || id > math.MaxUint32 || id != math.Trunc(id) {
		return req, &RequestError{Field: "id", Reason: "id out of uint32 range"}
	}
	req.ID = uint32(id)

	if isAbsent(raw.Domain) || json.Unmarshal(raw.Domain, &req.Domain) != nil || req.Domain == "" {
		return req, &RequestError{Field: "domain", Reason: domainrpc.ErrMissingDomain}
	}
	if isAbsent(raw.Command) || json.Unmarshal(raw.Command, &req.Command) != nil {
		return req, &RequestError{Field: "command", Reason: domainrpc.ErrMissingCommand}
	}

	if !isAbsent(raw.Parameters) {
		if err := json.Unmarshal(raw.Parameters, &req.Parameters); err != nil {
			return req, &RequestError{Field: "parameters", Reason: "parameters must be an array"}
		}
	}
	return req, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
