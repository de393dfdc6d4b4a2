package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	headerSize     = 4
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
)

// ErrMalformed is returned when a text frame cannot be parsed, even after the
// closing-brace recovery attempt.
var ErrMalformed = errors.New("malformed frame")

// EncodeBinary encodes id as the first 4 bytes (little-endian) followed by the payload.
// This is the fast path for command responses whose result is a raw byte buffer.
func EncodeBinary(id uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(out[:headerSize], id)
	copy(out[headerSize:], payload)
	return out, nil
}

// DecodeBinary decodes the first 4 bytes as the correlation id (little-endian)
// and returns the rest as payload.
// The payload slice references the input data for performance - do not modify it.
func DecodeBinary(data []byte) (uint32, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, errors.New("data too short")
	}

	payloadSize := len(data) - headerSize
	if payloadSize > maxPayloadSize {
		return 0, nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", payloadSize, maxPayloadSize)
	}

	id := binary.LittleEndian.Uint32(data[:headerSize])
	payload := data[headerSize:]
	return id, payload, nil
}

// unmarshalLenient parses data into v. A failed parse is retried once with a
// closing brace appended: some transports have been seen to drop the final
// byte of a frame. This is a workaround, not a framing guarantee.
func unmarshalLenient(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}

	patched := make([]byte, len(data)+1)
	copy(patched, data)
	patched[len(data)] = '}'
	if json.Unmarshal(patched, v) == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
