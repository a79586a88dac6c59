package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"voltcore/internal/ocpp/protocol"
)

// WireFormat selects how frames are serialized on one connection. It is
// negotiated in BootNotification and never changes per-message.
type WireFormat string

const (
	WireFormatJSON   WireFormat = "json"
	WireFormatBinary WireFormat = "binary"
)

// ErrMalformed marks frames that fail structural decoding. The router answers
// these with a FormationViolation CallError instead of dropping the connection.
var ErrMalformed = errors.New("ocpp: malformed frame")

// Frame is a decoded OCPP envelope. Payload is normalized to JSON bytes
// regardless of the wire format so handlers decode one representation.
type Frame struct {
	MessageType      int
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// Codec encodes and decodes wire frames. Stateless.
type Codec struct{}

// NewCodec returns a codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Decode parses raw bytes in the given wire format into a Frame.
func (c *Codec) Decode(data []byte, format WireFormat) (*Frame, error) {
	if format == WireFormatBinary {
		return c.decodeBinary(data)
	}
	return c.decodeJSON(data)
}

func (c *Codec) decodeJSON(data []byte) (*Frame, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(data, &array); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(array) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformed, len(array))
	}

	var msgType int
	if err := json.Unmarshal(array[0], &msgType); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrMalformed, err)
	}

	frame := &Frame{MessageType: msgType}
	if err := json.Unmarshal(array[1], &frame.UniqueID); err != nil {
		return nil, fmt.Errorf("%w: unique id: %v", ErrMalformed, err)
	}

	switch msgType {
	case protocol.MessageTypeCall:
		if len(array) < 4 {
			return nil, fmt.Errorf("%w: incomplete call", ErrMalformed)
		}
		if err := json.Unmarshal(array[2], &frame.Action); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformed, err)
		}
		frame.Payload = array[3]
	case protocol.MessageTypeCallResult:
		frame.Payload = array[2]
	case protocol.MessageTypeCallError:
		if err := json.Unmarshal(array[2], &frame.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: error code: %v", ErrMalformed, err)
		}
		if len(array) > 3 {
			if err := json.Unmarshal(array[3], &frame.ErrorDescription); err != nil {
				return nil, fmt.Errorf("%w: error description: %v", ErrMalformed, err)
			}
		}
		if len(array) > 4 {
			frame.ErrorDetails = array[4]
		}
	}

	return frame, nil
}

func (c *Codec) decodeBinary(data []byte) (*Frame, error) {
	var array []interface{}
	if err := msgpack.Unmarshal(data, &array); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(array) < 3 {
		return nil, fmt.Errorf("%w: %d elements", ErrMalformed, len(array))
	}

	msgType, ok := asInt(array[0])
	if !ok {
		return nil, fmt.Errorf("%w: message type", ErrMalformed)
	}
	uniqueID, ok := array[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: unique id", ErrMalformed)
	}

	frame := &Frame{MessageType: msgType, UniqueID: uniqueID}

	switch msgType {
	case protocol.MessageTypeCall:
		if len(array) < 4 {
			return nil, fmt.Errorf("%w: incomplete call", ErrMalformed)
		}
		action, ok := array[2].(string)
		if !ok {
			return nil, fmt.Errorf("%w: action", ErrMalformed)
		}
		frame.Action = action
		payload, err := toJSON(array[3])
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		frame.Payload = payload
	case protocol.MessageTypeCallResult:
		payload, err := toJSON(array[2])
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		frame.Payload = payload
	case protocol.MessageTypeCallError:
		code, ok := array[2].(string)
		if !ok {
			return nil, fmt.Errorf("%w: error code", ErrMalformed)
		}
		frame.ErrorCode = code
		if len(array) > 3 {
			if desc, ok := array[3].(string); ok {
				frame.ErrorDescription = desc
			}
		}
		if len(array) > 4 {
			details, err := toJSON(array[4])
			if err == nil {
				frame.ErrorDetails = details
			}
		}
	}

	return frame, nil
}

// EncodeCall builds a Call envelope.
func (c *Codec) EncodeCall(uniqueID, action string, payload interface{}, format WireFormat) ([]byte, error) {
	return c.encode([]interface{}{protocol.MessageTypeCall, uniqueID, action, payload}, format)
}

// EncodeCallResult builds a CallResult envelope.
func (c *Codec) EncodeCallResult(uniqueID string, payload interface{}, format WireFormat) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return c.encode([]interface{}{protocol.MessageTypeCallResult, uniqueID, payload}, format)
}

// EncodeCallError builds a CallError envelope.
func (c *Codec) EncodeCallError(uniqueID, code, description string, details interface{}, format WireFormat) ([]byte, error) {
	if details == nil {
		details = map[string]string{}
	}
	return c.encode([]interface{}{protocol.MessageTypeCallError, uniqueID, code, description, details}, format)
}

func (c *Codec) encode(tuple []interface{}, format WireFormat) ([]byte, error) {
	for i, elem := range tuple {
		norm, err := normalize(elem, format)
		if err != nil {
			return nil, fmt.Errorf("ocpp: encode element %d: %w", i, err)
		}
		tuple[i] = norm
	}
	if format == WireFormatBinary {
		return msgpack.Marshal(tuple)
	}
	return json.Marshal(tuple)
}

// normalize reconciles json.RawMessage payloads with the target serialization:
// raw JSON is embedded as-is on the text path and re-expanded for msgpack.
func normalize(elem interface{}, format WireFormat) (interface{}, error) {
	raw, ok := elem.(json.RawMessage)
	if !ok {
		if b, isBytes := elem.([]byte); isBytes {
			raw = json.RawMessage(b)
		} else {
			return elem, nil
		}
	}
	if format == WireFormatBinary {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	}
	return raw, nil
}

func toJSON(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
