package ocpp

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"voltcore/internal/ocpp/protocol"
)

// HandlerFunc processes a device-initiated call and returns the response
// payload.
type HandlerFunc func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error)

// Router dispatches actions to handlers.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register attaches a handler to an action.
func (r *Router) Register(action string, handler HandlerFunc) {
	r.handlers[action] = handler
}

func (r *Router) handler(action string) (HandlerFunc, bool) {
	h, ok := r.handlers[action]
	return h, ok
}

// ValidateFunc checks a payload against a named schema, returning validity
// and the first failure message.
type ValidateFunc func(payload json.RawMessage, schemaName string) (bool, string)

// ReplyHandler receives correlated CallResult/CallError frames answering
// server-initiated commands.
type ReplyHandler interface {
	HandleCallResult(deviceID, uniqueID, action string, payload json.RawMessage)
	HandleCallError(deviceID, uniqueID, action, code, description string, details json.RawMessage)
}

// MessageLogRepository records raw frames (external collaborator).
type MessageLogRepository interface {
	Save(ctx context.Context, deviceID, direction, action string, payload []byte) error
}

// Processor is the protocol state machine for one inbound frame:
// decode, structural checks, schema validation, dispatch, response encode.
// Every failure is answered on the wire; the connection is never torn down
// for a single bad frame.
type Processor struct {
	codec    *Codec
	router   *Router
	pending  *PendingLedger
	validate ValidateFunc
	replies  ReplyHandler
	msgLog   MessageLogRepository
	logger   *zap.Logger
}

// NewProcessor builds a processor.
func NewProcessor(codec *Codec, router *Router, pending *PendingLedger, validate ValidateFunc, logger *zap.Logger) *Processor {
	return &Processor{
		codec:    codec,
		router:   router,
		pending:  pending,
		validate: validate,
		logger:   logger,
	}
}

// WithReplyHandler attaches the consumer of correlated command replies.
func (p *Processor) WithReplyHandler(h ReplyHandler) {
	p.replies = h
}

// WithMessageLog attaches the frame log collaborator.
func (p *Processor) WithMessageLog(repo MessageLogRepository) {
	p.msgLog = repo
}

// Process handles one raw inbound frame and returns the response bytes to
// write back, if any. A returned error means the response could not be
// encoded and the connection should be dropped; all protocol-level failures
// are expressed as CallError frames instead.
func (p *Processor) Process(ctx context.Context, deviceID string, raw []byte, format WireFormat) ([]byte, error) {
	frame, err := p.codec.Decode(raw, format)
	if err != nil {
		p.logger.Warn("malformed frame",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return p.codec.EncodeCallError("", protocol.ErrCodeFormationViolation, "unparsable frame", nil, format)
	}

	switch frame.MessageType {
	case protocol.MessageTypeCall:
		return p.processCall(ctx, deviceID, frame, raw, format)
	case protocol.MessageTypeCallResult:
		p.processCallResult(deviceID, frame)
		return nil, nil
	case protocol.MessageTypeCallError:
		p.processCallError(deviceID, frame)
		return nil, nil
	default:
		// Not addressed to us and not a call: log and ignore, no response.
		p.logger.Warn("ignoring frame with unexpected message type",
			zap.String("device_id", deviceID),
			zap.Int("message_type", frame.MessageType))
		return nil, nil
	}
}

func (p *Processor) processCall(ctx context.Context, deviceID string, frame *Frame, raw []byte, format WireFormat) (out []byte, err error) {
	if p.msgLog != nil {
		_ = p.msgLog.Save(ctx, deviceID, "incoming", frame.Action, raw)
	}

	if valid, firstErr := p.validate(frame.Payload, frame.Action+"Request"); !valid {
		p.logger.Warn("payload failed schema validation",
			zap.String("device_id", deviceID),
			zap.String("action", frame.Action),
			zap.String("detail", firstErr))
		return p.codec.EncodeCallError(frame.UniqueID, protocol.ErrCodeFormationViolation, firstErr, nil, format)
	}

	handler, ok := p.router.handler(frame.Action)
	if !ok {
		p.logger.Warn("unknown action",
			zap.String("device_id", deviceID),
			zap.String("action", frame.Action))
		return p.codec.EncodeCallError(frame.UniqueID, protocol.ErrCodeNotImplemented, fmt.Sprintf("action %s is not supported", frame.Action), nil, format)
	}

	responsePayload, handlerErr := p.invoke(ctx, handler, deviceID, frame.Payload)
	if handlerErr != nil {
		p.logger.Warn("handler failed",
			zap.String("device_id", deviceID),
			zap.String("action", frame.Action),
			zap.Error(handlerErr))
		return p.codec.EncodeCallError(frame.UniqueID, protocol.ErrCodeGenericError, handlerErr.Error(), nil, format)
	}

	respBytes, err := p.codec.EncodeCallResult(frame.UniqueID, responsePayload, format)
	if err != nil {
		p.logger.Error("encode response failed",
			zap.String("device_id", deviceID),
			zap.String("action", frame.Action),
			zap.Error(err))
		return nil, err
	}

	if p.msgLog != nil {
		_ = p.msgLog.Save(ctx, deviceID, "outgoing", frame.Action, respBytes)
	}
	return respBytes, nil
}

// invoke runs the handler, converting a panic into an error so one broken
// handler cannot take the shared process down.
func (p *Processor) invoke(ctx context.Context, handler HandlerFunc, deviceID string, payload json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, deviceID, payload)
}

func (p *Processor) processCallResult(deviceID string, frame *Frame) {
	entry, ok := p.pending.Take(frame.UniqueID)
	if !ok {
		p.logger.Warn("stray call result",
			zap.String("device_id", deviceID),
			zap.String("unique_id", frame.UniqueID))
		return
	}
	if p.replies != nil {
		p.replies.HandleCallResult(deviceID, frame.UniqueID, entry.Action, frame.Payload)
	}
}

// Decode convenience helper for handlers.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}

func (p *Processor) processCallError(deviceID string, frame *Frame) {
	entry, ok := p.pending.Take(frame.UniqueID)
	if !ok {
		p.logger.Warn("stray call error",
			zap.String("device_id", deviceID),
			zap.String("unique_id", frame.UniqueID),
			zap.String("error_code", frame.ErrorCode))
		return
	}
	if p.replies != nil {
		p.replies.HandleCallError(deviceID, frame.UniqueID, entry.Action, frame.ErrorCode, frame.ErrorDescription, frame.ErrorDetails)
	}
}
