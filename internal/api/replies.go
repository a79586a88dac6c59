package api

import (
	"encoding/json"

	"go.uber.org/zap"

	"voltcore/internal/events"
)

// Replies consumes correlated CallResult/CallError frames answering
// server-initiated commands and republishes them as domain events, so the
// action layer and external subscribers see command outcomes.
type Replies struct {
	bus    *events.Bus
	logger *zap.Logger
}

// NewReplies builds the reply listener.
func NewReplies(bus *events.Bus, logger *zap.Logger) *Replies {
	return &Replies{bus: bus, logger: logger}
}

// HandleCallResult implements ocpp.ReplyHandler.
func (r *Replies) HandleCallResult(deviceID, uniqueID, action string, payload json.RawMessage) {
	var body map[string]interface{}
	_ = json.Unmarshal(payload, &body)

	r.bus.Publish(events.TypeCommandReply, deviceID, map[string]interface{}{
		"uniqueId": uniqueID,
		"action":   action,
		"result":   body,
	})
	r.logger.Info("command reply",
		zap.String("device_id", deviceID),
		zap.String("action", action),
		zap.String("unique_id", uniqueID))
}

// HandleCallError implements ocpp.ReplyHandler.
func (r *Replies) HandleCallError(deviceID, uniqueID, action, code, description string, details json.RawMessage) {
	r.bus.Publish(events.TypeCommandReply, deviceID, map[string]interface{}{
		"uniqueId":    uniqueID,
		"action":      action,
		"errorCode":   code,
		"description": description,
	})
	r.logger.Warn("command rejected by device",
		zap.String("device_id", deviceID),
		zap.String("action", action),
		zap.String("error_code", code),
		zap.String("description", description))
}
