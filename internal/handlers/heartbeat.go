package handlers

import (
	"context"
	"encoding/json"
	"time"

	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/registry"
)

// NewHeartbeatHandler answers with server time and refreshes the device's
// activity timestamp.
func NewHeartbeatHandler(reg *registry.Registry) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		reg.TouchActivity(deviceID)
		return protocol.HeartbeatResponse{CurrentTime: time.Now().UTC()}, nil
	}
}
