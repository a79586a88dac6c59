package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/registry"
	"voltcore/internal/state"
)

// NewStatusNotificationHandler applies the device-reported connector status.
// The report is authoritative and never rejected.
func NewStatusNotificationHandler(store *state.Store, reg *registry.Registry, bus *events.Bus, logger *zap.Logger) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StatusNotificationRequest](payload)
		if err != nil {
			return nil, err
		}

		reg.TouchActivity(deviceID)
		prev, curr := store.SetStatus(deviceID, req.ConnectorID, req.Status, req.ErrorCode)

		if prev.Status != curr.Status || prev.ErrorCode != curr.ErrorCode {
			bus.Publish(events.TypeStatusChanged, deviceID, map[string]interface{}{
				"connectorId":    req.ConnectorID,
				"status":         curr.Status,
				"previousStatus": prev.Status,
				"errorCode":      curr.ErrorCode,
			})
		}

		logger.Debug("status notification",
			zap.String("device_id", deviceID),
			zap.Int("connector_id", req.ConnectorID),
			zap.String("status", req.Status),
			zap.String("error_code", curr.ErrorCode))

		return protocol.StatusNotificationResponse{}, nil
	}
}
