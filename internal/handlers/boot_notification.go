package handlers

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/registry"
)

// NewBootNotificationHandler accepts the device registration, records its
// metadata and applies the wire format it negotiated for the rest of the
// session.
func NewBootNotificationHandler(reg *registry.Registry, devices DevicePersister, heartbeatInterval int, logger *zap.Logger) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.BootNotificationRequest](payload)
		if err != nil {
			return nil, err
		}

		if req.WireFormat != "" {
			reg.SetFormat(deviceID, ocpp.WireFormat(req.WireFormat))
		}

		if devices != nil {
			if err := devices.SaveDevice(ctx, deviceID, req.ChargePointVendor, req.ChargePointModel, req.FirmwareVersion); err != nil {
				// Registration still succeeds; metadata is best effort.
				logger.Warn("device metadata not persisted",
					zap.String("device_id", deviceID),
					zap.Error(err))
			}
		}

		logger.Info("device booted",
			zap.String("device_id", deviceID),
			zap.String("vendor", req.ChargePointVendor),
			zap.String("model", req.ChargePointModel),
			zap.String("firmware", req.FirmwareVersion),
			zap.String("wire_format", string(reg.Format(deviceID))))

		return protocol.BootNotificationResponse{
			CurrentTime: time.Now().UTC(),
			Interval:    heartbeatInterval,
			Status:      protocol.RegistrationAccepted,
		}, nil
	}
}
