package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/session"
)

// NewMeterValuesHandler ingests cumulative energy readings and broadcasts
// throttled deltas.
func NewMeterValuesHandler(tracker *session.MeterTracker, bus *events.Bus, logger *zap.Logger) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.MeterValuesRequest](payload)
		if err != nil {
			return nil, err
		}

		samples := session.ExtractEnergySamples(req)
		if len(samples) == 0 {
			logger.Debug("meter values without energy samples",
				zap.String("device_id", deviceID),
				zap.Int("connector_id", req.ConnectorID))
			return protocol.MeterValuesResponse{}, nil
		}

		for _, sample := range samples {
			delta, broadcast := tracker.Observe(deviceID, req.ConnectorID, req.TransactionID, sample.ValueWh)
			if !broadcast {
				continue
			}
			bus.Publish(events.TypeMeterDelta, deviceID, map[string]interface{}{
				"connectorId":   req.ConnectorID,
				"transactionId": req.TransactionID,
				"delta":         delta,
				"cumulativeWh":  sample.ValueWh,
			})
		}

		return protocol.MeterValuesResponse{}, nil
	}
}
