package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/session"
	"voltcore/internal/state"
)

// NewStopTransactionHandler completes the open transaction, computes the
// session totals and walks the connector through Finishing back to Available.
func NewStopTransactionHandler(
	ledger *session.Ledger,
	store *state.Store,
	tracker *session.MeterTracker,
	bus *events.Bus,
	observer StopObserver,
	persister TransactionPersister,
	logger *zap.Logger,
) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StopTransactionRequest](payload)
		if err != nil {
			return nil, err
		}

		tx, err := ledger.Stop(req.TransactionID, req.MeterStop, req.Timestamp)
		if err != nil {
			if errors.Is(err, session.ErrUnknownTransaction) {
				logger.Warn("stop for unknown transaction",
					zap.String("device_id", deviceID),
					zap.String("transaction_id", req.TransactionID))
				return protocol.StopTransactionResponse{
					IdTagInfo: protocol.IdTagInfo{Status: protocol.AuthorizationInvalid},
				}, nil
			}
			return nil, err
		}

		store.FinishTransaction(deviceID, tx.ConnectorID)
		tracker.Forget(deviceID, tx.ConnectorID, tx.ID)

		if persister != nil {
			if err := persister.Persist(ctx, tx); err != nil {
				logger.Warn("durable persist of stopped transaction failed",
					zap.String("transaction_id", tx.ID),
					zap.Error(err))
			}
		}

		eventPayload := map[string]interface{}{
			"transactionId":     tx.ID,
			"connectorId":       tx.ConnectorID,
			"energyWh":          tx.EnergyWh,
			"cost":              tx.Cost,
			"efficiencyPercent": tx.EfficiencyPct,
			"reason":            req.Reason,
		}
		if observer != nil {
			if correlationID, matched := observer.NotifyStopped(deviceID, tx.ConnectorID, tx.ID); matched {
				eventPayload["correlationId"] = correlationID
			}
		}
		bus.Publish(events.TypeTransactionStopped, deviceID, eventPayload)

		logger.Info("transaction stopped",
			zap.String("device_id", deviceID),
			zap.String("transaction_id", tx.ID),
			zap.Int64("energy_wh", tx.EnergyWh),
			zap.Float64("cost", tx.Cost))

		return protocol.StopTransactionResponse{
			IdTagInfo: protocol.IdTagInfo{Status: protocol.AuthorizationAccepted},
		}, nil
	}
}
