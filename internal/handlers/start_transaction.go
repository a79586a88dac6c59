package handlers

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
	"voltcore/internal/session"
	"voltcore/internal/state"
)

// NewStartTransactionHandler allocates a transaction, binds the connector
// and resolves a waiting remote-start correlation when one matches.
func NewStartTransactionHandler(
	ledger *session.Ledger,
	store *state.Store,
	bus *events.Bus,
	observer StartObserver,
	persister TransactionPersister,
	auth IdTagAuthorizer,
	logger *zap.Logger,
) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.StartTransactionRequest](payload)
		if err != nil {
			return nil, err
		}

		if auth != nil {
			if status := auth.AuthorizeIdTag(ctx, req.IdTag); status != protocol.AuthorizationAccepted {
				logger.Info("start rejected, idTag not authorized",
					zap.String("device_id", deviceID),
					zap.String("id_tag", req.IdTag))
				return protocol.StartTransactionResponse{
					IdTagInfo: protocol.IdTagInfo{Status: status},
				}, nil
			}
		}

		startTime := req.Timestamp
		if startTime.IsZero() {
			startTime = time.Now().UTC()
		}

		tx := ledger.Start(session.Transaction{
			ID:          session.NewTransactionID(),
			DeviceID:    deviceID,
			ConnectorID: req.ConnectorID,
			IdTag:       req.IdTag,
			StartTime:   startTime,
			MeterStart:  req.MeterStart,
		})
		store.BindTransaction(deviceID, req.ConnectorID, tx.ID)

		if persister != nil {
			if err := persister.Persist(ctx, tx); err != nil {
				logger.Warn("durable persist of started transaction failed",
					zap.String("transaction_id", tx.ID),
					zap.Error(err))
			}
		}

		eventPayload := map[string]interface{}{
			"transactionId": tx.ID,
			"connectorId":   req.ConnectorID,
			"idTag":         req.IdTag,
			"meterStart":    req.MeterStart,
		}
		if observer != nil {
			if correlationID, matched := observer.NotifyStarted(deviceID, req.ConnectorID, tx.ID); matched {
				eventPayload["correlationId"] = correlationID
			}
		}
		bus.Publish(events.TypeTransactionStarted, deviceID, eventPayload)

		logger.Info("transaction started",
			zap.String("device_id", deviceID),
			zap.Int("connector_id", req.ConnectorID),
			zap.String("transaction_id", tx.ID))

		return protocol.StartTransactionResponse{
			TransactionID: tx.ID,
			IdTagInfo:     protocol.IdTagInfo{Status: protocol.AuthorizationAccepted},
		}, nil
	}
}
