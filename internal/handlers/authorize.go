package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voltcore/internal/ocpp"
	"voltcore/internal/ocpp/protocol"
)

// NewAuthorizeHandler resolves an idTag to an authorization verdict.
func NewAuthorizeHandler(auth IdTagAuthorizer, logger *zap.Logger) ocpp.HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (interface{}, error) {
		req, err := ocpp.Decode[protocol.AuthorizeRequest](payload)
		if err != nil {
			return nil, err
		}

		status := protocol.AuthorizationAccepted
		if auth != nil {
			status = auth.AuthorizeIdTag(ctx, req.IdTag)
		}
		if status != protocol.AuthorizationAccepted {
			logger.Info("idTag rejected",
				zap.String("device_id", deviceID),
				zap.String("id_tag", req.IdTag),
				zap.String("status", status))
		}

		return protocol.AuthorizeResponse{IdTagInfo: protocol.IdTagInfo{Status: status}}, nil
	}
}
