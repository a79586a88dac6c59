// Package handlers implements the device-initiated OCPP actions. Each
// constructor closes over its dependencies and returns an ocpp.HandlerFunc.
package handlers

import (
	"context"

	"voltcore/internal/session"
)

// TransactionPersister stores transactions durably (external collaborator,
// may be nil).
type TransactionPersister interface {
	Persist(ctx context.Context, tx session.Transaction) error
}

// DevicePersister records the metadata devices report at boot (external
// collaborator, may be nil).
type DevicePersister interface {
	SaveDevice(ctx context.Context, deviceID, vendor, model, firmware string) error
}

// IdTagAuthorizer answers whether an idTag may charge. A nil authorizer
// accepts everything.
type IdTagAuthorizer interface {
	AuthorizeIdTag(ctx context.Context, idTag string) string
}

// StartObserver is notified when a device confirms a transaction start,
// resolving a matching remote-start correlation if one is waiting.
type StartObserver interface {
	NotifyStarted(deviceID string, connectorID int, transactionID string) (correlationID string, matched bool)
}

// StopObserver is the stop-side counterpart.
type StopObserver interface {
	NotifyStopped(deviceID string, connectorID int, transactionID string) (correlationID string, matched bool)
}
