package ocpp

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voltcore/internal/ocpp/protocol"
)

// idGenerator is swapped out in tests for deterministic unique ids.
var idGenerator = uuid.NewString

// ErrNoConnection is returned when a remote command targets a device without
// a live transport. Callers branch on it; it is never used for panics.
var ErrNoConnection = errors.New("ocpp: no live connection for device")

// ConnectionSource resolves a device identity to its transport handle and
// negotiated wire format.
type ConnectionSource interface {
	Resolve(deviceID string) (Handle, WireFormat, bool)
}

// Sender builds and sends server-initiated calls. The pending ledger entry is
// always registered before the frame hits the wire, so a reply that arrives
// synchronously can still be correlated.
type Sender struct {
	source  ConnectionSource
	pending *PendingLedger
	codec   *Codec
	logger  *zap.Logger
}

// NewSender builds a sender.
func NewSender(source ConnectionSource, pending *PendingLedger, codec *Codec, logger *zap.Logger) *Sender {
	return &Sender{
		source:  source,
		pending: pending,
		codec:   codec,
		logger:  logger,
	}
}

// Send issues a call to the device and returns the unique id registered in
// the pending ledger.
func (s *Sender) Send(deviceID, action string, payload interface{}) (string, error) {
	handle, format, ok := s.source.Resolve(deviceID)
	if !ok {
		s.logger.Warn("remote command dropped, device not connected",
			zap.String("device_id", deviceID),
			zap.String("action", action))
		return "", ErrNoConnection
	}

	uniqueID := idGenerator()
	s.pending.Put(uniqueID, deviceID, action)

	data, err := s.codec.EncodeCall(uniqueID, action, payload, format)
	if err != nil {
		s.pending.Take(uniqueID)
		return "", fmt.Errorf("ocpp: encode %s: %w", action, err)
	}

	if err := handle.Send(data); err != nil {
		s.pending.Take(uniqueID)
		return "", fmt.Errorf("ocpp: send %s: %w", action, err)
	}

	s.logger.Info("remote command sent",
		zap.String("device_id", deviceID),
		zap.String("action", action),
		zap.String("unique_id", uniqueID))
	return uniqueID, nil
}

// RemoteStartTransaction asks the device to begin charging. Connector
// defaults to 1 when unset.
func (s *Sender) RemoteStartTransaction(deviceID string, connectorID int, idTag string) (string, error) {
	if connectorID <= 0 {
		connectorID = 1
	}
	return s.Send(deviceID, protocol.ActionRemoteStartTransaction, protocol.RemoteStartTransactionRequest{
		ConnectorID: connectorID,
		IdTag:       idTag,
		StartValue:  0,
	})
}

// RemoteStopTransaction asks the device to end the transaction. The wire
// field is numeric; non-numeric transaction ids are reduced to a stable
// numeric form.
func (s *Sender) RemoteStopTransaction(deviceID, transactionID string) (string, error) {
	return s.Send(deviceID, protocol.ActionRemoteStopTransaction, protocol.RemoteStopTransactionRequest{
		TransactionID: numericTransactionID(transactionID),
	})
}

// ReserveNow reserves a connector until expiry.
func (s *Sender) ReserveNow(deviceID string, connectorID, reservationID int, idTag string, expiry time.Time) (string, error) {
	return s.Send(deviceID, protocol.ActionReserveNow, protocol.ReserveNowRequest{
		ConnectorID:   connectorID,
		ExpiryDate:    expiry,
		IdTag:         idTag,
		ReservationID: reservationID,
	})
}

// CancelReservation cancels a reservation by id.
func (s *Sender) CancelReservation(deviceID string, reservationID int) (string, error) {
	return s.Send(deviceID, protocol.ActionCancelReservation, protocol.CancelReservationRequest{
		ReservationID: reservationID,
	})
}

// ChangeAvailability toggles a connector Operative/Inoperative.
func (s *Sender) ChangeAvailability(deviceID string, connectorID int, availabilityType string) (string, error) {
	return s.Send(deviceID, protocol.ActionChangeAvailability, protocol.ChangeAvailabilityRequest{
		ConnectorID: connectorID,
		Type:        availabilityType,
	})
}

// ChangeConfiguration sets one configuration key on the device.
func (s *Sender) ChangeConfiguration(deviceID, key, value string) (string, error) {
	return s.Send(deviceID, protocol.ActionChangeConfiguration, protocol.ChangeConfigurationRequest{
		Key:   key,
		Value: value,
	})
}

// GetConfiguration reads configuration keys from the device.
func (s *Sender) GetConfiguration(deviceID string, keys []string) (string, error) {
	return s.Send(deviceID, protocol.ActionGetConfiguration, protocol.GetConfigurationRequest{Key: keys})
}

func numericTransactionID(transactionID string) int64 {
	if n, err := strconv.ParseInt(transactionID, 10, 64); err == nil {
		return n
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(transactionID))
	return int64(h.Sum32())
}
