package protocol

import (
	"encoding/json"
	"time"
)

// BootNotificationRequest carries device identity plus the optional wire
// format negotiation field (json or binary for all subsequent frames).
type BootNotificationRequest struct {
	ChargePointVendor string `json:"chargePointVendor" validate:"required"`
	ChargePointModel  string `json:"chargePointModel" validate:"required"`
	ChargePointSerial string `json:"chargePointSerialNumber" validate:"omitempty,max=25"`
	ChargeBoxSerial   string `json:"chargeBoxSerialNumber" validate:"omitempty,max=25"`
	FirmwareVersion   string `json:"firmwareVersion" validate:"omitempty,max=50"`
	WireFormat        string `json:"wireFormat" validate:"omitempty,oneof=json binary"`
}

// BootNotificationResponse tells the device its heartbeat cadence.
type BootNotificationResponse struct {
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
	Status      string    `json:"status"`
}

// HeartbeatRequest is empty.
type HeartbeatRequest struct{}

// HeartbeatResponse returns server time.
type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

// IdTagInfo is the authorization verdict embedded in several responses.
type IdTagInfo struct {
	Status string `json:"status"`
}

// AuthorizeRequest payload.
type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

// AuthorizeResponse payload.
type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

// StatusNotificationRequest payload. Connector 0 addresses the device itself.
type StatusNotificationRequest struct {
	ConnectorID int       `json:"connectorId" validate:"gte=0"`
	Status      string    `json:"status" validate:"required,oneof=Available Preparing Charging SuspendedEVSE SuspendedEV Finishing Reserved Unavailable Faulted"`
	ErrorCode   string    `json:"errorCode"`
	Info        string    `json:"info"`
	Timestamp   time.Time `json:"timestamp"`
	VendorID    string    `json:"vendorId"`
}

// StatusNotificationResponse is an empty ack.
type StatusNotificationResponse struct{}

// StartTransactionRequest payload.
type StartTransactionRequest struct {
	ConnectorID   int       `json:"connectorId" validate:"gte=1"`
	IdTag         string    `json:"idTag" validate:"required,max=20"`
	MeterStart    int64     `json:"meterStart" validate:"gte=0"`
	ReservationID int       `json:"reservationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// StartTransactionResponse payload.
type StartTransactionResponse struct {
	TransactionID string    `json:"transactionId"`
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
}

// StopTransactionRequest payload.
type StopTransactionRequest struct {
	TransactionID string    `json:"transactionId" validate:"required"`
	IdTag         string    `json:"idTag"`
	MeterStop     int64     `json:"meterStop" validate:"gte=0"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason"`
}

// StopTransactionResponse payload.
type StopTransactionResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

// SampledValue is one reading inside a MeterValue group.
type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand"`
	Unit      string `json:"unit"`
	Context   string `json:"context"`
}

// MeterValue groups sampled values taken at one instant.
type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

// MeterValuesRequest accepts both the standard nested shape and a flattened
// fallback used by non-conformant firmware (meterValue as a bare number).
// The handler decodes the variant once at the boundary.
type MeterValuesRequest struct {
	ConnectorID   int             `json:"connectorId" validate:"gte=0"`
	TransactionID string          `json:"transactionId"`
	MeterValue    json.RawMessage `json:"meterValue"`
	Value         json.RawMessage `json:"value"`
	Timestamp     time.Time       `json:"timestamp"`
}

// MeterValuesResponse is an empty ack.
type MeterValuesResponse struct{}

// RemoteStartTransactionRequest is sent to the device.
type RemoteStartTransactionRequest struct {
	ConnectorID int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
	StartValue  int64  `json:"startValue"`
}

// RemoteStopTransactionRequest is sent to the device. OCPP 1.6 requires a
// numeric transaction id on the wire even though the server tracks strings.
type RemoteStopTransactionRequest struct {
	TransactionID int64 `json:"transactionId"`
}

// ReserveNowRequest is sent to the device.
type ReserveNowRequest struct {
	ConnectorID   int       `json:"connectorId"`
	ExpiryDate    time.Time `json:"expiryDate"`
	IdTag         string    `json:"idTag"`
	ReservationID int       `json:"reservationId"`
}

// CancelReservationRequest is sent to the device.
type CancelReservationRequest struct {
	ReservationID int `json:"reservationId"`
}

// ChangeAvailabilityRequest is sent to the device.
type ChangeAvailabilityRequest struct {
	ConnectorID int    `json:"connectorId"`
	Type        string `json:"type"`
}

// ChangeConfigurationRequest is sent to the device.
type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetConfigurationRequest is sent to the device.
type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}
