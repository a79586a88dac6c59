package protocol

// MessageType values as per OCPP-J spec.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Device-initiated actions.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionAuthorize          = "Authorize"
	ActionStatusNotification = "StatusNotification"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
)

// Server-initiated actions.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionReserveNow             = "ReserveNow"
	ActionCancelReservation      = "CancelReservation"
	ActionChangeAvailability     = "ChangeAvailability"
	ActionChangeConfiguration    = "ChangeConfiguration"
	ActionGetConfiguration       = "GetConfiguration"
)

// CallError codes.
const (
	ErrCodeFormationViolation = "FormationViolation"
	ErrCodeGenericError       = "GenericError"
	ErrCodeNotImplemented     = "NotImplemented"

	// ErrCodeUnknownAction is a deprecated alias of NotImplemented kept for
	// older charge point firmware that matches on it.
	ErrCodeUnknownAction = "UnknownAction"
)

// Registration status values.
const (
	RegistrationAccepted = "Accepted"
	RegistrationRejected = "Rejected"
)

// Authorization status values.
const (
	AuthorizationAccepted = "Accepted"
	AuthorizationInvalid  = "Invalid"
	AuthorizationBlocked  = "Blocked"
)

// Connector status values.
const (
	StatusAvailable     = "Available"
	StatusPreparing     = "Preparing"
	StatusCharging      = "Charging"
	StatusSuspendedEVSE = "SuspendedEVSE"
	StatusSuspendedEV   = "SuspendedEV"
	StatusFinishing     = "Finishing"
	StatusReserved      = "Reserved"
	StatusUnavailable   = "Unavailable"
	StatusFaulted       = "Faulted"
)

// ChargePointErrorCode default.
const ErrorCodeNoError = "NoError"

// ChangeAvailability types.
const (
	AvailabilityOperative   = "Operative"
	AvailabilityInoperative = "Inoperative"
)
