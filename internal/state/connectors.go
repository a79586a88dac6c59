// Package state owns per-(device, connector) runtime status: the connector
// state machine, current transaction binding and reservations.
package state

import (
	"sync"
	"time"

	"voltcore/internal/ocpp/protocol"
)

// DefaultFinishingDelay is how long a connector stays in Finishing after a
// stop before reverting to Available.
const DefaultFinishingDelay = 2 * time.Second

// Connector is the tracked state of one connector. Index 0 denotes the
// device itself.
type Connector struct {
	Status        string    `json:"status"`
	TransactionID string    `json:"transactionId,omitempty"`
	ErrorCode     string    `json:"errorCode"`
	LastUpdate    time.Time `json:"lastUpdate"`
	ReservationID int       `json:"reservationId,omitempty"`
	ReservedUntil time.Time `json:"reservedUntil,omitempty"`
}

// SweptReservation describes one reservation reverted by the expiry sweep.
type SweptReservation struct {
	DeviceID      string
	ConnectorID   int
	ReservationID int
}

// Store keeps connector state for all devices. Entries are created lazily
// with Available defaults and dropped when the device's transport closes.
type Store struct {
	mu             sync.RWMutex
	devices        map[string]map[int]*Connector
	clock          func() time.Time
	finishingDelay time.Duration

	// onBackgroundChange reports transitions made outside a handler (the
	// finishing auto-revert and the reservation sweep) so they still reach
	// the event bus.
	onBackgroundChange func(deviceID string, connectorID int, c Connector)
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		devices:        make(map[string]map[int]*Connector),
		clock:          time.Now,
		finishingDelay: DefaultFinishingDelay,
	}
}

// OnBackgroundChange sets the hook for sweep/auto-revert transitions.
func (s *Store) OnBackgroundChange(fn func(deviceID string, connectorID int, c Connector)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBackgroundChange = fn
}

// SetFinishingDelay overrides the Finishing→Available delay.
func (s *Store) SetFinishingDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.finishingDelay = d
	}
}

func (s *Store) ensureLocked(deviceID string, connectorID int) *Connector {
	connectors, ok := s.devices[deviceID]
	if !ok {
		connectors = make(map[int]*Connector)
		s.devices[deviceID] = connectors
	}
	c, ok := connectors[connectorID]
	if !ok {
		c = &Connector{
			Status:     protocol.StatusAvailable,
			ErrorCode:  protocol.ErrorCodeNoError,
			LastUpdate: s.clock(),
		}
		connectors[connectorID] = c
	}
	return c
}

// SetStatus applies a device-reported StatusNotification. The device is the
// authoritative source: the overwrite is unconditional, never rejected.
// Returns previous and current state.
func (s *Store) SetStatus(deviceID string, connectorID int, status, errorCode string) (Connector, Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureLocked(deviceID, connectorID)
	prev := *c

	c.Status = status
	if errorCode == "" {
		errorCode = protocol.ErrorCodeNoError
	}
	c.ErrorCode = errorCode
	c.LastUpdate = s.clock()

	return prev, *c
}

// BindTransaction forces the connector to Charging with the transaction
// attached. A connector holds at most one active transaction: any previous
// binding is overwritten.
func (s *Store) BindTransaction(deviceID string, connectorID int, transactionID string) Connector {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureLocked(deviceID, connectorID)
	c.Status = protocol.StatusCharging
	c.TransactionID = transactionID
	c.LastUpdate = s.clock()
	return *c
}

// FinishTransaction clears the transaction binding and moves the connector to
// Finishing. After the finishing delay it reverts to Available unless a
// device StatusNotification already moved it elsewhere.
func (s *Store) FinishTransaction(deviceID string, connectorID int) Connector {
	s.mu.Lock()
	c := s.ensureLocked(deviceID, connectorID)
	c.Status = protocol.StatusFinishing
	c.TransactionID = ""
	c.LastUpdate = s.clock()
	snapshot := *c
	delay := s.finishingDelay
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		s.revertFinished(deviceID, connectorID)
	})

	return snapshot
}

func (s *Store) revertFinished(deviceID string, connectorID int) {
	s.mu.Lock()
	connectors, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return
	}
	c, ok := connectors[connectorID]
	if !ok || c.Status != protocol.StatusFinishing {
		s.mu.Unlock()
		return
	}
	c.Status = protocol.StatusAvailable
	c.LastUpdate = s.clock()
	snapshot := *c
	notify := s.onBackgroundChange
	s.mu.Unlock()

	if notify != nil {
		notify(deviceID, connectorID, snapshot)
	}
}

// SetAvailability applies an admin ChangeAvailability override.
func (s *Store) SetAvailability(deviceID string, connectorID int, operative bool) Connector {
	status := protocol.StatusUnavailable
	if operative {
		status = protocol.StatusAvailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureLocked(deviceID, connectorID)
	c.Status = status
	c.LastUpdate = s.clock()
	return *c
}

// Reserve marks the connector Reserved until the given time.
func (s *Store) Reserve(deviceID string, connectorID int, reservationID int, until time.Time) Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureLocked(deviceID, connectorID)
	c.Status = protocol.StatusReserved
	c.ReservationID = reservationID
	c.ReservedUntil = until
	c.LastUpdate = s.clock()
	return *c
}

// CancelReservation clears the reservation with the given id. The connector
// status is only reverted if it is still Reserved; a reservation already
// consumed by a charging session is left alone.
func (s *Store) CancelReservation(deviceID string, reservationID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	connectors, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	for _, c := range connectors {
		if c.ReservationID != reservationID || c.ReservationID == 0 {
			continue
		}
		c.ReservationID = 0
		c.ReservedUntil = time.Time{}
		if c.Status == protocol.StatusReserved {
			c.Status = protocol.StatusAvailable
		}
		c.LastUpdate = s.clock()
		return true
	}
	return false
}

// Get returns the connector state, if tracked.
func (s *Store) Get(deviceID string, connectorID int) (Connector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connectors, ok := s.devices[deviceID]
	if !ok {
		return Connector{}, false
	}
	c, ok := connectors[connectorID]
	if !ok {
		return Connector{}, false
	}
	return *c, true
}

// Snapshot returns a copy of all connector states for the device.
func (s *Store) Snapshot(deviceID string) map[int]Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connectors, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	result := make(map[int]Connector, len(connectors))
	for id, c := range connectors {
		result[id] = *c
	}
	return result
}

// DropDevice removes all connector state for the device. A reconnecting
// device starts over with fresh Available defaults.
func (s *Store) DropDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

// SweepReservations reverts every Reserved connector whose reservation has
// expired back to Available and reports what was swept.
func (s *Store) SweepReservations() []SweptReservation {
	now := s.clock()

	s.mu.Lock()
	var swept []SweptReservation
	var changed []struct {
		deviceID    string
		connectorID int
		snapshot    Connector
	}
	for deviceID, connectors := range s.devices {
		for connectorID, c := range connectors {
			if c.Status != protocol.StatusReserved || c.ReservedUntil.IsZero() || !c.ReservedUntil.Before(now) {
				continue
			}
			swept = append(swept, SweptReservation{
				DeviceID:      deviceID,
				ConnectorID:   connectorID,
				ReservationID: c.ReservationID,
			})
			c.Status = protocol.StatusAvailable
			c.ReservationID = 0
			c.ReservedUntil = time.Time{}
			c.LastUpdate = now
			changed = append(changed, struct {
				deviceID    string
				connectorID int
				snapshot    Connector
			}{deviceID, connectorID, *c})
		}
	}
	notify := s.onBackgroundChange
	s.mu.Unlock()

	if notify != nil {
		for _, ch := range changed {
			notify(ch.deviceID, ch.connectorID, ch.snapshot)
		}
	}
	return swept
}
