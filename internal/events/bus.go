// Package events provides a bounded, replayable log of domain events with
// per-client filtered subscriptions.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Domain event types.
const (
	TypeStatusChanged      = "status.changed"
	TypeTransactionStarted = "transaction.started"
	TypeTransactionStopped = "transaction.stopped"
	TypeMeterDelta         = "meter.values.delta"
	TypeChargingResult     = "charging.result"
	TypeCommandReply       = "command.reply"
	TypeDeviceConnected    = "device.connected"
	TypeDeviceDisconnected = "device.disconnected"
)

// DefaultCapacity bounds the in-memory event log.
const DefaultCapacity = 1000

// Event is one entry in the log.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	DeviceID  string      `json:"deviceId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Mirror forwards published events to an external system (best effort).
type Mirror interface {
	Publish(evt Event)
}

// Subscription delivers matching events to one client. Events are dropped,
// not blocked on, when the client falls behind.
type Subscription struct {
	ch       chan Event
	deviceID string
	types    map[string]struct{}
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(evt Event) bool {
	if s.deviceID != "" && s.deviceID != evt.DeviceID {
		return false
	}
	if len(s.types) > 0 {
		if _, ok := s.types[evt.Type]; !ok {
			return false
		}
	}
	return true
}

// Bus is the process-wide event log.
type Bus struct {
	mu       sync.Mutex
	log      []Event
	capacity int
	subs     map[*Subscription]struct{}
	mirror   Mirror
	clock    func() time.Time
	newID    func(t time.Time) string
}

// NewBus returns a bus with the given log capacity (DefaultCapacity if <= 0).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
		clock:    time.Now,
		newID:    newEventID,
	}
}

func newEventID(t time.Time) string {
	return fmt.Sprintf("evt-%d-%s", t.UnixMilli(), uuid.NewString()[:8])
}

// WithMirror attaches an external mirror.
func (b *Bus) WithMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Publish appends an event to the log and fans it out to matching
// subscriptions.
func (b *Bus) Publish(evtType, deviceID string, payload interface{}) Event {
	b.mu.Lock()
	now := b.clock()
	evt := Event{
		ID:        b.newID(now),
		Type:      evtType,
		DeviceID:  deviceID,
		Payload:   payload,
		Timestamp: now,
	}

	b.log = append(b.log, evt)
	if len(b.log) > b.capacity {
		b.log = b.log[len(b.log)-b.capacity:]
	}

	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	mirror := b.mirror
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}

	if mirror != nil {
		mirror.Publish(evt)
	}
	return evt
}

// Subscribe registers a client. An empty deviceID matches all devices; an
// empty type list matches all event types.
func (b *Bus) Subscribe(deviceID string, types []string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		ch:       make(chan Event, buffer),
		deviceID: deviceID,
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// ReplaySinceID returns all events logged after the event with the given id.
// An unknown id replays the full retained log.
func (b *Bus) ReplaySinceID(id string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	for i, evt := range b.log {
		if evt.ID == id {
			start = i + 1
			break
		}
	}
	out := make([]Event, len(b.log)-start)
	copy(out, b.log[start:])
	return out
}

// ReplayAfter returns all events with a timestamp strictly after t.
func (b *Bus) ReplayAfter(t time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, evt := range b.log {
		if evt.Timestamp.After(t) {
			out = append(out, evt)
		}
	}
	return out
}

// Len reports the retained log size.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}
