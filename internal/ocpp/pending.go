package ocpp

import (
	"sync"
	"time"
)

// PendingEntry records a server-initiated call awaiting its CallResult.
// CallResults carry no action name, so the entry is the only way to interpret
// the eventual reply.
type PendingEntry struct {
	Action    string
	DeviceID  string
	CreatedAt time.Time
}

// PendingLedger correlates unique ids of outbound calls to their actions.
// Entries are consumed exactly once by the matching CallResult/CallError.
type PendingLedger struct {
	mu      sync.Mutex
	entries map[string]PendingEntry
	clock   func() time.Time
}

// NewPendingLedger returns an empty ledger.
func NewPendingLedger() *PendingLedger {
	return &PendingLedger{
		entries: make(map[string]PendingEntry),
		clock:   time.Now,
	}
}

// Put registers an outbound call. Must happen before the frame is written to
// the wire so a synchronous reply can always be correlated.
func (l *PendingLedger) Put(uniqueID, deviceID, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[uniqueID] = PendingEntry{
		Action:    action,
		DeviceID:  deviceID,
		CreatedAt: l.clock(),
	}
}

// Take consumes the entry for uniqueID, if present.
func (l *PendingLedger) Take(uniqueID string) (PendingEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[uniqueID]
	if ok {
		delete(l.entries, uniqueID)
	}
	return entry, ok
}

// Len reports the number of outstanding entries.
func (l *PendingLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SweepExpired drops entries older than ttl (devices that never answered)
// and returns how many were removed.
func (l *PendingLedger) SweepExpired(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock().Add(-ttl)
	removed := 0
	for id, entry := range l.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(l.entries, id)
			removed++
		}
	}
	return removed
}
