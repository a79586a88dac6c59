// Package registry owns the mapping from device identity to live transport
// handle. At most one handle exists per device: a reconnect with the same
// identity silently replaces the previous connection.
package registry

import (
	"context"
	"sync"
	"time"

	"voltcore/internal/ocpp"
)

// DefaultActivityWindow bounds how stale a device may be and still count as
// active.
const DefaultActivityWindow = 24 * time.Hour

// Presence mirrors connect/activity state to an external store (best effort).
type Presence interface {
	Touch(ctx context.Context, deviceID string, ts time.Time)
	Drop(ctx context.Context, deviceID string)
}

type entry struct {
	handle       ocpp.Handle
	format       ocpp.WireFormat
	lastActivity time.Time
}

// Registry tracks connected devices, their negotiated wire format and last
// activity. All mutation goes through its methods; the backing maps are never
// exposed.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*entry
	byHandle map[ocpp.Handle]string

	// onRemove drops per-device state that must not outlive a full removal
	// (connector states). Detach deliberately skips it.
	onRemove func(deviceID string)
	presence Presence
	clock    func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:     make(map[string]*entry),
		byHandle: make(map[ocpp.Handle]string),
		clock:    time.Now,
	}
}

// OnRemove sets the hook invoked when a device is fully removed.
func (r *Registry) OnRemove(fn func(deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// WithPresence attaches an external presence mirror.
func (r *Registry) WithPresence(p Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = p
}

// Add registers a handle for the device. A previous handle for the same
// identity is closed and replaced: last writer wins, matching how real
// devices reconnect after a network drop.
func (r *Registry) Add(deviceID string, handle ocpp.Handle) {
	now := r.clock()

	r.mu.Lock()
	old := r.byID[deviceID]
	r.byID[deviceID] = &entry{handle: handle, format: ocpp.WireFormatJSON, lastActivity: now}
	r.byHandle[handle] = deviceID
	if old != nil {
		delete(r.byHandle, old.handle)
	}
	presence := r.presence
	r.mu.Unlock()

	if old != nil && old.handle != handle {
		_ = old.handle.Close()
	}
	if presence != nil {
		presence.Touch(context.Background(), deviceID, now)
	}
}

// Remove drops the device's handle and its dependent state.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	ent, ok := r.byID[deviceID]
	if ok {
		delete(r.byID, deviceID)
		delete(r.byHandle, ent.handle)
	}
	onRemove := r.onRemove
	presence := r.presence
	r.mu.Unlock()

	if !ok {
		return
	}
	if onRemove != nil {
		onRemove(deviceID)
	}
	if presence != nil {
		presence.Drop(context.Background(), deviceID)
	}
}

// Detach drops only the handle, preserving dependent state. For teardown
// paths where the device's history should survive the session.
func (r *Registry) Detach(deviceID string) {
	r.mu.Lock()
	ent, ok := r.byID[deviceID]
	if ok {
		delete(r.byID, deviceID)
		delete(r.byHandle, ent.handle)
	}
	r.mu.Unlock()

	if ok {
		_ = ent.handle.Close()
	}
}

// Get returns the live handle for the device, if connected.
func (r *Registry) Get(deviceID string) (ocpp.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byID[deviceID]
	if !ok {
		return nil, false
	}
	return ent.handle, true
}

// Resolve returns the handle and negotiated wire format for the device.
func (r *Registry) Resolve(deviceID string) (ocpp.Handle, ocpp.WireFormat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byID[deviceID]
	if !ok {
		return nil, ocpp.WireFormatJSON, false
	}
	return ent.handle, ent.format, true
}

// DeviceIDs returns a snapshot of connected device identities.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ReverseLookup maps a handle back to its device identity.
func (r *Registry) ReverseLookup(handle ocpp.Handle) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHandle[handle]
	return id, ok
}

// TouchActivity records traffic from the device.
func (r *Registry) TouchActivity(deviceID string) {
	now := r.clock()

	r.mu.Lock()
	ent, ok := r.byID[deviceID]
	if ok {
		ent.lastActivity = now
	}
	presence := r.presence
	r.mu.Unlock()

	if ok && presence != nil {
		presence.Touch(context.Background(), deviceID, now)
	}
}

// LastActivity returns the device's last-activity timestamp.
func (r *Registry) LastActivity(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byID[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return ent.lastActivity, true
}

// IsActive reports whether the device is connected and has shown traffic
// within the window (DefaultActivityWindow when zero).
func (r *Registry) IsActive(deviceID string, within time.Duration) bool {
	if within <= 0 {
		within = DefaultActivityWindow
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.byID[deviceID]
	if !ok {
		return false
	}
	return r.clock().Sub(ent.lastActivity) <= within
}

// SetFormat records the wire format negotiated for the device.
func (r *Registry) SetFormat(deviceID string, format ocpp.WireFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.byID[deviceID]; ok {
		ent.format = format
	}
}

// Format returns the device's negotiated wire format (json by default).
func (r *Registry) Format(deviceID string) ocpp.WireFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ent, ok := r.byID[deviceID]; ok {
		return ent.format
	}
	return ocpp.WireFormatJSON
}

// CloseAll force-closes every remaining handle. Used at the end of the
// shutdown drain.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]ocpp.Handle, 0, len(r.byID))
	for _, ent := range r.byID {
		handles = append(handles, ent.handle)
	}
	r.byID = make(map[string]*entry)
	r.byHandle = make(map[ocpp.Handle]string)
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
}
