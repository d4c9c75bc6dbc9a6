// SPDX-License-Identifier: GPL-2.0-only

// Package registry holds the in-memory view of exported devices and which
// client, if any, currently has each one bound. Unlike internal/store, it is
// not persisted: it is rebuilt from device_added events as they arrive.
package registry

import "sort"

// Device is a read-only snapshot of a single exported device's state.
type Device struct {
	BusID   string
	Name    string
	InUseBy string // empty if not currently bound to any client
}

// Registry tracks the exported set and in-use map. It does no locking of its
// own: its maps are updated in place, so mutations and reads alike are
// expected to happen on a single goroutine (the Assignment Engine's reactor
// loop). The control API reads it through Engine commands, not directly.
type Registry struct {
	names  map[string]string // bus id -> display name, present only if exported
	inUse  map[string]string // bus id -> client id, present only if bound
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		names: make(map[string]string),
		inUse: make(map[string]string),
	}
}

// MarkExported inserts busID into the exported set (or refreshes its display
// name, if already present). It does not touch in-use state.
func (r *Registry) MarkExported(busID, name string) {
	r.names[busID] = name
}

// Remove drops busID from the exported set and clears any in-use entry.
func (r *Registry) Remove(busID string) {
	delete(r.names, busID)
	delete(r.inUse, busID)
}

// IsExported reports whether busID is currently in the exported set.
func (r *Registry) IsExported(busID string) bool {
	_, ok := r.names[busID]
	return ok
}

// Name returns busID's display name, or "" if it is not exported.
func (r *Registry) Name(busID string) string {
	return r.names[busID]
}

// SetInUse records that busID is bound to clientID. busID must already be
// exported; callers are expected to check IsExported first.
func (r *Registry) SetInUse(busID, clientID string) {
	r.inUse[busID] = clientID
}

// ClearInUse drops any in-use entry for busID.
func (r *Registry) ClearInUse(busID string) {
	delete(r.inUse, busID)
}

// InUseBy returns the client busID is bound to, if any.
func (r *Registry) InUseBy(busID string) (clientID string, ok bool) {
	clientID, ok = r.inUse[busID]
	return clientID, ok
}

// ExportedBusIDs returns the exported set in sorted order, matching the
// deterministic iteration order the Assignment Engine's rules require.
func (r *Registry) ExportedBusIDs() []string {
	ids := make([]string, 0, len(r.names))
	for id := range r.names {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BusIDsInUseBy returns the sorted bus IDs currently bound to clientID.
func (r *Registry) BusIDsInUseBy(clientID string) []string {
	var ids []string
	for id, owner := range r.inUse {
		if owner == clientID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns every exported device, in sorted bus ID order.
func (r *Registry) Snapshot() []Device {
	ids := r.ExportedBusIDs()
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, Device{
			BusID:   id,
			Name:    r.names[id],
			InUseBy: r.inUse[id],
		})
	}
	return devices
}
