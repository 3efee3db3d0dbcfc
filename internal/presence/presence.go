// Package presence tracks which users currently hold at least one live
// connection. The registry is constructed at server start and owned by
// the realtime hub; nothing is persisted and a restart begins empty.
package presence

import (
	mapset "github.com/deckarep/golang-set/v2"
)

type Registry struct {
	online mapset.Set[string]
}

func NewRegistry() *Registry {
	return &Registry{online: mapset.NewSet[string]()}
}

// Add marks the user online. Adding an already-online user is a no-op,
// so reconnects never duplicate an entry.
func (r *Registry) Add(userID string) {
	r.online.Add(userID)
}

// Remove marks the user offline. Removing an unknown user is a no-op.
func (r *Registry) Remove(userID string) {
	r.online.Remove(userID)
}

func (r *Registry) IsOnline(userID string) bool {
	return r.online.Contains(userID)
}

// List returns the online user ids in no particular order.
func (r *Registry) List() []string {
	return r.online.ToSlice()
}
