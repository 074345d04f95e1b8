package broker

import (
	"slices"
	"strings"
)

type registryEntry struct {
	info ClientInfo
	peer Peer
}

// Registry tracks every live connection. It is owned by the broker loop and is not safe for concurrent use.
type Registry struct {
	entries map[string]registryEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a connection, overwriting any previous entry with the same id.
func (r *Registry) Register(info ClientInfo, peer Peer) {
	r.entries[info.ID] = registryEntry{info: info, peer: peer}
}

// Unregister removes a connection and returns its record. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) (ClientInfo, bool) {
	e, ok := r.entries[id]
	if !ok {
		return ClientInfo{}, false
	}
	delete(r.entries, id)
	return e.info, true
}

// Has reports whether id is a live connection.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Get returns the record for id.
func (r *Registry) Get(id string) (ClientInfo, bool) {
	e, ok := r.entries[id]
	return e.info, ok
}

// Peer returns the outbound side of id, or nil.
func (r *Registry) Peer(id string) Peer {
	return r.entries[id].peer
}

// Len returns the number of live connections.
func (r *Registry) Len() int { return len(r.entries) }

// List returns a snapshot ordered by join time, then id.
func (r *Registry) List() []ClientInfo {
	out := make([]ClientInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b ClientInfo) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// each calls fn for every connection except skip.
func (r *Registry) each(skip string, fn func(id string, p Peer)) {
	for id, e := range r.entries {
		if id == skip {
			continue
		}
		fn(id, e.peer)
	}
}
