package manager

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoManager is returned when no manager serves a user space.
var ErrNoManager = errors.New("no manager registered")

// Endpoint is a manager application serving one user space.
type Endpoint struct {
	UserID  int32
	Socket  string
	Package string
	UID     int32
}

// Registry maps user spaces to manager endpoints. Entries are keyed by
// user id and each one is read and replaced atomically, so lookups for one
// user never wait on changes to another.
type Registry struct {
	endpoints sync.Map // int32 user id -> Endpoint
}

// NewRegistry creates a registry seeded with endpoints.
func NewRegistry(endpoints ...Endpoint) *Registry {
	r := &Registry{}
	for _, ep := range endpoints {
		r.Register(ep)
	}
	return r
}

// Register adds or replaces the endpoint for ep.UserID.
func (r *Registry) Register(ep Endpoint) {
	r.endpoints.Store(ep.UserID, ep)
}

// Unregister removes the endpoint for userID.
func (r *Registry) Unregister(userID int32) {
	r.endpoints.Delete(userID)
}

// Lookup returns the endpoint serving userID.
func (r *Registry) Lookup(userID int32) (Endpoint, error) {
	v, ok := r.endpoints.Load(userID)
	if !ok {
		return Endpoint{}, ErrNoManager
	}
	ep := v.(Endpoint)
	if ep.Socket == "" {
		return Endpoint{}, ErrNoManager
	}
	return ep, nil
}

// Client returns a client for the manager serving userID.
func (r *Registry) Client(userID int32) (*Client, error) {
	ep, err := r.Lookup(userID)
	if err != nil {
		return nil, err
	}
	return NewClient(ep.Socket), nil
}

// IsManager reports whether uid belongs to a registered manager app.
func (r *Registry) IsManager(uid int32) bool {
	if uid <= 0 {
		return false
	}
	found := false
	r.endpoints.Range(func(_, v any) bool {
		found = v.(Endpoint).UID == uid
		return !found
	})
	return found
}

// All returns the registered endpoints ordered by user id.
func (r *Registry) All() []Endpoint {
	var out []Endpoint
	r.endpoints.Range(func(_, v any) bool {
		out = append(out, v.(Endpoint))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
