package transfer

import (
	"errors"
	"sync"
)

var (
	ErrDuplicateTicket = errors.New("upload ticket already exists")
	ErrTicketNotFound  = errors.New("upload ticket not found")
)

// Registry is a thread-safe, in-memory store of upload tickets keyed by
// SSH username, with a secondary index by ticket id.
type Registry struct {
	mu         sync.RWMutex
	byUsername map[string]*Ticket
	byID       map[string]*Ticket
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUsername: make(map[string]*Ticket),
		byID:       make(map[string]*Ticket),
	}
}

// Register adds t. A ticket whose username is already registered is
// rejected with ErrDuplicateTicket.
func (r *Registry) Register(t *Ticket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid {
		return ErrTicketInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUsername[t.Username]; ok {
		return ErrDuplicateTicket
	}
	r.byUsername[t.Username] = t
	r.byID[t.ID] = t
	t.registry = r
	return nil
}

// Lookup returns the ticket registered under username.
func (r *Registry) Lookup(username string) (*Ticket, bool) {
	r.mu.RLock()
	t, ok := r.byUsername[username]
	r.mu.RUnlock()
	return t, ok
}

// ByID returns the ticket with the given id.
func (r *Registry) ByID(id string) (*Ticket, bool) {
	r.mu.RLock()
	t, ok := r.byID[id]
	r.mu.RUnlock()
	return t, ok
}

// Remove deletes t only if it is the ticket stored under its username, so
// a stale pointer cannot remove a newer registration.
func (r *Registry) Remove(t *Ticket) {
	r.mu.Lock()
	if cur, ok := r.byUsername[t.Username]; ok && cur == t {
		delete(r.byUsername, t.Username)
	}
	if cur, ok := r.byID[t.ID]; ok && cur == t {
		delete(r.byID, t.ID)
	}
	r.mu.Unlock()
}

// ClearOwner invalidates and removes every ticket of owner and returns them.
// Files already received stay on disk until the caller cleans up.
func (r *Registry) ClearOwner(owner string) []*Ticket {
	r.mu.Lock()
	var removed []*Ticket
	for name, t := range r.byUsername {
		if t.Owner != owner {
			continue
		}
		delete(r.byUsername, name)
		delete(r.byID, t.ID)
		removed = append(removed, t)
	}
	r.mu.Unlock()

	for _, t := range removed {
		t.invalidate()
	}
	return removed
}

// All returns a snapshot of the registered tickets.
func (r *Registry) All() []*Ticket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Ticket, 0, len(r.byUsername))
	for _, t := range r.byUsername {
		out = append(out, t)
	}
	return out
}

// Len returns the number of registered tickets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUsername)
}
