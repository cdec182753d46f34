package presence

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle is one live connection owned by a user. A user may hold several
// at once (multiple tabs or devices). Send must not block: implementations
// buffer internally and drop when the peer cannot keep up.
type Handle interface {
	UserID() string
	Send(eventType string, data []byte) error
	Close()
}

// Directory maps logical user IDs to their live connection handles so
// signaling events can be routed by user ID without knowing a connection.
type Directory struct {
	mu    sync.RWMutex
	users map[string]map[Handle]struct{}
}

func NewDirectory() *Directory {
	return &Directory{users: make(map[string]map[Handle]struct{})}
}

// Register idempotently adds a handle under the handle's user entry.
// The bool reports whether this was the user's first live handle.
func (d *Directory) Register(h Handle) bool {
	userID := h.UserID()

	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.users[userID]
	if !ok {
		set = make(map[Handle]struct{})
		d.users[userID] = set
	}
	set[h] = struct{}{}

	log.Debug().Str("userId", userID).Int("handles", len(set)).Msg("presence registered")
	return !ok
}

// Unregister removes the handle from its user entry, dropping the entry
// when the handle set becomes empty. Unknown handles are a no-op. The bool
// reports whether this was the user's last live handle.
func (d *Directory) Unregister(h Handle) bool {
	userID := h.UserID()

	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[h]; !ok {
		return false
	}

	delete(set, h)
	if len(set) == 0 {
		delete(d.users, userID)
		log.Debug().Str("userId", userID).Msg("presence entry removed")
		return true
	}

	log.Debug().Str("userId", userID).Int("handles", len(set)).Msg("presence unregistered")
	return false
}

// Resolve returns the user's live handles, empty when the user has no
// live connection on this instance.
func (d *Directory) Resolve(userID string) []Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.users[userID]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Present reports whether the user has at least one live handle here.
func (d *Directory) Present(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users[userID]) > 0
}

// Count returns the number of live handles for a user.
func (d *Directory) Count(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users[userID])
}

// TotalHandles returns the number of live handles across all users.
func (d *Directory) TotalHandles() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := 0
	for _, set := range d.users {
		total += len(set)
	}
	return total
}
