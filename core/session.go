package core

import (
	"time"

	"github.com/hupe1980/toolmesh/internal/util"
)

// Session is process local, TTL bounded state scoped to one logical
// conversation. The live value is owned by a SessionStore; everything handed
// out by a store is a deep clone.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	State     map[string]any `json:"state"`
}

// NewSession creates a session that expires ttl after now.
func NewSession(id string, state map[string]any, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
		State:     util.CloneMap(state),
	}
}

// Expired reports whether the session has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// Touch refreshes UpdatedAt and pushes ExpiresAt ttl into the future.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	return &Session{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.ExpiresAt,
		State:     util.CloneMap(s.State),
	}
}

// Patch computes a session's next state from its current one.
type Patch interface {
	Apply(state map[string]any) map[string]any
}

// MergePatch replaces the listed top-level keys and keeps all others.
type MergePatch map[string]any

// Apply merges p into state.
func (p MergePatch) Apply(state map[string]any) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	for k, v := range p {
		state[k] = v
	}
	return state
}

// FuncPatch derives the next state with a pure function. The function
// receives a private deep copy and may mutate and return it.
type FuncPatch func(state map[string]any) map[string]any

// Apply runs the function.
func (p FuncPatch) Apply(state map[string]any) map[string]any { return p(state) }

// SessionStore owns session state. Implementations must be safe for
// concurrent use; concurrent updates to one session are last-write-wins.
type SessionStore interface {
	// Create stores a new session with a generated id.
	Create(initial map[string]any) (*Session, error)
	// CreateWithID stores a new session under id, replacing any existing entry.
	CreateWithID(id string, initial map[string]any) (*Session, error)
	// Get returns the session or a NotFound error when missing or expired.
	Get(id string) (*Session, error)
	// GetStateSnapshot returns a deep copy of the session state.
	GetStateSnapshot(id string) (map[string]any, error)
	// Update applies patch and refreshes the session's expiry.
	Update(id string, patch Patch) (*Session, error)
	// Delete removes the session, reporting whether it existed.
	Delete(id string) bool
	// Sweep removes expired sessions and returns how many were removed.
	Sweep() int
	// ListSanitized returns unexpired sessions with sensitive values redacted.
	ListSanitized() []*Session
	// Close stops background work.
	Close() error
}
