package session

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/util"
	"github.com/hupe1980/toolmesh/logging"
)

const (
	// DefaultTTL is how long a session lives after its last write.
	DefaultTTL = time.Hour
	// DefaultSweepInterval is how often expired sessions are purged.
	DefaultSweepInterval = time.Hour
)

// Options configures an InMemoryStore.
type Options struct {
	// TTL is added to the current time on every create and update.
	TTL time.Duration
	// SweepInterval controls the background purge. Zero or negative disables
	// the sweeper; expired entries are then only removed lazily by Get.
	SweepInterval time.Duration
	// Logger defaults to logging.NoOpLogger.
	Logger logging.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// InMemoryStore is a volatile SessionStore keeping sessions in a process
// local map behind a single RWMutex. Every session handed out is a deep clone,
// so callers can never alias store memory. Concurrent updates to the same
// session are last-write-wins.
//
// A sweeper goroutine started by NewInMemoryStore deletes expired entries
// every SweepInterval until Close is called.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session

	ttl    time.Duration
	now    func() time.Time
	logger logging.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewInMemoryStore constructs an empty store and starts its sweeper.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{
		TTL:           DefaultTTL,
		SweepInterval: DefaultSweepInterval,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &InMemoryStore{
		sessions: make(map[string]*core.Session),
		ttl:      opts.TTL,
		now:      opts.Now,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go s.sweepLoop(opts.SweepInterval)
	} else {
		close(s.done)
	}

	return s
}

// TTL returns the configured time-to-live.
func (s *InMemoryStore) TTL() time.Duration { return s.ttl }

// Create stores a new session with a generated id.
func (s *InMemoryStore) Create(initial map[string]any) (*core.Session, error) {
	return s.CreateWithID(core.NewID(), initial)
}

// CreateWithID stores a new session under id, replacing any existing entry.
func (s *InMemoryStore) CreateWithID(id string, initial map[string]any) (*core.Session, error) {
	if id == "" {
		return nil, core.NewValidationError("session id is required")
	}

	sess := core.NewSession(id, initial, s.now(), s.ttl)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Debug("session.created", "session_id", id, "expires_at", sess.ExpiresAt)

	return sess.Clone(), nil
}

// Get returns a clone of the session. Missing or expired sessions yield a
// NotFound error; an expired entry is deleted on the way out. Plain reads do
// not extend the TTL.
func (s *InMemoryStore) Get(id string) (*core.Session, error) {
	now := s.now()

	s.mu.RLock()
	sess, ok := s.sessions[id]
	if ok && !sess.Expired(now) {
		clone := sess.Clone()
		s.mu.RUnlock()
		return clone, nil
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent update may have refreshed it.
		if cur, still := s.sessions[id]; still && cur.Expired(s.now()) {
			delete(s.sessions, id)
			s.logger.Debug("session.expired", "session_id", id)
		} else if still {
			clone := cur.Clone()
			s.mu.Unlock()
			return clone, nil
		}
		s.mu.Unlock()
	}

	return nil, core.NewNotFoundError("session %q not found", id).WithDetail("sessionId", id)
}

// GetStateSnapshot returns a deep copy of the session's state.
func (s *InMemoryStore) GetStateSnapshot(id string) (map[string]any, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.State, nil
}

// Update applies patch to the session and refreshes UpdatedAt and ExpiresAt.
// Function patches receive a private deep copy of the current state, and the
// patched state is deep copied before it is stored.
func (s *InMemoryStore) Update(id string, patch core.Patch) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	sess, ok := s.sessions[id]
	if !ok || sess.Expired(now) {
		if ok {
			delete(s.sessions, id)
		}
		return nil, core.NewNotFoundError("session %q not found", id).WithDetail("sessionId", id)
	}

	if patch != nil {
		// The patch result may still reference caller owned values (merge
		// patch values, maps captured by a function patch); store a copy.
		sess.State = util.CloneMap(patch.Apply(util.CloneMap(sess.State)))
	}
	sess.Touch(now, s.ttl)

	return sess.Clone(), nil
}

// Delete removes the session and reports whether it existed.
func (s *InMemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)

	return ok
}

// Sweep deletes every expired session and returns how many were removed.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}

	return removed
}

// Len returns the number of stored entries, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ListSanitized returns clones of all unexpired sessions ordered by creation
// time with sensitive state values redacted. Intended for diagnostics only.
func (s *InMemoryStore) ListSanitized() []*core.Session {
	s.mu.RLock()
	now := s.now()
	out := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Expired(now) {
			continue
		}
		clone := sess.Clone()
		clone.State = util.RedactMap(clone.State, util.SessionSensitiveKeys)
		out = append(out, clone)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Close stops the sweeper and waits for it to exit. It is safe to call more
// than once.
func (s *InMemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *InMemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("session.sweep", "removed", n)
			}
		}
	}
}
