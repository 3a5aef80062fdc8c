package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrSessionNotFound is returned when a session does not exist or belongs to
// a different user. The two cases are deliberately indistinguishable so the
// store never leaks whether another user's session id exists.
var ErrSessionNotFound = errors.New("sessions: session not found")

// Option configures a Store.
type Option func(*Store)

// Store is an in-memory registry of chat sessions backed by a mutex-protected
// map, with a per-user index and a background sweep that evicts idle sessions.
// Sessions are deep-copied on the way out so callers cannot mutate store
// state.
//
// A Store is explicitly constructed and passed around; call Start to launch
// the sweeper and Close to stop it.
type Store struct {
	logger        *slog.Logger
	clock         clockwork.Clock
	idleHorizon   time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

var (
	defaultIdleHorizon   = 24 * time.Hour
	defaultSweepInterval = time.Hour
)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the clock driving timestamps and the sweeper.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithIdleHorizon sets how long a non-active session may stay idle before the
// sweep removes it.
func WithIdleHorizon(d time.Duration) Option {
	return func(s *Store) {
		s.idleHorizon = d
	}
}

// WithSweepInterval sets the period between sweep passes.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// NewStore creates an empty session store. The sweeper does not run until
// Start is called.
func NewStore(options ...Option) *Store {
	s := &Store{
		logger:        slog.Default(),
		clock:         clockwork.NewRealClock(),
		idleHorizon:   defaultIdleHorizon,
		sweepInterval: defaultSweepInterval,
		sessions:      make(map[string]*Session),
		byUser:        make(map[string]map[string]struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start launches the background sweeper.
func (s *Store) Start() {
	go s.sweeper()
}

// Close stops the sweeper. Safe to call multiple times.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// Create registers a new session for userID, merging the supplied partial
// configuration over the documented defaults. The userID must be non-empty.
func (s *Store) Create(userID string, patch ConfigPatch, meta Meta) (*Session, error) {
	if userID == "" {
		return nil, errors.New("sessions: user id is required")
	}

	now := s.clock.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       StatusActive,
		Config:       patch.applyTo(DefaultConfig()),
		Meta:         meta,
		CreatedAt:    now,
		LastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]struct{})
	}
	s.byUser[userID][sess.ID] = struct{}{}
	s.mu.Unlock()

	return sess.clone(), nil
}

// Get returns the session if it exists and belongs to userID.
func (s *Store) Get(userID, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := s.lookup(userID, id)
	if err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// ListByUser returns all sessions owned by userID, most recently active first.
func (s *Store) ListByUser(userID string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	result := make([]*Session, 0, len(ids))
	for id := range ids {
		if sess, ok := s.sessions[id]; ok {
			result = append(result, sess.clone())
		}
	}

	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j].LastActivity.After(result[j-1].LastActivity); j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}
	return result
}

// UpdateConfig merges a partial configuration into the session, including a
// field-by-field merge of the safety sub-object, and bumps last activity.
func (s *Store) UpdateConfig(userID, id string, patch ConfigPatch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup(userID, id)
	if err != nil {
		return nil, err
	}

	sess.Config = patch.applyTo(sess.Config)
	sess.LastActivity = s.clock.Now()
	return sess.clone(), nil
}

// RecordUsage adds the delta to the session's usage counters and bumps last
// activity.
func (s *Store) RecordUsage(userID, id string, delta Usage) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup(userID, id)
	if err != nil {
		return nil, err
	}

	sess.Usage = sess.Usage.add(delta)
	sess.LastActivity = s.clock.Now()
	return sess.clone(), nil
}

// Pause marks the session paused and bumps last activity.
func (s *Store) Pause(userID, id string) (*Session, error) {
	return s.setStatus(userID, id, StatusPaused)
}

// Resume marks the session active and bumps last activity.
func (s *Store) Resume(userID, id string) (*Session, error) {
	return s.setStatus(userID, id, StatusActive)
}

// Complete marks the session completed and bumps last activity.
func (s *Store) Complete(userID, id string) (*Session, error) {
	return s.setStatus(userID, id, StatusCompleted)
}

// Delete removes the session from the primary map and the per-user index.
func (s *Store) Delete(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup(userID, id)
	if err != nil {
		return err
	}

	s.remove(sess)
	return nil
}

// Sweep runs one eviction pass, deleting every non-active session whose last
// activity is older than the idle horizon. Normally driven by the background
// sweeper; exposed so callers can force a pass.
func (s *Store) Sweep() int {
	cutoff := s.clock.Now().Add(-s.idleHorizon)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, sess := range s.sessions {
		if sess.Status == StatusActive {
			continue
		}
		if sess.LastActivity.Before(cutoff) {
			s.remove(sess)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("swept idle sessions", "removed", removed)
	}
	return removed
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) setStatus(userID, id string, status Status) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup(userID, id)
	if err != nil {
		return nil, err
	}

	sess.Status = status
	sess.LastActivity = s.clock.Now()
	return sess.clone(), nil
}

// lookup enforces ownership: a session owned by someone else looks exactly
// like a missing one. Callers must hold the lock.
func (s *Store) lookup(userID, id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok || (sess.UserID != "" && sess.UserID != userID) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// remove deletes from both maps. Callers must hold the lock.
func (s *Store) remove(sess *Session) {
	delete(s.sessions, sess.ID)
	if ids, ok := s.byUser[sess.UserID]; ok {
		delete(ids, sess.ID)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}

func (s *Store) sweeper() {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}
