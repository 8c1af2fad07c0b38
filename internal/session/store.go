package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/bus"
)

const (
	// defaultIdleTimeout expires sessions with no activity.
	defaultIdleTimeout = 300 * time.Second

	// sweepInterval is how often the store scans for idle sessions.
	sweepInterval = 30 * time.Second
)

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithIdleTimeout overrides the idle expiry. Zero disables expiry.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.idleTimeout = d }
}

// Store tracks every live session and expires idle ones. Safe for concurrent
// use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
	events      *bus.Bus
	logger      *slog.Logger

	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	closed bool
}

// NewStore creates a Store and starts its idle sweeper.
func NewStore(events *bus.Bus, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: defaultIdleTimeout,
		events:      events,
		logger:      logger.With("component", "session-store"),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.idleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

// Create allocates a session under a fresh id.
func (s *Store) Create(ctx context.Context, appID string) *Session {
	return s.CreateWithID(ctx, uuid.NewString(), appID)
}

// CreateWithID allocates a session under a client-chosen id. An existing
// session with that id is returned unchanged.
func (s *Store) CreateWithID(ctx context.Context, id, appID string) *Session {
	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return existing
	}
	sess := New(id, appID)
	s.sessions[id] = sess
	s.mu.Unlock()

	s.events.Emit(ctx, bus.EventSessionCreated, id, map[string]any{"app_id": appID})
	return sess
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns all sessions, newest first.
func (s *Store) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session, stops any active recognition, and publishes
// session_destroyed.
func (s *Store) Destroy(ctx context.Context, id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if rec := sess.EndAudio(); rec != nil {
		if err := rec.Stop(); err != nil {
			s.logger.Warn("stopping recognition on session destroy", "session_id", id, "error", err)
		}
	}
	s.events.Emit(ctx, bus.EventSessionDestroyed, id, nil)
}

// Close stops the sweeper and destroys every session.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		ids := make([]string, 0, len(s.sessions))
		for id := range s.sessions {
			ids = append(ids, id)
		}
		s.closed = true
		s.mu.Unlock()

		for _, id := range ids {
			s.Destroy(context.Background(), id)
		}
	})
}

// sweepLoop destroys sessions idle longer than the timeout.
func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTimeout)

			s.mu.RLock()
			var expired []string
			for id, sess := range s.sessions {
				if sess.LastActivity().Before(cutoff) {
					expired = append(expired, id)
				}
			}
			s.mu.RUnlock()

			for _, id := range expired {
				s.logger.Info("expiring idle session", "session_id", id)
				s.Destroy(context.Background(), id)
			}
		}
	}
}
