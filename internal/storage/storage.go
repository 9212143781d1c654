package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/vanshpatel03/snapera2.0/internal/session"
)

// SessionStore is the in-memory registry of live sessions.
type SessionStore struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

func New() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session.Session),
	}
}

func (s *SessionStore) Get(sessionID string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, exists := s.sessions[sessionID]
	return sess, exists
}

func (s *SessionStore) Set(sessionID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sess
}

// List returns the live sessions ordered by ID.
func (s *SessionStore) List() []*session.Session {
	s.mu.RLock()
	result := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Delete removes and closes the session. It reports whether it existed.
func (s *SessionStore) Delete(sessionID string) bool {
	s.mu.Lock()
	sess, exists := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	if exists {
		sess.Close()
	}
	return exists
}

// Sweep closes and removes sessions that have not changed state since before
// now-maxIdle and are not running. It returns the number removed.
func (s *SessionStore) Sweep(now time.Time, maxIdle time.Duration) int {
	cutoff := now.Add(-maxIdle)

	s.mu.Lock()
	var stale []*session.Session
	for id, sess := range s.sessions {
		if _, running := sess.State().(session.Running); running {
			continue
		}
		if sess.UpdatedAt().Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.Close()
	}
	return len(stale)
}

// CloseAll closes every session, cancelling in-flight runs.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.Close()
	}
}
