package session

import "sync"

// Store keeps the active sessions keyed by requester identity.
type Store struct {
	sessions map[string]Session
	mu       sync.RWMutex
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]Session)}
}

// Get returns the session of a requester.
func (s *Store) Get(requesterID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[requesterID]
	return sess, ok
}

// Put stores or replaces a requester's session.
func (s *Store) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.RequesterID] = sess
}

// Delete drops a requester's session and reports whether one existed.
func (s *Store) Delete(requesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[requesterID]
	delete(s.sessions, requesterID)
	return ok
}

// Len returns the number of sessions in progress.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Clear drops every session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]Session)
}
