package capture

// SessionStore is the lookup table behind the Registry. Implementations are
// not required to be safe for concurrent use; the Registry serializes access.
type SessionStore interface {
	GetSession(id SessionID) (*Session, bool)
	PutSession(s *Session)
	DeleteSession(id SessionID) bool
	ListSessionIDs() []SessionID
}

// InMemorySessionStore is a map-backed SessionStore.
type InMemorySessionStore struct {
	sessions map[SessionID]*Session
}

// NewInMemorySessionStore returns an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[SessionID]*Session),
	}
}

// GetSession implements SessionStore.GetSession.
func (s *InMemorySessionStore) GetSession(id SessionID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// PutSession implements SessionStore.PutSession.
func (s *InMemorySessionStore) PutSession(sess *Session) {
	s.sessions[sess.ID] = sess
}

// DeleteSession implements SessionStore.DeleteSession. It reports whether
// the session was present.
func (s *InMemorySessionStore) DeleteSession(id SessionID) bool {
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// ListSessionIDs implements SessionStore.ListSessionIDs.
func (s *InMemorySessionStore) ListSessionIDs() []SessionID {
	ids := make([]SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
