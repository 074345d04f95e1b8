package broker

import "time"

// SessionStore holds active sessions with a participant index.
// It is owned by the broker loop and is not safe for concurrent use.
type SessionStore struct {
	byID          map[string]*Session
	byParticipant map[string]string
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:          make(map[string]*Session),
		byParticipant: make(map[string]string),
	}
}

// Create records a session between a and b. It returns false without changes
// when a == b or either side already participates in a session.
// Callers check that both participants are registered.
func (s *SessionStore) Create(a, b, addrA, addrB, via string, now time.Time) (*Session, bool) {
	if a == "" || b == "" || a == b {
		return nil, false
	}
	if s.InSession(a) || s.InSession(b) {
		return nil, false
	}

	sess := &Session{
		ID:           SessionID(a, b),
		ParticipantA: a,
		ParticipantB: b,
		AddressA:     addrA,
		AddressB:     addrB,
		StartedAt:    now,
		Via:          via,
	}
	s.byID[sess.ID] = sess
	s.byParticipant[a] = sess.ID
	s.byParticipant[b] = sess.ID
	return sess, true
}

// FindByParticipant returns the session id participates in, or nil.
func (s *SessionStore) FindByParticipant(id string) *Session {
	sid, ok := s.byParticipant[id]
	if !ok {
		return nil
	}
	return s.byID[sid]
}

// InSession reports whether id participates in any session.
func (s *SessionStore) InSession(id string) bool {
	_, ok := s.byParticipant[id]
	return ok
}

// Get returns the session with sessionID, or nil.
func (s *SessionStore) Get(sessionID string) *Session {
	return s.byID[sessionID]
}

// End removes the session and its participant index entries.
func (s *SessionStore) End(sessionID string) (*Session, bool) {
	sess, ok := s.byID[sessionID]
	if !ok {
		return nil, false
	}
	delete(s.byID, sessionID)
	if s.byParticipant[sess.ParticipantA] == sessionID {
		delete(s.byParticipant, sess.ParticipantA)
	}
	if s.byParticipant[sess.ParticipantB] == sessionID {
		delete(s.byParticipant, sess.ParticipantB)
	}
	return sess, true
}

// Len returns the number of active sessions.
func (s *SessionStore) Len() int { return len(s.byID) }
