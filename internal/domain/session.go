package domain

import (
	"sync"
	"time"
)

// ConnState is the protocol state of one persistent connection.
type ConnState int

const (
	StateConnected ConnState = iota
	StateJoined
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Session tracks the authorization state of one connection. The user and
// room it holds are only ever set together, by a join that passed the
// membership check.
type Session struct {
	ID           string
	BoundUserID  string // identity proven at connect time, if any
	userID       string
	roomID       string
	state        ConnState
	CreatedAt    time.Time
	LastActiveAt time.Time
	mu           sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		state:        StateConnected,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Join records a successful, authorized join. It returns the previous room,
// if any, and false if the session is already disconnected.
func (s *Session) Join(userID, roomID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return "", false
	}
	prev := s.roomID
	s.userID = userID
	s.roomID = roomID
	s.state = StateJoined
	s.LastActiveAt = time.Now()
	return prev, true
}

// LeaveRoom returns the session to Connected and reports the room it left.
func (s *Session) LeaveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.roomID
	if s.state == StateJoined {
		s.state = StateConnected
	}
	s.userID = ""
	s.roomID = ""
	s.LastActiveAt = time.Now()
	return prev
}

// Disconnect discards the session state and reports the room it was in.
func (s *Session) Disconnect() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.roomID
	s.userID = ""
	s.roomID = ""
	s.state = StateDisconnected
	return prev
}

// Authorized returns the user and room of the last successful join.
func (s *Session) Authorized() (userID, roomID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.roomID, s.state == StateJoined
}

func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
