package chathub

import (
	"context"
	"sync"
)

// userSession is the relay's ephemeral bookkeeping for one user.
// A user is Searching when queueKey is set and Matched when roomID is set.
type userSession struct {
	queueKey string
	// searchGen identifies the running search. Generations are unique per table,
	// so a timer callback can tell whether the search it belongs to is still current.
	searchGen    uint64
	cancelSearch context.CancelFunc

	roomID string
	// names holds the user's own display name per room.
	names map[string]string
}

func (s *userSession) searching() bool { return s.queueKey != "" }

// current reports whether gen is the user's running search.
func (s *userSession) current(gen uint64) bool {
	return gen != 0 && s.searchGen == gen && s.searching()
}

// stopSearch clears the search bookkeeping and cancels its timers.
// It returns the queue key the user was waiting in, if any.
func (s *userSession) stopSearch() string {
	key := s.queueKey
	if s.cancelSearch != nil {
		s.cancelSearch()
		s.cancelSearch = nil
	}
	s.queueKey = ""
	s.searchGen = 0
	return key
}

func (s *userSession) enterRoom(roomID, name string) {
	s.roomID = roomID
	if name != "" {
		s.names[roomID] = name
	}
}

func (s *userSession) leaveRoom(roomID string) {
	if s.roomID == roomID {
		s.roomID = ""
	}
	delete(s.names, roomID)
}

func (s *userSession) idle() bool {
	return !s.searching() && s.roomID == "" && len(s.names) == 0
}

// sessionTable is the concurrent map of userSession, keyed by user id.
// Holders of mu must not do I/O.
type sessionTable struct {
	mu      sync.Mutex
	users   map[string]*userSession
	lastGen uint64
}

func newSessionTable() *sessionTable {
	return &sessionTable{users: make(map[string]*userSession)}
}

// with runs fn on the user's session under the lock, creating it on demand.
// Sessions left idle by fn are dropped.
func (t *sessionTable) with(userID string, fn func(s *userSession)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userID]
	if !ok {
		s = &userSession{names: make(map[string]string)}
		t.users[userID] = s
	}
	fn(s)
	if s.idle() {
		delete(t.users, userID)
	}
}

// beginSearch records a new search for the user and returns its generation.
// The caller must have stopped any previous search.
func (t *sessionTable) beginSearch(userID, queueKey string, cancel context.CancelFunc) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userID]
	if !ok {
		s = &userSession{names: make(map[string]string)}
		t.users[userID] = s
	}
	if s.cancelSearch != nil {
		s.cancelSearch()
	}
	t.lastGen++
	s.queueKey = queueKey
	s.searchGen = t.lastGen
	s.cancelSearch = cancel
	return s.searchGen
}

// peek runs fn only if the user has a session.
func (t *sessionTable) peek(userID string, fn func(s *userSession)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userID]
	if !ok {
		return false
	}
	fn(s)
	if s.idle() {
		delete(t.users, userID)
	}
	return true
}

// remove drops the user's session, stopping any search, and returns what it held.
func (t *sessionTable) remove(userID string) (queueKey, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[userID]
	if !ok {
		return "", ""
	}
	queueKey = s.stopSearch()
	roomID = s.roomID
	delete(t.users, userID)
	return queueKey, roomID
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// cancelAll stops every running search. Used on shutdown.
func (t *sessionTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.users {
		if s.cancelSearch != nil {
			s.cancelSearch()
			s.cancelSearch = nil
		}
	}
}
