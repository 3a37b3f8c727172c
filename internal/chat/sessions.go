// Package chat implements the retrieval-augmented conversation engine
// and its in-process session store.
package chat

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Role of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation's history. Sessions live in process only
// and disappear on restart.
type Session struct {
	ID       string
	mu       sync.Mutex
	messages []Message
}

// Append adds a turn to the history.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

// History returns a copy of at most the last n turns. n <= 0 returns
// everything.
func (s *Session) History(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// SessionStore holds sessions with an idle TTL and an LRU cap.
type SessionStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *Session]
}

// NewSessionStore creates a store evicting sessions idle longer than
// ttl, capped at maxSessions (LRU beyond that).
func NewSessionStore(ttl time.Duration, maxSessions int) *SessionStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSessions <= 0 {
		maxSessions = 500
	}
	return &SessionStore{
		cache: expirable.NewLRU[string, *Session](maxSessions, nil, ttl),
	}
}

// Get returns the session for id, creating it when absent or expired.
// Each access re-inserts the entry, turning the cache's absolute TTL
// into an idle TTL.
func (ss *SessionStore) Get(id string) *Session {
	if id == "" {
		id = "default"
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	s, ok := ss.cache.Get(id)
	if !ok {
		s = &Session{ID: id}
	}
	ss.cache.Add(id, s)
	return s
}

// Delete forgets a session.
func (ss *SessionStore) Delete(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.cache.Remove(id)
}

// Len returns the live session count.
func (ss *SessionStore) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.cache.Len()
}
