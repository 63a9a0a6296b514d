// Package history holds the per-session message log and the trailing-window
// formatter used to build provider requests.
package history

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Message is immutable once created.
type Message struct {
	ID        string
	Role      Role
	Name      string
	Content   string
	CreatedAt time.Time
}

func NewMessage(role Role, name, content string) Message {
	return Message{
		ID:        shortuuid.New(),
		Role:      role,
		Name:      name,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// AppendHook observes every message appended to a Store.
type AppendHook func(Message)

// Store is an append-only ordered message log, safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	hooks    []AppendHook
}

func NewStore(hooks ...AppendHook) *Store {
	return &Store{hooks: hooks}
}

func (s *Store) Append(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	hooks := s.hooks
	s.mu.Unlock()
	for _, h := range hooks {
		if h != nil {
			h(m)
		}
	}
}

// Messages returns a copy of the full log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// Tail returns a copy of the last n messages; n <= 0 returns everything.
func (s *Store) Tail(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), tail(s.messages, n)...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func tail(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
