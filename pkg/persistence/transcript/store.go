// Package transcript is a write-only audit log of chat history. Entries are
// never loaded back into live sessions.
package transcript

import (
	"context"
	"time"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// Entry is one message appended to a session history.
type Entry struct {
	ClientID  string    `json:"client_id" yaml:"client_id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	MessageID string    `json:"message_id" yaml:"message_id"`
	Role      string    `json:"role" yaml:"role"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func EntryFromMessage(clientID, sessionID string, m history.Message) Entry {
	return Entry{
		ClientID:  clientID,
		SessionID: sessionID,
		MessageID: m.ID,
		Role:      string(m.Role),
		Name:      m.Name,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// Query filters stored entries. Results are in chronological order.
type Query struct {
	ClientID  string
	SessionID string
	Since     time.Time
	Limit     int
}

type Store interface {
	Save(ctx context.Context, e Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}
