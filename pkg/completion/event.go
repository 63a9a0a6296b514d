// Package completion drives one provider call for a session and turns it into
// status-tagged output events.
package completion

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Fixed event texts.
const (
	CancelledText     = "session cancelled"
	InvalidFormatText = "invalid JSON format"
)

// FaultText is the error event text for an unexpected provider fault.
func FaultText(err error) string {
	return fmt.Sprintf("error processing message: %v", err)
}

// Event is one outbound frame. Message is nil on the completed terminator.
type Event struct {
	SessionID string  `json:"session_id"`
	MessageID string  `json:"message_id"`
	Message   *string `json:"message"`
	Timestamp float64 `json:"timestamp"`
	Status    Status  `json:"status"`
}

func NewEvent(sessionID, messageID string, status Status, message *string, at time.Time) Event {
	return Event{
		SessionID: sessionID,
		MessageID: messageID,
		Message:   message,
		Timestamp: UnixSeconds(at),
		Status:    status,
	}
}

// Text returns a pointer to s for use as event content.
func Text(s string) *string {
	return &s
}

// UnixSeconds is t as fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Sink delivers events to one connection.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ProviderError is a structured failure reported by the provider. A run that
// saw one ends without a completed event.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider failure (status %d): %s", e.StatusCode, e.Message)
}
