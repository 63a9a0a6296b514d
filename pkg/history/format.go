package history

import (
	"github.com/go-go-golems/chatrelay/pkg/provider"
)

// DefaultLimit is the number of trailing messages sent to the provider.
const DefaultLimit = 20

// Format maps the last min(len(msgs), limit) messages to provider role/content
// pairs in chronological order. limit <= 0 keeps every message.
func Format(msgs []Message, limit int) []provider.Message {
	window := tail(msgs, limit)
	out := make([]provider.Message, 0, len(window))
	for _, m := range window {
		out = append(out, provider.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
