package completion

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/chatrelay/pkg/provider"
)

// perMessageOverhead approximates the chat framing tokens around each message.
const perMessageOverhead = 4

// TokenBudget caps the size of the history window sent to the provider.
type TokenBudget struct {
	max   int
	codec tokenizer.Codec
}

func NewTokenBudget(maxTokens int) (*TokenBudget, error) {
	if maxTokens <= 0 {
		return nil, errors.Errorf("token budget must be positive, got %d", maxTokens)
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k codec")
	}
	return &TokenBudget{max: maxTokens, codec: codec}, nil
}

func (b *TokenBudget) Max() int {
	return b.max
}

// Count returns the estimated prompt size of msgs.
func (b *TokenBudget) Count(msgs []provider.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		n, err := b.count(m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (b *TokenBudget) count(m provider.Message) (int, error) {
	ids, _, err := b.codec.Encode(m.Content)
	if err != nil {
		return 0, errors.Wrap(err, "encode message")
	}
	return len(ids) + perMessageOverhead, nil
}

// Trim drops the oldest messages until msgs fits. The newest message is always kept.
func (b *TokenBudget) Trim(msgs []provider.Message) ([]provider.Message, error) {
	sizes := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		n, err := b.count(m)
		if err != nil {
			return msgs, err
		}
		sizes[i] = n
		total += n
	}
	start := 0
	for total > b.max && start < len(msgs)-1 {
		total -= sizes[start]
		start++
	}
	return msgs[start:], nil
}
