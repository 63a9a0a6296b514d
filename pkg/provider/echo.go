package provider

import (
	"context"
	"io"
	"strings"
	"time"
)

// Echo is an offline provider that streams the last user message back word by word.
type Echo struct {
	// Delay is the pause between streamed words.
	Delay time.Duration
}

var _ Provider = (*Echo)(nil)

func NewEcho(delay time.Duration) *Echo {
	return &Echo{Delay: delay}
}

func (e *Echo) Stream(ctx context.Context, req Request) (Stream, error) {
	return &echoStream{ctx: ctx, words: splitKeepSpace(lastUserContent(req)), delay: e.Delay}, nil
}

func (e *Echo) Complete(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Success(lastUserContent(req)), nil
}

func lastUserContent(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// splitKeepSpace splits after each space so that joining the parts restores s.
func splitKeepSpace(s string) []string {
	var out []string
	for len(s) > 0 {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

type echoStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
}

func (s *echoStream) Recv() (Result, error) {
	if len(s.words) == 0 {
		return Result{}, io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return Result{}, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return Result{}, err
	}
	w := s.words[0]
	s.words = s.words[1:]
	return Success(w), nil
}

func (s *echoStream) Close() error {
	s.words = nil
	return nil
}
