// Package provider defines the completion provider boundary used by the relay and
// ships the OpenAI-compatible, Ollama and echo implementations.
package provider

import (
	"context"
	"net/http"
)

// Message is one role/content pair sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model    string
	Messages []Message
}

// Result is the tagged outcome of a provider call or of one streamed chunk.
//
// A result is successful when StatusCode is 2xx and at least one choice is present.
// Anything else is a provider-reported failure whose text is in Message.
type Result struct {
	StatusCode int
	Choices    []string
	Message    string
}

func (r Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && len(r.Choices) > 0
}

// Content returns the first choice, or "" when there is none.
func (r Result) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0]
}

// Success builds a successful single-choice result.
func Success(content string) Result {
	return Result{StatusCode: http.StatusOK, Choices: []string{content}}
}

// Failure builds a provider-reported failure.
func Failure(statusCode int, message string) Result {
	return Result{StatusCode: statusCode, Message: message}
}

// Stream is a lazy, finite, non-restartable sequence of chunk results.
// Recv returns io.EOF once the sequence is exhausted.
type Stream interface {
	Recv() (Result, error)
	Close() error
}

// Provider is the completion service. Structured failures come back as a Result;
// returned errors are transport or decoding faults.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (Result, error)
}
