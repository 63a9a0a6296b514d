package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"
)

// Ollama talks to a local or remote Ollama server.
type Ollama struct {
	client *api.Client
}

var _ Provider = (*Ollama)(nil)

// NewOllama builds a client for baseURL, or from OLLAMA_HOST when baseURL is empty.
func NewOllama(baseURL string, httpClient *http.Client) (*Ollama, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, errors.Wrap(err, "ollama client from environment")
		}
		return &Ollama{client: c}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse ollama url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{client: api.NewClient(u, httpClient)}, nil
}

func (p *Ollama) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	items := make(chan streamItem)
	chatReq := p.chatRequest(req, true)

	go func() {
		defer close(items)
		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			select {
			case items <- streamItem{result: Success(resp.Message.Content)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err == nil {
			return
		}
		item := streamItem{err: errors.Wrap(err, "ollama chat stream")}
		if res, ok := failureFromOllamaError(err); ok {
			item = streamItem{result: res}
		}
		select {
		case items <- item:
		case <-ctx.Done():
		}
	}()

	return newChanStream(items, cancel), nil
}

func (p *Ollama) Complete(ctx context.Context, req Request) (Result, error) {
	var content strings.Builder
	err := p.client.Chat(ctx, p.chatRequest(req, false), func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		if res, ok := failureFromOllamaError(err); ok {
			return res, nil
		}
		return Result{}, errors.Wrap(err, "ollama chat")
	}
	return Success(content.String()), nil
}

func (p *Ollama) chatRequest(req Request, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}
	return &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
	}
}

func failureFromOllamaError(err error) (Result, bool) {
	var se api.StatusError
	if errors.As(err, &se) {
		msg := se.ErrorMessage
		if msg == "" {
			msg = se.Status
		}
		return Failure(statusOr(se.StatusCode, http.StatusBadGateway), msg), true
	}
	return Result{}, false
}
