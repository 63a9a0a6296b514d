package provider

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// DashScopeCompatibleURL is the OpenAI-compatible endpoint of Alibaba DashScope.
const DashScopeCompatibleURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// OpenAI talks to any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	client *openai.Client
}

var _ Provider = (*OpenAI)(nil)

func NewOpenAI(baseURL, apiKey string, httpClient *http.Client) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAI) Stream(ctx context.Context, req Request) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(req, true))
	if err != nil {
		if res, ok := failureFromOpenAIError(err); ok {
			return &singleResultStream{result: res}, nil
		}
		return nil, errors.Wrap(err, "open chat completion stream")
	}
	return &openAIStream{stream: stream}, nil
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (Result, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req, false))
	if err != nil {
		if res, ok := failureFromOpenAIError(err); ok {
			return res, nil
		}
		return Result{}, errors.Wrap(err, "create chat completion")
	}
	if len(resp.Choices) == 0 {
		return Failure(http.StatusOK, "provider returned no choices"), nil
	}
	choices := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, c.Message.Content)
	}
	return Result{StatusCode: http.StatusOK, Choices: choices}, nil
}

func (p *OpenAI) chatRequest(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
	}
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
	done   bool
}

func (s *openAIStream) Recv() (Result, error) {
	if s.done {
		return Result{}, io.EOF
	}
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return Result{}, io.EOF
		}
		// an error frame ends the stream; report it once as a structured failure
		if res, ok := failureFromOpenAIError(err); ok {
			s.done = true
			return res, nil
		}
		return Result{}, errors.Wrap(err, "receive chat completion chunk")
	}
	if len(resp.Choices) == 0 {
		return Failure(http.StatusOK, "provider returned no choices"), nil
	}
	choices := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, c.Delta.Content)
	}
	return Result{StatusCode: http.StatusOK, Choices: choices}, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

func failureFromOpenAIError(err error) (Result, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Failure(statusOr(apiErr.HTTPStatusCode, http.StatusBadGateway), apiErr.Message), true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return Failure(reqErr.HTTPStatusCode, msg), true
	}
	return Result{}, false
}

func statusOr(code, fallback int) int {
	if code == 0 {
		return fallback
	}
	return code
}

// singleResultStream yields one result then io.EOF.
type singleResultStream struct {
	result Result
	sent   bool
}

func (s *singleResultStream) Recv() (Result, error) {
	if s.sent {
		return Result{}, io.EOF
	}
	s.sent = true
	return s.result, nil
}

func (s *singleResultStream) Close() error { return nil }
