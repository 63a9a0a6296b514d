package provider

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/go-go-golems/geppetto/pkg/inference/engine"
	"github.com/go-go-golems/geppetto/pkg/turns"
	"github.com/pkg/errors"
)

// Geppetto runs completions through a geppetto inference engine. The engine owns
// its model settings; Request.Model is not forwarded.
type Geppetto struct {
	eng engine.Engine
}

var _ Provider = (*Geppetto)(nil)

func NewGeppetto(eng engine.Engine) (*Geppetto, error) {
	if eng == nil {
		return nil, errors.New("geppetto engine is nil")
	}
	return &Geppetto{eng: eng}, nil
}

func (p *Geppetto) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	items := make(chan streamItem)
	sink := &deltaSink{ctx: ctx, items: items}
	turn := turnFromRequest(req)

	go func() {
		defer close(items)
		_, err := p.eng.RunInference(events.WithEventSinks(ctx, sink), turn)
		if err == nil || sink.failed.Load() {
			return
		}
		select {
		case items <- streamItem{err: errors.Wrap(err, "geppetto inference")}:
		case <-ctx.Done():
		}
	}()

	return newChanStream(items, cancel), nil
}

func (p *Geppetto) Complete(ctx context.Context, req Request) (Result, error) {
	out, err := p.eng.RunInference(ctx, turnFromRequest(req))
	if err != nil {
		return Result{}, errors.Wrap(err, "geppetto inference")
	}
	text, ok := lastAssistantText(out)
	if !ok {
		return Failure(http.StatusBadGateway, "engine returned no assistant text"), nil
	}
	return Success(text), nil
}

// deltaSink turns engine events into stream items.
type deltaSink struct {
	ctx    context.Context
	items  chan<- streamItem
	failed atomic.Bool
}

var _ events.EventSink = (*deltaSink)(nil)

func (s *deltaSink) PublishEvent(ev events.Event) error {
	var item streamItem
	switch e := ev.(type) {
	case *events.EventPartialCompletion:
		if e.Delta == "" {
			return nil
		}
		item = streamItem{result: Success(e.Delta)}
	case *events.EventError:
		s.failed.Store(true)
		item = streamItem{result: Failure(http.StatusBadGateway, e.ErrorString)}
	default:
		return nil
	}
	select {
	case s.items <- item:
	case <-s.ctx.Done():
	}
	return nil
}

func turnFromRequest(req Request) *turns.Turn {
	t := &turns.Turn{}
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system":
			turns.AppendBlock(t, turns.NewSystemTextBlock(m.Content))
		case "assistant":
			turns.AppendBlock(t, turns.NewAssistantTextBlock(m.Content))
		default:
			turns.AppendBlock(t, turns.NewUserTextBlock(m.Content))
		}
	}
	return t
}

func lastAssistantText(t *turns.Turn) (string, bool) {
	if t == nil {
		return "", false
	}
	for i := len(t.Blocks) - 1; i >= 0; i-- {
		b := t.Blocks[i]
		if b.Kind != turns.BlockKindLLMText {
			continue
		}
		if txt, ok := b.Payload[turns.PayloadKeyText].(string); ok {
			return txt, true
		}
	}
	return "", false
}
