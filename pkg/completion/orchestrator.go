package completion

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/provider"
	"github.com/go-go-golems/chatrelay/pkg/session"
)

// Request carries one user message into a run.
type Request struct {
	Message string
	Stream  bool
	Model   string
}

type Option func(*Orchestrator)

func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		if model = strings.TrimSpace(model); model != "" {
			o.defaultModel = model
		}
	}
}

// WithHistoryLimit sets the trailing window size; values <= 0 send the full history.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		o.historyLimit = n
	}
}

func WithTokenBudget(b *TokenBudget) Option {
	return func(o *Orchestrator) {
		o.budget = b
	}
}

func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// Orchestrator runs completions against one provider.
type Orchestrator struct {
	provider     provider.Provider
	defaultModel string
	historyLimit int
	budget       *TokenBudget
	now          func() time.Time
	log          zerolog.Logger
}

func NewOrchestrator(p provider.Provider, opts ...Option) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("completion provider is nil")
	}
	o := &Orchestrator{
		provider:     p,
		defaultModel: provider.DefaultModel,
		historyLimit: history.DefaultLimit,
		now:          time.Now,
		log:          log.With().Str("component", "completion").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Run appends req to the session history, calls the provider and emits events to
// sink while run owns the session. It returns nil when the run completed or the
// session was cancelled, a *ProviderError after a provider-reported failure, the
// context cause when the run was torn down, and the wrapped fault otherwise.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, run *session.Run, sink Sink, req Request) error {
	sess.History().Append(history.NewMessage(history.RoleUser, string(history.RoleUser), req.Message))

	msgs := history.Format(sess.History().Messages(), o.historyLimit)
	if o.budget != nil {
		trimmed, err := o.budget.Trim(msgs)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", sess.ID()).Msg("token budget unavailable, sending full window")
		} else {
			msgs = trimmed
		}
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.defaultModel
	}

	e := &emitter{
		ctx:       ctx,
		sess:      sess,
		run:       run,
		sink:      sink,
		messageID: shortuuid.New(),
		now:       o.now,
	}
	preq := provider.Request{Model: model, Messages: msgs}

	o.log.Debug().
		Str("session_id", sess.ID()).
		Str("run_id", run.ID).
		Str("model", model).
		Bool("stream", req.Stream).
		Int("window", len(msgs)).
		Msg("completion started")

	if req.Stream {
		return o.stream(e, preq)
	}
	return o.complete(e, preq)
}

func (o *Orchestrator) stream(e *emitter, preq provider.Request) error {
	if stop, cause := e.halted(); stop {
		return cause
	}
	st, err := o.provider.Stream(e.ctx, preq)
	if err != nil {
		return o.fault(e, err)
	}
	defer func() {
		_ = st.Close()
	}()

	var full strings.Builder
	var failure *ProviderError
	for {
		if stop, cause := e.halted(); stop {
			return cause
		}
		res, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return o.fault(e, err)
		}
		if !res.OK() {
			failure = &ProviderError{StatusCode: res.StatusCode, Message: res.Message}
			o.log.Warn().Str("session_id", e.sess.ID()).Int("status", res.StatusCode).Str("message", res.Message).Msg("provider reported failure")
			if err := e.emit(StatusError, Text(res.Message)); err != nil {
				return err
			}
			continue
		}
		chunk := res.Content()
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		if err := e.emit(StatusRunning, Text(chunk)); err != nil {
			return err
		}
	}

	if stop, cause := e.halted(); stop {
		return cause
	}
	if failure != nil {
		return failure
	}
	return e.finish(full.String())
}

func (o *Orchestrator) complete(e *emitter, preq provider.Request) error {
	if stop, cause := e.halted(); stop {
		return cause
	}
	res, err := o.provider.Complete(e.ctx, preq)
	if err != nil {
		return o.fault(e, err)
	}
	if stop, cause := e.halted(); stop {
		return cause
	}
	if !res.OK() {
		o.log.Warn().Str("session_id", e.sess.ID()).Int("status", res.StatusCode).Str("message", res.Message).Msg("provider reported failure")
		if err := e.emit(StatusError, Text(res.Message)); err != nil {
			return err
		}
		return &ProviderError{StatusCode: res.StatusCode, Message: res.Message}
	}
	content := res.Content()
	if err := e.emit(StatusRunning, Text(content)); err != nil {
		return err
	}
	return e.finish(content)
}

// fault reports an unexpected provider error, unless the run was torn down and
// the error is just the echo of that.
func (o *Orchestrator) fault(e *emitter, err error) error {
	if stop, cause := e.halted(); stop {
		return cause
	}
	if serr := e.emit(StatusError, Text(FaultText(err))); serr != nil {
		o.log.Warn().Err(serr).Str("session_id", e.sess.ID()).Msg("could not deliver fault event")
	}
	return errors.Wrap(err, "completion provider")
}

type emitter struct {
	ctx       context.Context
	sess      *session.Session
	run       *session.Run
	sink      Sink
	messageID string
	now       func() time.Time
}

// halted reports whether the run must stop. The returned cause is nil for a
// session cancel and the context cause for teardown.
func (e *emitter) halted() (bool, error) {
	if e.ctx.Err() != nil {
		cause := context.Cause(e.ctx)
		if errors.Is(cause, session.ErrSessionCancelled) || e.sess.Signal().IsRaised() {
			return true, nil
		}
		return true, cause
	}
	if e.sess.Signal().IsRaised() {
		return true, nil
	}
	return false, nil
}

func (e *emitter) event(status Status, message *string) Event {
	return NewEvent(e.sess.ID(), e.messageID, status, message, e.now())
}

func (e *emitter) emit(status Status, message *string) error {
	ev := e.event(status, message)
	_, err := e.sess.Emit(e.run, func() error {
		return e.sink.Send(e.ctx, ev)
	})
	return errors.Wrap(err, "send event")
}

// finish appends the assistant reply and emits the terminator as one step, so a
// cancel can not land between them.
func (e *emitter) finish(content string) error {
	called, err := e.sess.Emit(e.run, func() error {
		e.sess.History().Append(history.Message{
			ID:        e.messageID,
			Role:      history.RoleAssistant,
			Name:      string(history.RoleAssistant),
			Content:   content,
			CreatedAt: e.now(),
		})
		return e.sink.Send(e.ctx, e.event(StatusCompleted, nil))
	})
	if !called {
		_, cause := e.halted()
		return cause
	}
	return errors.Wrap(err, "send event")
}
