package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/session"
)

var (
	ErrClientDisconnected = errors.New("client disconnected")
	ErrConnClosed         = errors.New("connection closed")
	ErrSlowConsumer       = errors.New("slow consumer")
	ErrInvalidFormat      = errors.New("invalid frame format")
)

// CancelCommand is the message text that cancels a session instead of starting a completion.
const CancelCommand = "cancel"

// Frame is one inbound client message.
type Frame struct {
	Message   string
	SessionID string
	Stream    bool
	Model     string
}

type rawFrame struct {
	Message   *string `json:"message"`
	SessionID string  `json:"session_id"`
	Stream    *bool   `json:"stream"`
	Model     string  `json:"model"`
}

// DecodeFrame parses an inbound frame. stream defaults to true. The returned
// session id is filled in whenever it could be read, even on error.
func DecodeFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		var partial struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(data, &partial)
		return Frame{SessionID: partial.SessionID}, errors.Wrap(ErrInvalidFormat, err.Error())
	}
	f := Frame{SessionID: raw.SessionID, Stream: true, Model: raw.Model}
	if raw.Message == nil || strings.TrimSpace(*raw.Message) == "" {
		return f, errors.Wrap(ErrInvalidFormat, "message is required")
	}
	f.Message = *raw.Message
	if raw.Stream != nil {
		f.Stream = *raw.Stream
	}
	return f, nil
}

// IsCancel reports whether f is a cancel command.
func (f Frame) IsCancel() bool {
	return strings.TrimSpace(f.Message) == CancelCommand
}

// Client is one live connection: its outbound sink, its sessions and the
// completions it started.
type Client struct {
	id          string
	conn        *Conn
	sink        completion.Sink
	queue       *Offloader
	sessions    *session.Registry
	orch        *completion.Orchestrator
	connectedAt time.Time
	now         func() time.Time
	log         zerolog.Logger

	// mu orders frame handling against Close so no task starts after the wait.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelCauseFunc
	tasks  errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

func (c *Client) ID() string                  { return c.id }
func (c *Client) Sessions() *session.Registry { return c.sessions }
func (c *Client) ConnectedAt() time.Time      { return c.connectedAt }

// Done is closed once the client has been disconnected.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// HandleFrame processes one inbound frame. Completions run in the background;
// HandleFrame never waits for them.
func (c *Client) HandleFrame(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}

	f, err := DecodeFrame(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("invalid inbound frame")
		c.send(completion.NewEvent(f.SessionID, shortuuid.New(), completion.StatusError, completion.Text(completion.InvalidFormatText), c.now()))
		return
	}

	sess := c.sessions.CreateSession(f.SessionID)
	sessLog := c.log.With().Str("session_id", sess.ID()).Logger()

	if f.IsCancel() {
		if !sess.Cancel() {
			sessLog.Debug().Str("status", string(sess.Status())).Msg("cancel ignored, session not active")
			return
		}
		sessLog.Info().Msg("session cancelled by client")
		c.send(completion.NewEvent(sess.ID(), shortuuid.New(), completion.StatusCancelled, completion.Text(completion.CancelledText), c.now()))
		return
	}

	if sess.Reactivate() {
		sessLog.Info().Msg("session reactivated")
	}
	if prev := sess.CurrentRun(); prev != nil {
		sessLog.Info().Str("run_id", prev.ID).Msg("replacing in-flight completion")
	}
	run, ctx := sess.BeginRun(c.ctx)
	req := completion.Request{Message: f.Message, Stream: f.Stream, Model: f.Model}

	c.tasks.Go(func() error {
		err := c.orch.Run(ctx, sess, run, c.sink, req)
		torn := ctx.Err() != nil && !run.Stopped()
		sess.FinishRun(run, err)

		rlog := sessLog.With().Str("run_id", run.ID).Logger()
		var perr *completion.ProviderError
		switch {
		case err == nil:
			rlog.Debug().Str("status", string(sess.Status())).Msg("completion finished")
			return nil
		case errors.Is(err, session.ErrRunReplaced), errors.Is(err, ErrClientDisconnected):
			rlog.Debug().Err(err).Msg("completion stopped")
			return nil
		case torn:
			rlog.Debug().Err(err).Str("cause", causeOf(ctx)).Msg("completion torn down")
			return nil
		case errors.As(err, &perr):
			rlog.Warn().Err(err).Msg("completion ended with provider failure")
			return nil
		default:
			rlog.Error().Err(err).Msg("completion failed")
			return err
		}
	})
}

func causeOf(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return ""
}

func (c *Client) send(ev completion.Event) {
	if err := c.sink.Send(c.ctx, ev); err != nil {
		c.log.Debug().Err(err).Str("status", string(ev.Status)).Msg("could not deliver event")
	}
}

// Close cancels every session and in-flight completion of the client, waits up
// to timeout for the completions to return, flushes the offloaded side work
// within what is left of timeout and closes the connection.
func (c *Client) Close(timeout time.Duration) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if _, err := c.sessions.CancelSession(""); err != nil {
			c.log.Warn().Err(err).Msg("cancel sessions")
		}
		c.cancel(ErrClientDisconnected)
		c.mu.Unlock()

		start := time.Now()
		done := make(chan error, 1)
		go func() { done <- c.tasks.Wait() }()

		var wait <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			wait = t.C
		}
		select {
		case err := <-done:
			if err != nil {
				c.log.Debug().Err(err).Msg("completion fault before disconnect")
			}
		case <-wait:
			c.closeErr = errors.Errorf("completions of client %s still running after %s", c.id, timeout)
			c.log.Warn().Dur("timeout", timeout).Msg("completions did not stop in time")
		}

		if c.queue != nil {
			var left time.Duration
			if timeout > 0 {
				left = max(timeout-time.Since(start), time.Millisecond)
			}
			if !c.queue.Close(left) {
				c.log.Warn().Int64("dropped", c.queue.Dropped()).Msg("offloaded work still pending at disconnect")
			}
		}

		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close connection")
		}
	})
	return c.closeErr
}
