// Package session models one logical conversation (Session), its cancellation
// signal and current run, and the per-connection Registry that owns sessions.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCancelled = errors.New("session cancelled")
	ErrRunReplaced      = errors.New("run replaced by a newer message")
)

// Active reports whether a session in this status can be cancelled.
func (s Status) Active() bool {
	return s == StatusCreated || s == StatusRunning
}

// Signal is a resettable cancellation flag with a wake channel.
type Signal struct {
	mu     sync.Mutex
	raised bool
	ch     chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.raised {
		s.raised = true
		close(s.ch)
	}
}

func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raised {
		s.raised = false
		s.ch = make(chan struct{})
	}
}

func (s *Signal) IsRaised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// Done is closed when the signal is raised. A later Clear installs a fresh channel.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Run is the handle of one background completion.
type Run struct {
	ID        string
	StartedAt time.Time

	ctx     context.Context
	cancel  context.CancelCauseFunc
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
	err     error
}

// Cancel stops the run; it will not emit again.
func (r *Run) Cancel(cause error) {
	r.stopped.Store(true)
	r.cancel(cause)
}

// Stopped reports whether Cancel was called.
func (r *Run) Stopped() bool {
	return r.stopped.Load()
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err is the run's outcome; valid once Done is closed.
func (r *Run) Err() error {
	<-r.done
	return r.err
}

func (r *Run) finish(err error) {
	r.once.Do(func() {
		r.err = err
		r.cancel(nil)
		close(r.done)
	})
}

type Session struct {
	id        string
	createdAt time.Time
	history   *history.Store
	signal    *Signal
	now       func() time.Time

	// emitMu serializes output emission against Cancel and BeginRun, so that a
	// run that lost the session can never write after the swap.
	emitMu sync.Mutex

	mu        sync.Mutex
	status    Status
	cancelled bool
	endedAt   time.Time
	run       *Run
}

func newSession(id string, now func() time.Time, hooks ...history.AppendHook) *Session {
	return &Session{
		id:        id,
		createdAt: now(),
		history:   history.NewStore(hooks...),
		signal:    NewSignal(),
		now:       now,
		status:    StatusCreated,
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }
func (s *Session) History() *history.Store { return s.history }
func (s *Session) Signal() *Signal         { return s.signal }
func (s *Session) Cancelled() bool         { return s.signal.IsRaised() }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// CurrentRun returns the in-flight run, or nil.
func (s *Session) CurrentRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Cancel moves an active session to cancelled, raises the signal and cancels the
// current run. It returns false, changing nothing, when the session is not active.
func (s *Session) Cancel() bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.Active() {
		return false
	}
	s.signal.Raise()
	s.cancelled = true
	s.status = StatusCancelled
	s.endedAt = s.now()
	if s.run != nil {
		s.run.Cancel(ErrSessionCancelled)
	}
	return true
}

// Reactivate returns a cancelled session to created and clears its signal.
func (s *Session) Reactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusCancelled {
		return false
	}
	s.signal.Clear()
	s.cancelled = false
	s.status = StatusCreated
	s.endedAt = time.Time{}
	return true
}

// BeginRun installs a new current run derived from parent. Any previous run is
// cancelled with ErrRunReplaced and can no longer emit for this session.
func (s *Session) BeginRun(parent context.Context) (*Run, context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: s.now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.emitMu.Lock()
	s.mu.Lock()
	prev := s.run
	s.run = run
	s.status = StatusRunning
	s.endedAt = time.Time{}
	s.mu.Unlock()
	s.emitMu.Unlock()

	if prev != nil {
		prev.Cancel(ErrRunReplaced)
	}
	return run, ctx
}

// FinishRun records the outcome of run. A nil err completes the session, a
// replacement or cancellation cause leaves the status alone, a failure after the
// run's context was torn down from above (process shutdown, disconnect) cancels
// the session, anything else is an error. Outcomes of replaced runs and of
// cancelled sessions are ignored.
func (s *Session) FinishRun(run *Run, err error) {
	torn := run.ctx != nil && run.ctx.Err() != nil
	run.finish(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run {
		return
	}
	s.run = nil
	if s.cancelled {
		return
	}
	switch {
	case err == nil:
		s.status = StatusCompleted
	case errors.Is(err, ErrRunReplaced), errors.Is(err, ErrSessionCancelled):
		return
	case torn:
		s.signal.Raise()
		s.cancelled = true
		s.status = StatusCancelled
	default:
		s.status = StatusError
	}
	s.endedAt = s.now()
}

// Emit calls fn while run still owns the session and the signal is down.
// It reports whether fn was called.
func (s *Session) Emit(run *Run, fn func() error) (bool, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	owned := s.run == run
	s.mu.Unlock()
	if !owned || run.Stopped() || s.signal.IsRaised() {
		return false, nil
	}
	return true, fn()
}
