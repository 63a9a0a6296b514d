package session

import (
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// HistoryObserver sees every message appended to any session of a registry.
type HistoryObserver func(sessionID string, m history.Message)

type RegistryOption func(*Registry)

func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

func WithHistoryObserver(obs HistoryObserver) RegistryOption {
	return func(r *Registry) {
		r.observer = obs
	}
}

func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

// Registry owns the sessions of one connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	newID    func() string
	now      func() time.Time
	observer HistoryObserver
	log      zerolog.Logger
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: map[string]*Session{},
		newID:    shortuuid.New,
		now:      time.Now,
		log:      log.With().Str("component", "session").Logger(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// CreateSession returns the session for id, creating it when unknown.
// An empty id always creates a session under a fresh id.
func (r *Registry) CreateSession(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = r.newID()
		for r.sessions[id] != nil {
			id = r.newID()
		}
	} else if s, ok := r.sessions[id]; ok {
		return s
	}

	var hooks []history.AppendHook
	if r.observer != nil {
		obs, sid := r.observer, id
		hooks = append(hooks, func(m history.Message) { obs(sid, m) })
	}
	s := newSession(id, r.now, hooks...)
	r.sessions[id] = s
	r.log.Info().Str("session_id", id).Msg("session created")
	return s
}

func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// CancelSession cancels the named session, or every active session when id is
// empty. Sessions that are not active are skipped. It returns false only when no
// id was given and the registry is empty.
func (r *Registry) CancelSession(id string) (bool, error) {
	if id != "" {
		s, ok := r.GetSession(id)
		if !ok {
			return false, errors.Wrapf(ErrSessionNotFound, "cancel session %q", id)
		}
		if s.Cancel() {
			r.log.Info().Str("session_id", id).Msg("session cancelled")
		}
		return true, nil
	}

	all := r.Sessions()
	if len(all) == 0 {
		return false, nil
	}
	for _, s := range all {
		if s.Cancel() {
			r.log.Info().Str("session_id", s.ID()).Msg("session cancelled")
		}
	}
	return true, nil
}

// Sessions returns a snapshot ordered by creation time.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Runs returns the in-flight runs of all sessions.
func (r *Registry) Runs() []*Run {
	var out []*Run
	for _, s := range r.Sessions() {
		if run := s.CurrentRun(); run != nil {
			out = append(out, run)
		}
	}
	return out
}
