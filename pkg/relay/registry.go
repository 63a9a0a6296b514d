package relay

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/session"
)

// HistoryRecorder receives every message appended to any session of a client.
type HistoryRecorder func(clientID, sessionID string, m history.Message)

type Config struct {
	BaseCtx      context.Context
	Orchestrator *completion.Orchestrator
	Conn         ConnOptions

	// Publisher, when set, mirrors every outbound event to TopicFor(clientID).
	Publisher message.Publisher
	TopicFor  func(clientID string) string

	// Recorder runs on the client's offloader, never under the emit path.
	Recorder          HistoryRecorder
	DisconnectTimeout time.Duration
	// OffloadBuffer bounds the per-client queue of mirror and recorder work.
	OffloadBuffer int
}

// Registry tracks the live client of every client id.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("relay registry base context is nil")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("relay registry orchestrator is nil")
	}
	if cfg.Publisher != nil && cfg.TopicFor == nil {
		return nil, errors.New("relay registry publisher needs a topic function")
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 5 * time.Second
	}
	if cfg.OffloadBuffer <= 0 {
		cfg.OffloadBuffer = DefaultOffloadBuffer
	}
	return &Registry{
		cfg:     cfg,
		log:     log.With().Str("component", "relay").Logger(),
		clients: map[string]*Client{},
	}, nil
}

// Connect builds the client for clientID around conn and makes it the current
// one for that id. A previous client under the same id keeps running until its
// own connection ends.
func (r *Registry) Connect(clientID string, conn *Conn) *Client {
	clog := r.log.With().Str("client_id", clientID).Logger()
	queue := NewOffloader(r.cfg.OffloadBuffer, clog)

	opts := []session.RegistryOption{
		session.WithLogger(log.With().Str("component", "session").Str("client_id", clientID).Logger()),
	}
	if rec := r.cfg.Recorder; rec != nil {
		opts = append(opts, session.WithHistoryObserver(func(sessionID string, m history.Message) {
			queue.Submit("record", func() { rec(clientID, sessionID, m) })
		}))
	}

	var sink completion.Sink = conn
	if r.cfg.Publisher != nil {
		sink = NewMirrorSink(conn, r.cfg.Publisher, r.cfg.TopicFor(clientID), queue)
	}

	ctx, cancel := context.WithCancelCause(r.cfg.BaseCtx)
	c := &Client{
		id:          clientID,
		conn:        conn,
		sink:        sink,
		queue:       queue,
		sessions:    session.NewRegistry(opts...),
		orch:        r.cfg.Orchestrator,
		connectedAt: time.Now(),
		now:         time.Now,
		log:         clog,
		ctx:         ctx,
		cancel:      cancel,
	}

	r.mu.Lock()
	prev := r.clients[clientID]
	r.clients[clientID] = c
	r.mu.Unlock()

	if prev != nil {
		clog.Info().Msg("client reconnected, replacing previous connection")
	} else {
		clog.Info().Msg("client connected")
	}
	return c
}

// Disconnect closes c and forgets it unless a newer client took its id.
func (r *Registry) Disconnect(c *Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if current, ok := r.clients[c.id]; ok && current == c {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()

	if err := c.Close(r.cfg.DisconnectTimeout); err != nil {
		c.log.Warn().Err(err).Msg("disconnect")
	}
	c.log.Info().Int("sessions", c.sessions.Len()).Msg("client disconnected")
}

func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// SessionCount sums the sessions of all live clients.
func (r *Registry) SessionCount() int {
	n := 0
	for _, c := range r.snapshot() {
		n += c.sessions.Len()
	}
	return n
}

// CloseAll disconnects every client, in parallel.
func (r *Registry) CloseAll() {
	clients := r.snapshot()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			r.Disconnect(c)
		}(c)
	}
	wg.Wait()
}

func (r *Registry) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
