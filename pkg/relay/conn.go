package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/completion"
)

// wsConn is the write side of a websocket connection.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnOptions tunes the outbound side of a connection.
type ConnOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Conn is the outbound half of one client connection. A single writer goroutine
// drains a bounded queue; a full queue drops the connection.
type Conn struct {
	clientID string
	ws       wsConn
	opts     ConnOptions
	log      zerolog.Logger

	queue  chan []byte
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	wg     sync.WaitGroup
}

var _ completion.Sink = (*Conn)(nil)

// NewConn wraps ws and starts its writer.
func NewConn(clientID string, ws wsConn, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultConnOptions().SendBuffer
	}
	c := &Conn{
		clientID: clientID,
		ws:       ws,
		opts:     opts,
		log:      log.With().Str("component", "relay").Str("client_id", clientID).Logger(),
		queue:    make(chan []byte, opts.SendBuffer),
		closed:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Send encodes ev and queues it for delivery.
func (c *Conn) Send(_ context.Context, ev completion.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return c.Enqueue(data)
}

// Enqueue queues one text frame without blocking.
func (c *Conn) Enqueue(data []byte) error {
	select {
	case <-c.closed:
		return c.Err()
	default:
	}
	select {
	case c.queue <- data:
		return nil
	case <-c.closed:
		return c.Err()
	default:
		c.log.Warn().Int("buffer", c.opts.SendBuffer).Msg("ws send buffer full, dropping connection")
		c.closeWith(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket. Frames still queued are dropped.
func (c *Conn) Close() error {
	c.closeWith(ErrConnClosed)
	c.wg.Wait()
	return nil
}

// Done is closed once the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err is the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) closeWith(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.closed)
		if err := c.ws.Close(); err != nil {
			c.log.Debug().Err(err).Msg("ws close")
		}
	})
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.log.Warn().Err(err).Msg("ws write failed, dropping connection")
				c.closeWith(errors.Wrap(ErrConnClosed, err.Error()))
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				c.log.Debug().Err(err).Msg("ws ping failed, dropping connection")
				c.closeWith(errors.Wrap(ErrConnClosed, err.Error()))
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(c.deadline()); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) deadline() time.Time {
	if c.opts.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.opts.WriteTimeout)
}
