package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/provider"
	"github.com/go-go-golems/chatrelay/pkg/session"
)

// gateProvider streams chunks pushed by the test and records the last request.
type gateProvider struct {
	chunks chan string
	opened chan struct{}
}

func newGateProvider() *gateProvider {
	return &gateProvider{chunks: make(chan string), opened: make(chan struct{}, 16)}
}

func (p *gateProvider) Stream(ctx context.Context, _ provider.Request) (provider.Stream, error) {
	p.opened <- struct{}{}
	return &gateStream{ctx: ctx, chunks: p.chunks}, nil
}

func (p *gateProvider) Complete(ctx context.Context, _ provider.Request) (provider.Result, error) {
	select {
	case <-ctx.Done():
		return provider.Result{}, ctx.Err()
	case c, ok := <-p.chunks:
		if !ok {
			return provider.Result{}, io.EOF
		}
		return provider.Success(c), nil
	}
}

type gateStream struct {
	ctx    context.Context
	chunks chan string
}

func (s *gateStream) Recv() (provider.Result, error) {
	select {
	case <-s.ctx.Done():
		return provider.Result{}, s.ctx.Err()
	case c, ok := <-s.chunks:
		if !ok {
			return provider.Result{}, io.EOF
		}
		return provider.Success(c), nil
	}
}

func (s *gateStream) Close() error { return nil }

func newTestRegistry(t *testing.T, p provider.Provider, mutate ...func(*Config)) *Registry {
	t.Helper()
	orch, err := completion.NewOrchestrator(p)
	require.NoError(t, err)
	cfg := Config{
		BaseCtx:           context.Background(),
		Orchestrator:      orch,
		Conn:              ConnOptions{SendBuffer: 64},
		DisconnectTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)
	return reg
}

func connect(t *testing.T, reg *Registry, id string) (*Client, *stubConn) {
	t.Helper()
	ws := newStubConn(false)
	c := reg.Connect(id, NewConn(id, ws, reg.cfg.Conn))
	t.Cleanup(func() { reg.Disconnect(c) })
	return c, ws
}

func waitForStatus(t *testing.T, ws *stubConn, status completion.Status) []completion.Event {
	t.Helper()
	var events []completion.Event
	require.Eventually(t, func() bool {
		events = ws.events(t)
		for _, ev := range events {
			if ev.Status == status {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return events
}

func TestDecodeFrame(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"message":"Hi"}`))
	require.NoError(t, err)
	require.Equal(t, Frame{Message: "Hi", Stream: true}, f)

	f, err = DecodeFrame([]byte(`{"message":"Hi","session_id":"S","stream":false,"model":"qwen-plus"}`))
	require.NoError(t, err)
	require.Equal(t, Frame{Message: "Hi", SessionID: "S", Stream: false, Model: "qwen-plus"}, f)

	for _, bad := range []string{
		`not json`,
		`{}`,
		`{"message":42}`,
		`{"message":"   "}`,
		`{"message":"Hi","stream":"yes"}`,
	} {
		_, err := DecodeFrame([]byte(bad))
		require.ErrorIs(t, err, ErrInvalidFormat, bad)
	}

	f, err = DecodeFrame([]byte(`{"session_id":"S"}`))
	require.Error(t, err)
	require.Equal(t, "S", f.SessionID)

	f, _ = DecodeFrame([]byte(`{"message":"  cancel \n","session_id":"S"}`))
	require.True(t, f.IsCancel())
}

func TestClient_InvalidFrameIsAbsorbed(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{broken`))
	events := waitForStatus(t, ws, completion.StatusError)
	require.Len(t, events, 1)
	require.Equal(t, completion.InvalidFormatText, *events[0].Message)
	require.Equal(t, 0, c.Sessions().Len())

	c.HandleFrame([]byte(`{"message":"still here","stream":true}`))
	waitForStatus(t, ws, completion.StatusCompleted)
}

func TestClient_StreamsAndCompletes(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"Hello brave new world","stream":true}`))
	events := waitForStatus(t, ws, completion.StatusCompleted)

	require.Equal(t, 1, c.Sessions().Len())
	sid := c.Sessions().Sessions()[0].ID()
	var text strings.Builder
	for _, ev := range events {
		require.Equal(t, sid, ev.SessionID)
		if ev.Status == completion.StatusRunning {
			text.WriteString(*ev.Message)
		}
	}
	require.Equal(t, "Hello brave new world", text.String())
	last := events[len(events)-1]
	require.Equal(t, completion.StatusCompleted, last.Status)
	require.Nil(t, last.Message)

	require.Eventually(t, func() bool {
		sess, _ := c.Sessions().GetSession(sid)
		return sess.Status() == session.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestClient_ReusesSession(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"one","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCompleted)
	sess, ok := c.Sessions().GetSession("S")
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.Status() == session.StatusCompleted }, time.Second, 5*time.Millisecond)

	c.HandleFrame([]byte(`{"message":"two","session_id":"S","stream":false}`))
	require.Eventually(t, func() bool { return sess.History().Len() == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, c.Sessions().Len())

	msgs := sess.History().Messages()
	require.Equal(t, []string{"one", "one", "two", "two"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content})
}

func TestClient_CancelRunningSession(t *testing.T) {
	p := newGateProvider()
	reg := newTestRegistry(t, p)
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"Hi","session_id":"S"}`))
	<-p.opened
	p.chunks <- "partial"
	waitForStatus(t, ws, completion.StatusRunning)

	c.HandleFrame([]byte(`{"message":" cancel ","session_id":"S"}`))
	events := waitForStatus(t, ws, completion.StatusCancelled)

	sess, _ := c.Sessions().GetSession("S")
	require.Equal(t, session.StatusCancelled, sess.Status())
	require.True(t, sess.Cancelled())

	cancelled := 0
	for _, ev := range events {
		require.NotEqual(t, completion.StatusCompleted, ev.Status)
		if ev.Status == completion.StatusCancelled {
			cancelled++
			require.Equal(t, "S", ev.SessionID)
			require.Equal(t, completion.CancelledText, *ev.Message)
		}
	}
	require.Equal(t, 1, cancelled)

	// the same command on a cancelled session is a no-op
	c.HandleFrame([]byte(`{"message":"cancel","session_id":"S"}`))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, ws.events(t), len(events))

	require.Eventually(t, func() bool { return sess.CurrentRun() == nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sess.History().Len())
}

func TestClient_CancelOnCompletedSessionIsNoOp(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"Hi","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCompleted)
	sess, _ := c.Sessions().GetSession("S")
	require.Eventually(t, func() bool { return sess.Status() == session.StatusCompleted }, time.Second, 5*time.Millisecond)
	before := len(ws.events(t))

	c.HandleFrame([]byte(`{"message":"cancel","session_id":"S"}`))
	time.Sleep(20 * time.Millisecond)
	require.Len(t, ws.events(t), before)
	require.Equal(t, session.StatusCompleted, sess.Status())
}

func TestClient_MessageAfterCancelReactivates(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"cancel","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCancelled)
	sess, _ := c.Sessions().GetSession("S")
	require.Equal(t, session.StatusCancelled, sess.Status())

	c.HandleFrame([]byte(`{"message":"again","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCompleted)
	require.False(t, sess.Cancelled())
	require.Eventually(t, func() bool { return sess.Status() == session.StatusCompleted }, time.Second, 5*time.Millisecond)
}

func TestClient_SecondMessageReplacesRun(t *testing.T) {
	p := newGateProvider()
	reg := newTestRegistry(t, p)
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"first","session_id":"S"}`))
	<-p.opened
	p.chunks <- "a"
	waitForStatus(t, ws, completion.StatusRunning)
	sess, _ := c.Sessions().GetSession("S")
	first := sess.CurrentRun()

	c.HandleFrame([]byte(`{"message":"second","session_id":"S"}`))
	<-p.opened
	<-first.Done()
	require.ErrorIs(t, first.Err(), session.ErrRunReplaced)

	p.chunks <- "b"
	close(p.chunks)
	events := waitForStatus(t, ws, completion.StatusCompleted)

	var running []string
	completed := 0
	for _, ev := range events {
		switch ev.Status {
		case completion.StatusRunning:
			running = append(running, *ev.Message)
		case completion.StatusCompleted:
			completed++
		}
	}
	require.Equal(t, []string{"a", "b"}, running)
	require.Equal(t, 1, completed)

	msgs := sess.History().Messages()
	require.Equal(t, history.RoleAssistant, msgs[len(msgs)-1].Role)
	require.Equal(t, "b", msgs[len(msgs)-1].Content)
}

func TestRegistry_DisconnectCancelsRuns(t *testing.T) {
	p := newGateProvider()
	reg := newTestRegistry(t, p)
	ws := newStubConn(false)
	c := reg.Connect("alice", NewConn("alice", ws, reg.cfg.Conn))

	c.HandleFrame([]byte(`{"message":"Hi","session_id":"S"}`))
	<-p.opened
	sess, _ := c.Sessions().GetSession("S")
	run := sess.CurrentRun()
	require.NotNil(t, run)

	reg.Disconnect(c)

	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run still alive after disconnect")
	}
	require.Equal(t, session.StatusCancelled, sess.Status())
	require.True(t, ws.isClosed())
	require.Equal(t, 0, reg.Len())

	// frames after disconnect are ignored
	c.HandleFrame([]byte(`{"message":"late","session_id":"T"}`))
	_, ok := c.Sessions().GetSession("T")
	require.False(t, ok)
}

func TestRegistry_ReconnectKeepsNewerClient(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	old := reg.Connect("alice", NewConn("alice", newStubConn(false), reg.cfg.Conn))
	current := reg.Connect("alice", NewConn("alice", newStubConn(false), reg.cfg.Conn))
	require.NotSame(t, old, current)

	reg.Disconnect(old)
	got, ok := reg.Get("alice")
	require.True(t, ok)
	require.Same(t, current, got)
	require.Equal(t, 1, reg.Len())

	reg.Disconnect(current)
	_, ok = reg.Get("alice")
	require.False(t, ok)
}

func TestRegistry_RecorderSeesHistory(t *testing.T) {
	type rec struct{ client, session, role, content string }
	seen := make(chan rec, 16)
	reg := newTestRegistry(t, provider.NewEcho(0), func(cfg *Config) {
		cfg.Recorder = func(clientID, sessionID string, m history.Message) {
			seen <- rec{clientID, sessionID, string(m.Role), m.Content}
		}
	})
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"ping","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCompleted)

	require.Equal(t, rec{"alice", "S", "user", "ping"}, <-seen)
	require.Equal(t, rec{"alice", "S", "assistant", "ping"}, <-seen)
}

func TestRegistry_SlowRecorderDoesNotHoldCompletion(t *testing.T) {
	release := make(chan struct{})
	recorded := make(chan string, 16)
	reg := newTestRegistry(t, provider.NewEcho(0), func(cfg *Config) {
		cfg.Recorder = func(_, _ string, m history.Message) {
			<-release
			recorded <- m.Content
		}
	})
	c, ws := connect(t, reg, "alice")
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	c.HandleFrame([]byte(`{"message":"slow disk","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCompleted)
	sess, _ := c.Sessions().GetSession("S")
	require.Eventually(t, func() bool { return sess.Status() == session.StatusCompleted }, time.Second, 5*time.Millisecond)

	c.HandleFrame([]byte(`{"message":"cancel","session_id":"T"}`))
	waitForStatus(t, ws, completion.StatusCancelled)

	close(release)
	require.Equal(t, "slow disk", <-recorded)
	require.Equal(t, "slow disk", <-recorded)
}

func TestRegistry_ShutdownCancelsRunningSessions(t *testing.T) {
	base, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	p := newGateProvider()
	reg := newTestRegistry(t, p, func(cfg *Config) { cfg.BaseCtx = base })
	c, ws := connect(t, reg, "alice")

	c.HandleFrame([]byte(`{"message":"Hi","session_id":"S"}`))
	<-p.opened
	p.chunks <- "partial"
	waitForStatus(t, ws, completion.StatusRunning)
	sess, _ := c.Sessions().GetSession("S")
	run := sess.CurrentRun()
	require.NotNil(t, run)

	shutdown()
	<-run.Done()
	require.ErrorIs(t, run.Err(), context.Canceled)
	require.Equal(t, session.StatusCancelled, sess.Status())
	require.NoError(t, c.tasks.Wait())
	for _, ev := range ws.events(t) {
		require.NotEqual(t, completion.StatusError, ev.Status)
	}
}

func TestOffloader_DropsWhenFullAndDrainsOnClose(t *testing.T) {
	q := NewOffloader(1, zerolog.Nop())
	gate := make(chan struct{})
	var ran []string
	var mu sync.Mutex
	job := func(name string) func() {
		return func() {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
		}
	}

	require.True(t, q.Submit("block", func() { <-gate }))
	require.Eventually(t, func() bool { return len(q.jobs) == 0 }, time.Second, time.Millisecond)
	require.True(t, q.Submit("a", job("a")))
	require.False(t, q.Submit("b", job("b")))
	require.EqualValues(t, 1, q.Dropped())

	require.False(t, q.Close(20*time.Millisecond))
	close(gate)
	require.True(t, q.Close(time.Second))
	require.Equal(t, []string{"a"}, ran)

	require.False(t, q.Submit("late", job("late")))
	require.EqualValues(t, 2, q.Dropped())
}

func TestOffloader_RecoversPanickingJob(t *testing.T) {
	q := NewOffloader(4, zerolog.Nop())
	done := make(chan struct{})
	require.True(t, q.Submit("bad", func() { panic("boom") }))
	require.True(t, q.Submit("good", func() { close(done) }))
	<-done
	require.True(t, q.Close(time.Second))
}

func TestNewRegistry_Validates(t *testing.T) {
	_, err := NewRegistry(Config{})
	require.Error(t, err)
	_, err = NewRegistry(Config{BaseCtx: context.Background()})
	require.Error(t, err)
}
