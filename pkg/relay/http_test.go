package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/completion"
	"github.com/go-go-golems/chatrelay/pkg/provider"
	"github.com/go-go-golems/chatrelay/pkg/session"
)

func newTestServer(t *testing.T, reg *Registry) *httptest.Server {
	t.Helper()
	ui := fstest.MapFS{"index.html": {Data: []byte("<html>chat</html>")}}
	srv := httptest.NewServer(NewMux(reg, websocket.Upgrader{}, DefaultReadOptions(), ui))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/" + clientID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, status completion.Status) []completion.Event {
	t.Helper()
	var events []completion.Event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev completion.Event
		require.NoError(t, ws.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Status == status {
			return events
		}
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	srv := newTestServer(t, reg)
	ws := dial(t, srv, "alice")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message":"Hi there","stream":true}`)))
	events := readUntil(t, ws, completion.StatusCompleted)

	sid := events[0].SessionID
	require.NotEmpty(t, sid)
	var text strings.Builder
	for _, ev := range events {
		require.Equal(t, sid, ev.SessionID)
		if ev.Status == completion.StatusRunning {
			text.WriteString(*ev.Message)
		}
	}
	require.Equal(t, "Hi there", text.String())
	require.Nil(t, events[len(events)-1].Message)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`nonsense`)))
	events = readUntil(t, ws, completion.StatusError)
	require.Equal(t, completion.InvalidFormatText, *events[len(events)-1].Message)

	require.Equal(t, 1, reg.Len())
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_CancelThroughSocket(t *testing.T) {
	p := newGateProvider()
	reg := newTestRegistry(t, p)
	srv := newTestServer(t, reg)
	ws := dial(t, srv, "bob")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message":"Hi","session_id":"S"}`)))
	<-p.opened
	p.chunks <- "x"
	readUntil(t, ws, completion.StatusRunning)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message":"cancel","session_id":"S"}`)))
	events := readUntil(t, ws, completion.StatusCancelled)
	last := events[len(events)-1]
	require.Equal(t, "S", last.SessionID)
	require.Equal(t, completion.CancelledText, *last.Message)
}

func TestHTTP_HealthAndUI(t *testing.T) {
	reg := newTestRegistry(t, provider.NewEcho(0))
	srv := newTestServer(t, reg)
	_ = dial(t, srv, "carol")
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, healthResponse{Status: "ok", Connections: 1, Sessions: 0}, health)

	ui, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer func() { _ = ui.Body.Close() }()
	require.Equal(t, http.StatusOK, ui.StatusCode)
}

func TestMirrorSink_PublishesEvents(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()

	msgs, err := pubsub.Subscribe(context.Background(), "chat:alice")
	require.NoError(t, err)

	ws := newStubConn(false)
	conn := NewConn("alice", ws, DefaultConnOptions())
	defer func() { _ = conn.Close() }()
	queue := NewOffloader(16, zerolog.Nop())
	defer queue.Close(time.Second)
	sink := NewMirrorSink(conn, pubsub, "chat:alice", queue)

	ev := completion.NewEvent("S", "M", completion.StatusRunning, completion.Text("hello"), time.Unix(10, 0))
	require.NoError(t, sink.Send(context.Background(), ev))

	select {
	case msg := <-msgs:
		msg.Ack()
		require.Equal(t, "S", msg.Metadata.Get("session_id"))
		require.Equal(t, "running", msg.Metadata.Get("status"))
		var got completion.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		require.Equal(t, ev, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no mirrored message")
	}
	require.Eventually(t, func() bool { return len(ws.events(t)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMirrorSink_DeliveryFailureSkipsPublish(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()
	msgs, err := pubsub.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	conn := NewConn("alice", newStubConn(false), DefaultConnOptions())
	require.NoError(t, conn.Close())
	queue := NewOffloader(16, zerolog.Nop())
	defer queue.Close(time.Second)
	sink := NewMirrorSink(conn, pubsub, "t", queue)

	require.ErrorIs(t, sink.Send(context.Background(), completion.Event{Status: completion.StatusRunning}), ErrConnClosed)
	select {
	case <-msgs:
		t.Fatal("published after failed delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_MirrorsThroughConfiguredPublisher(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()
	msgs, err := pubsub.Subscribe(context.Background(), "chat:dave")
	require.NoError(t, err)

	reg := newTestRegistry(t, provider.NewEcho(0), func(cfg *Config) {
		cfg.Publisher = pubsub
		cfg.TopicFor = func(id string) string { return "chat:" + id }
	})
	c, _ := connect(t, reg, "dave")
	c.HandleFrame([]byte(`{"message":"mirror me"}`))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-msgs:
			msg.Ack()
			if msg.Metadata.Get("status") == string(completion.StatusCompleted) {
				return
			}
		case <-deadline:
			t.Fatal("completed event was not mirrored")
		}
	}
}

// stallingPublisher blocks every Publish until released.
type stallingPublisher struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newStallingPublisher() *stallingPublisher {
	return &stallingPublisher{release: make(chan struct{}), entered: make(chan struct{}, 64)}
}

func (p *stallingPublisher) Publish(string, ...*message.Message) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return nil
}

func (p *stallingPublisher) Close() error {
	p.unblock()
	return nil
}

func (p *stallingPublisher) unblock() {
	p.once.Do(func() { close(p.release) })
}

func TestRegistry_StalledPublisherDoesNotBlockCancel(t *testing.T) {
	p := newGateProvider()
	pub := newStallingPublisher()
	reg := newTestRegistry(t, p, func(cfg *Config) {
		cfg.Publisher = pub
		cfg.TopicFor = func(id string) string { return "chat:" + id }
	})
	c, ws := connect(t, reg, "erin")
	t.Cleanup(pub.unblock)

	c.HandleFrame([]byte(`{"message":"Hi","session_id":"S"}`))
	<-p.opened
	p.chunks <- "partial"
	waitForStatus(t, ws, completion.StatusRunning)
	<-pub.entered

	handled := make(chan struct{})
	go func() {
		c.HandleFrame([]byte(`{"message":"cancel","session_id":"S"}`))
		close(handled)
	}()
	select {
	case <-handled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("cancel frame blocked behind the mirror publisher")
	}

	waitForStatus(t, ws, completion.StatusCancelled)
	sess, _ := c.Sessions().GetSession("S")
	require.Equal(t, session.StatusCancelled, sess.Status())
}

func TestRegistry_StalledPublisherDropsOverflow(t *testing.T) {
	pub := newStallingPublisher()
	reg := newTestRegistry(t, provider.NewEcho(0), func(cfg *Config) {
		cfg.Publisher = pub
		cfg.TopicFor = func(id string) string { return "chat:" + id }
		cfg.OffloadBuffer = 1
	})
	c, ws := connect(t, reg, "frank")
	t.Cleanup(pub.unblock)

	c.HandleFrame([]byte(`{"message":"one two three four five","session_id":"S"}`))
	waitForStatus(t, ws, completion.StatusCompleted)
	require.Positive(t, c.queue.Dropped())
}
