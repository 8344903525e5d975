package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/cardwire/internal/gateway"
	"github.com/ashureev/cardwire/internal/identity"
	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type chanSink chan protocol.ServerMessage

func (s chanSink) Send(_ context.Context, msg protocol.ServerMessage) error {
	s <- msg
	return nil
}

func recv(t *testing.T, ch <-chan protocol.ServerMessage, pred func(protocol.ServerMessage) bool) protocol.ServerMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if pred(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
			return protocol.ServerMessage{}
		}
	}
}

func TestHubBroadcastReachesSessionOnly(t *testing.T) {
	gw := gateway.New(gateway.Config{Logger: discard()})
	hub := NewHub(discard())

	a, b, other := make(chanSink, 16), make(chanSink, 16), make(chanSink, 16)
	conns := []*gateway.Conn{
		gw.NewConn("s1", "u", a),
		gw.NewConn("s1", "u", b),
		gw.NewConn("s2", "u", other),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, len(conns))
	for _, c := range conns {
		hub.Register(c)
		go func() {
			_ = c.Run(ctx)
			done <- struct{}{}
		}()
	}
	t.Cleanup(func() {
		cancel()
		for range conns {
			<-done
		}
	})

	assert.Equal(t, 2, hub.Count("s1"))
	assert.Equal(t, 2, hub.Sessions())

	n := 3
	hub.Broadcast("s1", nil, protocol.ServerMessage{AppsDeleted: &n})
	isDeleted := func(m protocol.ServerMessage) bool { return m.AppsDeleted != nil }
	for _, ch := range []chanSink{a, b} {
		msg := recv(t, ch, isDeleted)
		assert.Equal(t, 3, *msg.AppsDeleted)
		assert.Equal(t, int64(2), msg.Seq)
		assert.Equal(t, "s1", msg.SessionKey)
	}

	// s2 sees only its initial settings.
	recv(t, other, func(m protocol.ServerMessage) bool { return m.Settings != nil })
	select {
	case msg := <-other:
		t.Fatalf("unexpected message for other session: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	hub.Unregister(conns[0])
	hub.Unregister(conns[0])
	assert.Equal(t, 1, hub.Count("s1"))
	hub.Unregister(conns[1])
	assert.Equal(t, 0, hub.Count("s1"))
	assert.Equal(t, 1, hub.Sessions())
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	gw := gateway.New(gateway.Config{Logger: discard()})
	hub := NewHub(discard())

	sender, peer := make(chanSink, 16), make(chanSink, 16)
	from := gw.NewConn("s1", "u", sender)
	to := gw.NewConn("s1", "u", peer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	for _, c := range []*gateway.Conn{from, to} {
		hub.Register(c)
		go func() {
			_ = c.Run(ctx)
			done <- struct{}{}
		}()
	}
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	n := 1
	hub.Broadcast("s1", from, protocol.ServerMessage{AppsDeleted: &n})
	msg := recv(t, peer, func(m protocol.ServerMessage) bool { return m.AppsDeleted != nil })
	assert.Equal(t, 1, *msg.AppsDeleted)

	recv(t, sender, func(m protocol.ServerMessage) bool { return m.Settings != nil })
	select {
	case msg := <-sender:
		t.Fatalf("sender received its own broadcast: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func newServer(t *testing.T, opts Options) (*httptest.Server, *Hub) {
	t.Helper()
	gw := gateway.New(gateway.Config{Logger: discard()})
	hub := NewHub(discard())
	ws := NewWebSocketHandler(gw, hub, opts, discard())
	srv := httptest.NewServer(identity.Middleware(true)(ws))
	t.Cleanup(srv.Close)
	return srv, hub
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=tab-1"
}

func readMessage(t *testing.T, ctx context.Context, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMessage(data)
	require.NoError(t, err)
	return msg
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, hub := newServer(t, Options{IsDev: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)

	first := readMessage(t, ctx, c)
	require.NotNil(t, first.Settings)
	assert.Equal(t, int64(1), first.Seq)
	assert.True(t, strings.HasSuffix(first.SessionKey, ":tab-1"), first.SessionKey)
	assert.Equal(t, 1, hub.Count(first.SessionKey))

	raw, err := protocol.EncodeClientMessage(protocol.ChatSend{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, raw))

	var failed protocol.ServerMessage
	for failed.State != protocol.StateError {
		failed = readMessage(t, ctx, c)
	}
	assert.Equal(t, "Agent unavailable", failed.Text)
	assert.NotEmpty(t, failed.RunID)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"nope"}`)))
	bad := readMessage(t, ctx, c)
	assert.Equal(t, protocol.StateError, bad.State)
	assert.Contains(t, bad.Text, "Invalid message")

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Sessions() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newServer(t, Options{AllowedOrigin: "https://app.example"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
