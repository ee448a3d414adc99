package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livetutor/arbiter/internal/broker"
	"livetutor/arbiter/internal/tutor"
)

type handlerFunc func(ctx context.Context, in tutor.Inbound) tutor.Outbound

func (f handlerFunc) Handle(ctx context.Context, in tutor.Inbound) tutor.Outbound { return f(ctx, in) }

func echo(ctx context.Context, in tutor.Inbound) tutor.Outbound {
	user, ok := tutor.UserIDFrom(ctx)
	if !ok {
		user = string(in.UserID)
	}
	return tutor.NewRequest(in, user).Reply(tutor.TypeHint, "echo: "+in.Message)
}

type recorder struct {
	broker.Publisher
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(ctx context.Context, topic string, msg tutor.Outbound) error {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
	return r.Publisher.Publish(ctx, topic, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

type env struct {
	hub *broker.Hub
	pub *recorder
	srv *Server
	ts  *httptest.Server
}

func newEnv(t *testing.T, h tutor.Handler) *env {
	t.Helper()
	hub := broker.NewHub()
	pub := &recorder{Publisher: hub}
	srv := New(h, hub, pub, Config{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.URL.Query().Get("as"); u != "" {
			r = r.WithContext(tutor.WithUserID(r.Context(), u))
		}
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return &env{hub: hub, pub: pub, srv: srv, ts: ts}
}

func (e *env) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, c *websocket.Conn) tutor.Outbound {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out tutor.Outbound
	require.NoError(t, c.ReadJSON(&out))
	return out
}

func TestSubmit_ReplyOnProblemTopic(t *testing.T) {
	e := newEnv(t, handlerFunc(echo))
	c := e.dial(t, "?as=u1")

	require.NoError(t, c.WriteMessage(websocket.TextMessage,
		[]byte(`{"problemId":12,"userId":"ignored","triggerType":"USER","code":"x","message":"why?"}`)))

	out := read(t, c)
	assert.Equal(t, tutor.TypeHint, out.Type)
	assert.Equal(t, "echo: why?", out.Content)
	assert.Equal(t, "u1", out.UserID)
	require.NotNil(t, out.ProblemID)
	assert.EqualValues(t, 12, *out.ProblemID)

	e.pub.mu.Lock()
	assert.Equal(t, []string{"problem.12"}, e.pub.topics)
	e.pub.mu.Unlock()
}

func TestSubmit_WithoutProblemUsesDefaultTopic(t *testing.T) {
	e := newEnv(t, handlerFunc(echo))
	c := e.dial(t, "")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"userId":7,"code":"x","message":"hi"}`)))
	out := read(t, c)
	assert.Nil(t, out.ProblemID)
	assert.Equal(t, "7", out.UserID)
	assert.Equal(t, 1, e.hub.Subscribers(tutor.DefaultTopic))
}

func TestSubscribe_ReceivesOtherSessionsReplies(t *testing.T) {
	e := newEnv(t, handlerFunc(echo))
	watcher := e.dial(t, "?as=mentor")
	student := e.dial(t, "?as=u1")

	require.NoError(t, watcher.WriteJSON(map[string]string{"action": "subscribe", "topic": "problem.5"}))
	require.Eventually(t, func() bool { return e.hub.Subscribers("problem.5") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, student.WriteMessage(websocket.TextMessage, []byte(`{"problemId":5,"code":"x","message":"stuck"}`)))

	assert.Equal(t, "echo: stuck", read(t, student).Content)
	got := read(t, watcher)
	assert.Equal(t, "echo: stuck", got.Content)
	assert.Equal(t, "u1", got.UserID)
}

func TestBadFrames(t *testing.T) {
	e := newEnv(t, handlerFunc(echo))
	c := e.dial(t, "")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	out := read(t, c)
	assert.Equal(t, tutor.TypeError, out.Type)
	assert.Equal(t, "malformed message", out.Content)

	require.NoError(t, c.WriteJSON(map[string]string{"action": "subscribe", "topic": "admin.secrets"}))
	assert.Equal(t, "unknown topic admin.secrets", read(t, c).Content)

	require.NoError(t, c.WriteJSON(map[string]string{"action": "dance"}))
	assert.Equal(t, "unknown action dance", read(t, c).Content)
	assert.Equal(t, 0, e.pub.count())
}

func TestClosedSession_ReplyDropped(t *testing.T) {
	started := make(chan struct{})
	e := newEnv(t, handlerFunc(func(ctx context.Context, in tutor.Inbound) tutor.Outbound {
		close(started)
		<-ctx.Done()
		return in.Reply(tutor.TypeHint, "too late")
	}))
	c := e.dial(t, "?as=u1")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"problemId":1,"code":"x","message":"q"}`)))
	<-started
	require.NoError(t, c.Close())

	done := make(chan struct{})
	go func() {
		e.srv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still running after the session closed")
	}
	assert.Equal(t, 0, e.pub.count())
	assert.Eventually(t, func() bool { return e.hub.Stats().Topics == 0 }, time.Second, 5*time.Millisecond)
}
