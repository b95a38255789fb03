package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/service/task"
	"github.com/splax/localvercel/pkg/jwt"
	"github.com/splax/localvercel/pkg/logger"
)

type recordingSubmitter struct {
	tasks chan task.Task
}

func (r *recordingSubmitter) Submit(t task.Task) { r.tasks <- t }

func newSubmitter() *recordingSubmitter {
	return &recordingSubmitter{tasks: make(chan task.Task, 8)}
}

func (r *recordingSubmitter) next(t *testing.T) task.Task {
	t.Helper()
	select {
	case tk := <-r.tasks:
		return tk
	case <-time.After(5 * time.Second):
		t.Fatal("no task submitted")
		return task.Task{}
	}
}

// controlPlane upgrades every request and hands the connection to serve.
type controlPlane struct {
	*httptest.Server
	mu      sync.Mutex
	headers []http.Header
	conns   atomic.Int32
}

func newControlPlane(t *testing.T, serve func(n int, conn *websocket.Conn)) *controlPlane {
	t.Helper()
	cp := &controlPlane{}
	upgrader := websocket.Upgrader{}
	cp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.mu.Lock()
		cp.headers = append(cp.headers, r.Header.Clone())
		cp.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(int(cp.conns.Add(1)), conn)
	}))
	t.Cleanup(cp.Close)
	return cp
}

func (cp *controlPlane) wsURL() string {
	return "ws" + strings.TrimPrefix(cp.URL, "http")
}

func startChannel(t *testing.T, cp *controlPlane, sub Submitter) context.CancelFunc {
	t.Helper()
	ch, err := New(Config{
		URL:        cp.wsURL(),
		NodeID:     "node-1",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, jwt.NewTokenSource("static-token", "node-1", "", time.Hour), sub, logger.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, ch.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func hold(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestTaskEnvelopeIsSubmitted(t *testing.T) {
	cp := newControlPlane(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task","task":{"id":"t1","kind":"deploy","app_id":"a1","payload":{"repo_url":"https://x/y.git"}}}`))
		hold(conn)
	})
	sub := newSubmitter()
	startChannel(t, cp, sub)

	got := sub.next(t)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, task.KindDeploy, got.Kind)
	assert.Equal(t, "https://x/y.git", got.Payload.RepoURL)

	cp.mu.Lock()
	defer cp.mu.Unlock()
	assert.Equal(t, "Bearer static-token", cp.headers[0].Get("Authorization"))
	assert.Equal(t, "node-1", cp.headers[0].Get("X-Node-ID"))
}

func TestMalformedMessagesAreSkipped(t *testing.T) {
	cp := newControlPlane(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task","task":{"kind":"stop"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task","task":{"id":"t2","kind":"stop","app_id":"a1"}}`))
		hold(conn)
	})
	sub := newSubmitter()
	startChannel(t, cp, sub)

	assert.Equal(t, "t2", sub.next(t).ID)
	assert.Equal(t, int32(1), cp.conns.Load())
}

func TestReconnectsAfterDisconnect(t *testing.T) {
	cp := newControlPlane(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task","task":{"id":"t3","kind":"restart","app_id":"a1"}}`))
		hold(conn)
	})
	sub := newSubmitter()
	startChannel(t, cp, sub)

	assert.Equal(t, "t3", sub.next(t).ID)
	assert.GreaterOrEqual(t, cp.conns.Load(), int32(2))
}

func TestApplicationPingIsAnswered(t *testing.T) {
	pong := make(chan Envelope, 1)
	cp := newControlPlane(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteJSON(Envelope{Type: TypePing})
		var env Envelope
		if err := conn.ReadJSON(&env); err == nil {
			pong <- env
		}
		hold(conn)
	})
	startChannel(t, cp, newSubmitter())

	select {
	case env := <-pong:
		assert.Equal(t, TypePong, env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	ch, err := New(Config{URL: "ws://127.0.0.1:1/nodes/connect", MinBackoff: 10 * time.Millisecond}, nil, newSubmitter(), logger.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, ch.Run(ctx))
}

func TestNewRejectsHTTPURL(t *testing.T) {
	_, err := New(Config{URL: "http://cp"}, nil, newSubmitter(), logger.Discard())
	assert.Error(t, err)
}
