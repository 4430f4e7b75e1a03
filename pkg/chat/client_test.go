package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, onConnect func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConnect(conn)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestJoinRoomSendsEventAfterConnect(t *testing.T) {
	joined := make(chan Event, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil {
			joined <- ev
		}
	})
	defer srv.Close()

	c := New(wsURL(srv.URL), func(ctx context.Context) (string, error) { return "tok", nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	require.NoError(t, c.JoinRoom("job-1"))

	select {
	case ev := <-joined:
		require.Equal(t, EventJoinJob, ev.Type)
		require.Equal(t, "job-1", ev.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join event")
	}
}

func TestOnMessageInvokedForMessageEvent(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(Event{Type: EventMessage, JobID: "job-1", SenderVerusID: "buyer@", Content: "hi"})
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	var mu sync.Mutex
	var got Event
	done := make(chan struct{}, 1)

	c := New(wsURL(srv.URL), func(ctx context.Context) (string, error) { return "tok", nil }, func(jobID, sender, content string) {
		mu.Lock()
		got = Event{JobID: jobID, SenderVerusID: sender, Content: content}
		mu.Unlock()
		done <- struct{}{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message callback")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, "hi", got.Content)
}

func TestRoomsRejoinedAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var joinCount int
	joinSeen := make(chan struct{}, 5)

	srv := newTestServer(t, func(conn *websocket.Conn) {
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil && ev.Type == EventJoinJob {
			mu.Lock()
			joinCount++
			mu.Unlock()
			joinSeen <- struct{}{}
		}
		conn.Close() // force immediate disconnect to trigger reconnect
	})
	defer srv.Close()

	c := New(wsURL(srv.URL), func(ctx context.Context) (string, error) { return "tok", nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.JoinRoom("job-1"))
	go c.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-joinSeen:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for rejoin %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, joinCount, 2)
}
