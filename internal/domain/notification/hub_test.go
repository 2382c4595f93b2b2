package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swiftline/escrow-api/internal/middleware"
	"github.com/swiftline/escrow-api/internal/pkg/jwt"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversLocallyAndPublishes(t *testing.T) {
	hub := NewHubWithInstanceID(nil, "instance-a")
	var published []string
	hub.publishFn = func(_ context.Context, channel string, payload []byte) error {
		published = append(published, channel+"|"+string(payload))
		return nil
	}
	go hub.Run()
	defer hub.Shutdown()

	user := uuid.New()
	conn := &Connection{UserID: user, Send: make(chan []byte, 1)}
	hub.Register(conn)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	if err := hub.SendToUser(user, map[string]string{"type": "notification:new"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-conn.Send:
		if string(got) != `{"type":"notification:new"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	default:
		t.Fatalf("local connection should receive the push")
	}
	if len(published) != 1 || !strings.HasPrefix(published[0], userEventsChannel+"|") {
		t.Fatalf("expected one publish to %s, got %v", userEventsChannel, published)
	}

	// a full buffer drops instead of blocking
	conn.Send <- []byte("filler")
	if err := hub.SendToUser(user, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conn.Send) != 1 {
		t.Fatalf("buffer should still hold only the filler")
	}

	hub.Unregister(conn)
	waitFor(t, func() bool { return hub.ConnectionCount() == 0 })
}

func TestHubAppliesRemoteEventsOnly(t *testing.T) {
	hub := NewHubWithInstanceID(nil, "instance-b")
	go hub.Run()
	defer hub.Shutdown()

	user := uuid.New()
	conn := &Connection{UserID: user, Send: make(chan []byte, 4)}
	hub.Register(conn)
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	own, _ := json.Marshal(userEventMessage{UserID: user.String(), Payload: json.RawMessage(`"own"`), SenderInstanceID: "instance-b"})
	hub.handleUserEventPayload(string(own))
	remote, _ := json.Marshal(userEventMessage{UserID: user.String(), Payload: json.RawMessage(`"remote"`), SenderInstanceID: "instance-a"})
	hub.handleUserEventPayload(string(remote))
	hub.handleUserEventPayload("not json")

	if len(conn.Send) != 1 {
		t.Fatalf("expected exactly the remote event, got %d", len(conn.Send))
	}
	if got := <-conn.Send; string(got) != `"remote"` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestWebSocketReceivesPush(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Shutdown()

	user := uuid.New()
	ws := NewWSHandler(hub, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeHTTP(w, r.WithContext(middleware.WithActor(r.Context(), user, jwt.RoleUser)))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.ConnectionCount() == 1 })

	if err := hub.SendToUser(user, map[string]string{"type": "notification:new"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "notification:new") {
		t.Fatalf("unexpected message %s", msg)
	}
}

func TestWebSocketRequiresActor(t *testing.T) {
	ws := NewWSHandler(NewHub(nil), nil)
	w := httptest.NewRecorder()
	ws.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
