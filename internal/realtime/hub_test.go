package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
)

func newTestClient(hub *Hub, userID uuid.UUID, buffer int) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		send:   make(chan Message, buffer),
		logger: zap.NewNop(),
	}
}

func TestPublishReachesAllUserConnections(t *testing.T) {
	hub := NewHub(zap.NewNop())
	userID := uuid.New()
	otherID := uuid.New()

	a := newTestClient(hub, userID, 4)
	b := newTestClient(hub, userID, 4)
	other := newTestClient(hub, otherID, 4)
	hub.register(a)
	hub.register(b)
	hub.register(other)

	notif := &db.Notification{ID: uuid.New(), UserID: userID, Type: db.TypeNewMatch}
	hub.Publish(userID, notif)

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.send:
			if msg.Type != MessageTypeNotification {
				t.Errorf("message type = %s, want %s", msg.Type, MessageTypeNotification)
			}
		default:
			t.Fatal("client did not receive the published notification")
		}
	}

	select {
	case <-other.send:
		t.Fatal("notification leaked to another user's connection")
	default:
	}
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	hub := NewHub(zap.NewNop())
	userID := uuid.New()

	c := newTestClient(hub, userID, 1)
	hub.register(c)
	c.send <- Message{Type: MessageTypePong} // fill the buffer

	done := make(chan struct{})
	go func() {
		hub.Publish(userID, &db.Notification{ID: uuid.New(), UserID: userID})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full client buffer")
	}
}

func TestUnregisterRemovesConnection(t *testing.T) {
	hub := NewHub(zap.NewNop())
	userID := uuid.New()

	c := newTestClient(hub, userID, 4)
	hub.register(c)
	if hub.ClientCount(userID) != 1 {
		t.Fatalf("client count = %d, want 1", hub.ClientCount(userID))
	}

	hub.unregister(c)
	if hub.ClientCount(userID) != 0 {
		t.Fatalf("client count = %d, want 0", hub.ClientCount(userID))
	}

	// send channel must be closed so the write pump exits.
	if _, ok := <-c.send; ok {
		t.Error("send channel not closed on unregister")
	}

	// Unregistering twice must not panic.
	hub.unregister(c)
}

func TestWebsocketRoundTrip(t *testing.T) {
	hub := NewHub(zap.NewNop())
	userID := uuid.New()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		NewClient(hub, userID, conn, zap.NewNop()).Start()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for the connection to register with the hub.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount(userID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	notif := &db.Notification{
		ID:     uuid.New(),
		UserID: userID,
		Type:   db.TypeNewMatch,
		Title:  "New match: Volkswagen Golf",
	}
	hub.Publish(userID, notif)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != MessageTypeNotification {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypeNotification)
	}
}

func TestPingPong(t *testing.T) {
	hub := NewHub(zap.NewNop())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewClient(hub, uuid.New(), conn, zap.NewNop()).Start()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypePong)
	}
}
