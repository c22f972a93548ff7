package live

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"obddash/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var at = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func serve(t *testing.T, hub *Hub, snapshot []domain.Reading) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r, r.URL.Query().Get("vehicle"), snapshot); err != nil {
			t.Logf("serve: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, vehicleID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?vehicle=" + vehicleID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubSendsSnapshotThenLiveReadings(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()
	snapshot := []domain.Reading{{VehicleID: "v1", Parameter: "rpm", Value: 800, Unit: "rpm", RecordedAt: at}}
	srv := serve(t, hub, snapshot)

	conn := dial(t, srv, "v1")
	defer conn.Close()

	first := readMessage(t, conn)
	if first.Type != MessageSnapshot || first.VehicleID != "v1" || len(first.Readings) != 1 || first.Readings[0].Value != 800 {
		t.Fatalf("unexpected snapshot %+v", first)
	}
	waitFor(t, func() bool { return hub.Subscribers("v1") == 1 })

	hub.PublishReadings(domain.Vehicle{ID: "other"}, []domain.Reading{{Parameter: "rpm", Value: 1}})
	hub.PublishReadings(domain.Vehicle{ID: "v1"}, []domain.Reading{{VehicleID: "v1", Parameter: "speed", Value: 42, Unit: "km/h", RecordedAt: at}})

	next := readMessage(t, conn)
	if next.Type != MessageReadings || len(next.Readings) != 1 || next.Readings[0].Parameter != "speed" {
		t.Fatalf("expected the v1 speed frame, got %+v", next)
	}
}

func TestHubEmptySnapshotIsAnEmptyList(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := serve(t, hub, nil)
	conn := dial(t, srv, "v2")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"readings":[]`) {
		t.Fatalf("expected empty readings array, got %s", data)
	}
}

func TestHubUnregistersDisconnectedClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()
	srv := serve(t, hub, nil)

	conn := dial(t, srv, "v1")
	readMessage(t, conn)
	waitFor(t, func() bool { return hub.Subscribers("v1") == 1 })
	_ = conn.Close()
	waitFor(t, func() bool { return hub.Subscribers("v1") == 0 })
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop(), WithBufferSize(1))
	sub := &subscriber{vehicleID: "v1", send: make(chan []byte, 1), done: make(chan struct{})}
	if !hub.register(sub) {
		t.Fatalf("register failed")
	}
	batch := []domain.Reading{{Parameter: "rpm", Value: 900}}

	hub.PublishReadings(domain.Vehicle{ID: "v1"}, batch)
	if hub.Subscribers("v1") != 1 {
		t.Fatalf("first frame fits the buffer")
	}
	hub.PublishReadings(domain.Vehicle{ID: "v1"}, batch)
	if hub.Subscribers("v1") != 0 {
		t.Fatalf("expected slow subscriber to be dropped")
	}
	select {
	case <-sub.done:
	default:
		t.Fatalf("dropped subscriber should be stopped")
	}
	hub.Close()
}

func TestHubCloseDisconnectsAndRejects(t *testing.T) {
	hub := NewHub(zap.NewNop(), WithPingInterval(20*time.Millisecond))
	srv := serve(t, hub, nil)
	conn := dial(t, srv, "v1")
	defer conn.Close()
	readMessage(t, conn)
	waitFor(t, func() bool { return hub.Subscribers("v1") == 1 })

	hub.Close()
	if hub.Subscribers("v1") != 0 {
		t.Fatalf("close should drop every subscriber")
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) && !strings.Contains(err.Error(), "EOF") {
				t.Logf("read after close: %v", err)
			}
			break
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := hub.Serve(rec, req, "v1", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestHubClosedDuringHandshakeSendsCloseFrame(t *testing.T) {
	var hub *Hub
	hub = NewHub(zap.NewNop(), WithCheckOrigin(func(*http.Request) bool {
		hub.Close()
		return true
	}))
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served <- hub.Serve(w, r, "v1", nil)
	}))
	defer srv.Close()

	conn := dial(t, srv, "v1")
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close frame, got %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve after upgrade must not report an error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	if hub.Subscribers("v1") != 0 {
		t.Fatalf("closed hub must not keep the subscriber")
	}
}
