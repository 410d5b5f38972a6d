package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

func newTestHub() (*Hub, *httptest.Server) {
	h := NewHub(
		func() model.DashboardStats { return model.DashboardStats{TotalRequests: 1} },
		func(n int) []model.TrafficEntry { return []model.TrafficEntry{{ID: "seed"}} },
	)
	srv := httptest.NewServer(h)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestInitFrameOnConnect(t *testing.T) {
	h, srv := newTestHub()
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame struct {
		Type    string                `json:"type"`
		Traffic []model.TrafficEntry  `json:"traffic"`
		Stats   *model.DashboardStats `json:"stats"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if frame.Type != "init" || len(frame.Traffic) != 1 || frame.Stats == nil {
		t.Fatalf("unexpected init frame: %+v", frame)
	}
	_ = h
}

func TestPingPong(t *testing.T) {
	_, srv := newTestHub()
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	// Drain the init frame.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage init: %v", err)
	}

	ping, _ := json.Marshal(map[string]string{"type": "ping"})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage pong: %v", err)
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "pong" {
		t.Fatalf("expected pong, got %s (err=%v)", data, err)
	}
}

func TestBroadcastDeliversTrafficFrame(t *testing.T) {
	h, srv := newTestHub()
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage init: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Broadcast(model.TrafficEntry{ID: "req-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage traffic: %v", err)
	}
	var frame struct {
		Type  string              `json:"type"`
		Entry *model.TrafficEntry `json:"entry"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if frame.Type != "traffic" || frame.Entry == nil || frame.Entry.ID != "req-1" {
		t.Fatalf("unexpected traffic frame: %+v", frame)
	}
}
