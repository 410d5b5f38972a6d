// Package broadcast streams traffic events to dashboard WebSocket
// consumers. Adapted from the teacher's internal/dashboard/websocket.go
// wsHub: a single hub goroutine owns the connection set so no lock is
// ever held across a blocking send, generalized here to emit the
// init/traffic/ping-pong message shapes design doc Sec 6 specifies
// instead of the teacher's plain audit-event feed.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/promptfirewall/promptfirewall/internal/model"
)

// StatsFunc returns the current dashboard stats snapshot for the init
// frame sent to newly attached consumers.
type StatsFunc func() model.DashboardStats

// RecentFunc returns the last n traffic entries for the init frame.
type RecentFunc func(n int) []model.TrafficEntry

// frame is the envelope shape for every message sent over the stream,
// matching design doc Sec 6: {type:"init", traffic, stats} on connect
// and {type:"traffic", entry, stats} per event.
type frame struct {
	Type    string                `json:"type"`
	Traffic []model.TrafficEntry  `json:"traffic,omitempty"`
	Entry   *model.TrafficEntry   `json:"entry,omitempty"`
	Stats   *model.DashboardStats `json:"stats,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn wraps a single attached stream consumer.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

// Hub owns the set of attached stream consumers and fans out traffic
// events to them. All mutations to the connection set happen on the
// hub goroutine via channels, so Broadcast never blocks on a slow
// consumer for longer than a single non-blocking send attempt.
type Hub struct {
	conns      map[*conn]bool
	broadcast  chan []byte
	register   chan *conn
	unregister chan *conn

	stats  StatsFunc
	recent RecentFunc

	lenCh chan chan int
}

// NewHub starts a Hub's event loop in a background goroutine. stats
// and recent back the init frame sent to each newly attached consumer.
func NewHub(stats StatsFunc, recent RecentFunc) *Hub {
	h := &Hub{
		conns:      make(map[*conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		stats:      stats,
		recent:     recent,
		lenCh:      make(chan chan int),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.conns[c] = true
			slog.Debug("stream consumer attached", "total", len(h.conns))

		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
				slog.Debug("stream consumer detached", "total", len(h.conns))
			}

		case msg := <-h.broadcast:
			for c := range h.conns {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: evict rather than backpressure the
					// request task that called Broadcast.
					delete(h.conns, c)
					close(c.send)
				}
			}

		case reply := <-h.lenCh:
			reply <- len(h.conns)
		}
	}
}

// Broadcast serializes a traffic entry and the current stats once and
// fans it out to every attached consumer. Never blocks the caller.
func (h *Hub) Broadcast(entry model.TrafficEntry) {
	stats := h.stats()
	msg, err := json.Marshal(frame{Type: "traffic", Entry: &entry, Stats: &stats})
	if err != nil {
		slog.Warn("broadcast frame marshal failed", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		slog.Warn("broadcast channel full, dropping traffic frame")
	}
}

// ServeHTTP upgrades the connection and attaches it to the hub,
// sending an immediate init frame with the last 100 traffic entries
// and current stats.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("stream upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 64)}
	h.register <- c

	init := frame{Type: "init", Traffic: h.recent(100)}
	stats := h.stats()
	init.Stats = &stats
	if msg, err := json.Marshal(init); err == nil {
		c.mu.Lock()
		_ = c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
	}

	go c.writePump()
	go c.readPump(h)
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming messages, answering {"type":"ping"} with
// {"type":"pong"} and detecting disconnection.
func (c *conn) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			c.mu.Lock()
			_ = c.ws.WriteMessage(websocket.TextMessage, pong)
			c.mu.Unlock()
		}
	}
}

// Len reports the current number of attached consumers, via a
// request/response round trip through the hub goroutine so it never
// races with the map it reads.
func (h *Hub) Len() int {
	reply := make(chan int)
	h.lenCh <- reply
	return <-reply
}
