package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 5 * time.Second

	// Buffered per-subscriber queue; a subscriber that falls this far
	// behind is dropped rather than allowed to block publishers.
	subscriberBuffer = 64
)

// envelope is the wire shape pushed to clients.
type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Hub is a per-user WebSocket fan-out implementing Port.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]bool // key: user ID
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*subscriber]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policing belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish fans an event out to the user's connected clients. Never blocks:
// subscribers with full queues are dropped.
func (h *Hub) Publish(userID, event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn("notify: marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	// Sends stay under the read lock: remove closes the queue only while
	// holding the write lock, so a queued-up close can never race a send.
	var slow []*subscriber
	h.mu.RLock()
	for s := range h.subs[userID] {
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Debug("notify: dropping slow subscriber", zap.String("user_id", userID))
		h.remove(userID, s)
	}
}

// ServeWS upgrades an HTTP request to a WebSocket subscription for the given
// user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("notify: upgrade failed", zap.Error(err))
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]bool)
	}
	h.subs[userID][s] = true
	h.mu.Unlock()

	go h.writeLoop(userID, s)
	go h.readLoop(userID, s)
}

// writeLoop drains the subscriber queue onto the socket.
func (h *Hub) writeLoop(userID string, s *subscriber) {
	for data := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(userID, s)
			return
		}
	}
}

// readLoop discards inbound frames and detects disconnects.
func (h *Hub) readLoop(userID string, s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.remove(userID, s)
			return
		}
	}
}

func (h *Hub) remove(userID string, s *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[userID]; ok && set[s] {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, userID)
		}
		close(s.send)
	}
	h.mu.Unlock()
	_ = s.conn.Close()
}

// SubscriberCount returns the number of connected clients for a user. For
// testing and readiness probes.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
