package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"portbridge/internal/core/forwarder"
	"portbridge/internal/shared/logger"
)

// HealthTransition is pushed to dashboard clients when a backend
// changes status.
type HealthTransition struct {
	Timestamp       time.Time `json:"timestamp"`
	Backend         string    `json:"backend"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	ConsecutivePass int       `json:"consecutive_pass"`
	ConsecutiveFail int       `json:"consecutive_fail"`
}

// Message is the generic websocket envelope.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// writeWait bounds a single broadcast write so one stalled client
// cannot wedge the hub loop.
const writeWait = 10 * time.Second

// Hub maintains the set of active clients and broadcasts messages to
// the clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msgf("WebSocket client registered")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msgf("WebSocket client unregistered")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.TextMessage, message)
				if err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msgf("Dropping websocket client on write error")
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends the Run loop and closes all connected clients. Safe to
// call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// clientCount reports the number of registered clients.
func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastHealthTransition pushes a backend status change. Never
// blocks the health checker: the message is dropped when the channel
// is full.
func (h *Hub) BroadcastHealthTransition(tr HealthTransition) {
	h.push(Message{Type: "health_transition", Data: tr})
}

// BroadcastSessionSummary pushes one finished session's summary.
func (h *Hub) BroadcastSessionSummary(sum forwarder.Summary) {
	h.push(Message{Type: "session_summary", Data: sum})
}

func (h *Hub) push(msg Message) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Msgf("Hub: failed to marshal %s message", msg.Type)
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		// Do not log for a full channel to avoid log spam
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msgf("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Close()
		return
	}

	// Read pump, needed to detect when a client closes the connection.
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.done:
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msgf("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
