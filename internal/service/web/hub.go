package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proxydeck/internal/shared/logger"
)

// CellUpdate tells the table view to repaint a single result cell. Row is
// the profile's position at emission time; ID is authoritative when the two
// disagree.
type CellUpdate struct {
	Row   int    `json:"row"`
	ID    string `json:"id"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// DashboardStats carries the realtime numbers for the dashboard header.
type DashboardStats struct {
	Timestamp    time.Time `json:"timestamp"`
	Connected    bool      `json:"connected"`
	ActivatedID  string    `json:"activated_id,omitempty"`
	UplinkRate   uint64    `json:"uplink_rate"`
	DownlinkRate uint64    `json:"downlink_rate"`
}

// WebSocketMessage is the generic envelope pushed to clients.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
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
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
					// The read pump unregisters the dead client.
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and closes every client connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) send(msg WebSocketMessage) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Str("type", msg.Type).Msg("Hub: failed to marshal message.")
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		// Slow consumers must not stall diagnostics.
	}
}

// BroadcastCellUpdate pushes a single result cell repaint.
func (h *Hub) BroadcastCellUpdate(update *CellUpdate) {
	h.send(WebSocketMessage{Type: "cell_update", Data: update})
}

// BroadcastTableReload tells clients to refetch the whole profile table.
func (h *Hub) BroadcastTableReload() {
	h.send(WebSocketMessage{Type: "table_reload", Data: nil})
}

// BroadcastStatusUpdate signals that connection state changed.
func (h *Hub) BroadcastStatusUpdate() {
	h.send(WebSocketMessage{Type: "status_update", Data: nil})
}

// BroadcastDashboardUpdate pushes realtime traffic numbers.
func (h *Hub) BroadcastDashboardUpdate(stats *DashboardStats) {
	h.send(WebSocketMessage{Type: "dashboard_update", Data: stats})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades a websocket request and hands the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.stop:
		conn.Close()
		return
	}

	// Read pump; detects the client closing the connection.
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.stop:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
