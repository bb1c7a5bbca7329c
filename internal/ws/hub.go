package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-canvas/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-canvas/internal/room"
)

type Settings struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	SendBuffer        int
	WriteWait         time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	// Empty allows every origin
	AllowedOrigins []string
}

func DefaultSettings() Settings {
	return Settings{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MaxMessageSize:    1024 * 1024,
		SendBuffer:        512,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

func (s Settings) pingPeriod() time.Duration {
	return (s.PongWait * 9) / 10
}

// Hub attaches websocket connections to rooms
type Hub struct {
	registry *room.Registry
	limiters *ratelimit.ClientLimiters
	settings Settings
	upgrader websocket.Upgrader
	log      *zap.Logger

	clients map[*Client]struct{}
	mu      sync.RWMutex
}

func NewHub(registry *room.Registry, settings Settings, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultSettings()
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = defaults.SendBuffer
	}
	if settings.PongWait <= 0 {
		settings.PongWait = defaults.PongWait
	}
	if settings.WriteWait <= 0 {
		settings.WriteWait = defaults.WriteWait
	}
	if settings.MaxMessageSize <= 0 {
		settings.MaxMessageSize = defaults.MaxMessageSize
	}
	if settings.MessagesPerSecond <= 0 {
		settings.MessagesPerSecond = defaults.MessagesPerSecond
		settings.MessageBurst = defaults.MessageBurst
	}

	h := &Hub{
		registry: registry,
		limiters: ratelimit.NewClientLimiters(settings.MessagesPerSecond, settings.MessageBurst),
		settings: settings,
		log:      logger.Named("ws"),
		clients:  make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  settings.ReadBufferSize,
		WriteBufferSize: settings.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.settings.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.settings.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeWs upgrades the request and joins the connection to ?room=
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = "default"
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.settings.SendBuffer),
		done:        make(chan struct{}),
		roomID:      roomID,
		id:          id,
		rateLimiter: hub.limiters.Get(id),
	}

	go client.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), hub.settings.WriteWait)
	coord, _, err := hub.registry.Join(ctx, roomID, client)
	cancel()
	if err != nil {
		hub.log.Error("Failed to join room", zap.String("room", roomID), zap.Error(err))
		hub.limiters.Remove(client.id)
		client.close()
		return
	}
	client.room = coord

	hub.mu.Lock()
	hub.clients[client] = struct{}{}
	hub.mu.Unlock()

	go client.readPump()
}

func (h *Hub) leave(c *Client) {
	h.registry.Leave(c.roomID, c.id)
	h.limiters.Remove(c.id)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client; their rooms see them leave
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	h.limiters.Stop()
}
