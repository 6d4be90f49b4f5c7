package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 256
)

// Hub relays frames to renderers connected over websocket. It also serves
// as the processing indicator: status frames reach the same renderers.
type Hub struct {
	upgrader websocket.Upgrader
	clients  map[string]*client
	mu       sync.RWMutex
	logger   zerolog.Logger
	closed   bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub creates a renderer hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		logger:  logger,
	}
}

// ServeHTTP upgrades the request and registers the renderer
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade renderer connection")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientSendSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info().
		Str("renderer_id", c.id).
		Str("remote", r.RemoteAddr).
		Int("renderers", h.Clients()).
		Msg("Renderer connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected renderers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatch broadcasts frame to every connected renderer. Renderers whose
// send queue is full are dropped.
func (h *Hub) Dispatch(ctx context.Context, frame *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("renderer_id", c.id).Msg("Renderer too slow, disconnecting")
		h.remove(c)
	}
	return nil
}

// ShowProcessing tells renderers a reply is being synthesized
func (h *Hub) ShowProcessing() {
	h.status(StatusProcessing, "")
}

// HideProcessing clears the processing indicator
func (h *Hub) HideProcessing() {
	h.status(StatusIdle, "")
}

// ShowError asks renderers to display an error overlay
func (h *Hub) ShowError(message string) {
	h.status(StatusError, message)
}

func (h *Hub) status(status, message string) {
	frame := NewFrame("", KindStatus, time.Now())
	frame.Status = status
	frame.Message = message
	if err := h.Dispatch(context.Background(), frame); err != nil {
		h.logger.Error().Err(err).Str("status", status).Msg("Failed to send status")
	}
}

// Close disconnects every renderer
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	return nil
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()

		close(c.done)
		c.conn.Close()
		h.logger.Info().Str("renderer_id", c.id).Msg("Renderer disconnected")
	})
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Str("renderer_id", c.id).Msg("Renderer write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards renderer input and detects disconnects
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug().Err(err).Str("renderer_id", c.id).Msg("Renderer read failed")
			}
			return
		}
	}
}
