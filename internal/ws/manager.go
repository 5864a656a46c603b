// Package ws pushes turn progress updates to the session owner's open
// websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

// TurnProgressUpdate is one progress event pushed to the client.
type TurnProgressUpdate struct {
	SessionID int64  `json:"session_id"`
	Stage     string `json:"stage"`
}

type targetedMessage struct {
	userID uuid.UUID
	data   []byte
}

// Client is one websocket connection bound to an authenticated user.
type Client struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
}

// Manager routes progress updates to the connections of the target user. All
// map access happens inside Run, so no locking is needed.
type Manager struct {
	clients    map[uuid.UUID]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan targetedMessage
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		clients:    make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan targetedMessage, 64),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("WSManager"),
	}
}

// Run processes registration and delivery until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.register:
			conns := m.clients[client.userID]
			if conns == nil {
				conns = make(map[*Client]bool)
				m.clients[client.userID] = conns
			}
			conns[client] = true
			m.logger.Debug("Websocket client registered",
				zap.String("userID", client.userID.String()),
				zap.Int("connections", len(conns)))

		case client := <-m.unregister:
			if conns, ok := m.clients[client.userID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					close(client.send)
					if len(conns) == 0 {
						delete(m.clients, client.userID)
					}
				}
			}

		case msg := <-m.broadcast:
			for client := range m.clients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer; drop the connection rather than block
					// the hub.
					delete(m.clients[msg.userID], client)
					close(client.send)
				}
			}

		case <-ctx.Done():
			// Closing done first unblocks pumps parked on register or
			// unregister; nothing touches the maps after this point.
			close(m.done)
			for _, conns := range m.clients {
				for client := range conns {
					close(client.send)
				}
			}
			m.logger.Info("Websocket manager stopped")
			return
		}
	}
}

// NotifyTurnProgress sends a progress event to every open connection of the
// user. Delivery is best effort; without open connections this is a no-op.
func (m *Manager) NotifyTurnProgress(userID uuid.UUID, sessionID int64, stage string) {
	data, err := json.Marshal(TurnProgressUpdate{SessionID: sessionID, Stage: stage})
	if err != nil {
		m.logger.Error("Failed to serialize progress update", zap.Error(err))
		return
	}
	select {
	case m.broadcast <- targetedMessage{userID: userID, data: data}:
	default:
		m.logger.Warn("Progress broadcast buffer full, dropping update",
			zap.String("userID", userID.String()),
			zap.Int64("sessionID", sessionID))
	}
}

// HandleConnection upgrades the request and serves it until either side
// closes.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	select {
	case m.register <- client:
	case <-m.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(m)
}

func (c *Client) readPump(m *Manager) {
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// Clients never send payloads; reading only services control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
