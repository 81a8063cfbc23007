// Package gateway is the realtime edge: it upgrades clients to WebSocket,
// pools connections per game, relays published game events to them, and
// feeds client heartbeats into the presence manager.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Presence is the slice of the presence manager the gateway drives.
type Presence interface {
	Connect(ctx context.Context, playerID uuid.UUID) error
	Disconnect(ctx context.Context, playerID uuid.UUID) error
	Heartbeat(ctx context.Context, playerID uuid.UUID) error
}

// ConnectionConfig holds WebSocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the production defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// ConnectionManager pools WebSocket connections by game and fans published
// events out to them.
type ConnectionManager struct {
	mu              sync.RWMutex
	gameConnections map[uuid.UUID]map[*Connection]bool

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	presence    Presence
	broadcastCh chan broadcast
}

// Connection is one client socket.
type Connection struct {
	ID       string
	PlayerID uuid.UUID
	GameID   uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	manager  *ConnectionManager

	ConnectedAt time.Time
}

type broadcast struct {
	gameID   uuid.UUID
	playerID uuid.UUID // zero value broadcasts to the whole game
	data     []byte
}

// clientMessage is the inbound frame shape. Clients only ever send
// heartbeats; everything else goes over the HTTP API.
type clientMessage struct {
	Type string `json:"type"`
}

// NewConnectionManager creates a manager wired to the presence manager.
func NewConnectionManager(config ConnectionConfig, presence Presence) *ConnectionManager {
	return &ConnectionManager{
		gameConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		presence:    presence,
		broadcastCh: make(chan broadcast, 1024),
	}
}

// Run drains the broadcast channel until ctx is cancelled.
func (cm *ConnectionManager) Run(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager stopped")
			return
		case b := <-cm.broadcastCh:
			cm.deliver(b)
		}
	}
}

// Upgrade promotes an HTTP request to a WebSocket connection and registers
// it in the game's pool.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, gameID, playerID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		GameID:      gameID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
	}
	cm.register(c)

	if err := cm.presence.Connect(r.Context(), playerID); err != nil {
		log.Warn().Err(err).Str("player_id", playerID.String()).Msg("presence connect failed")
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("player_id", playerID.String()).
		Str("game_id", gameID.String()).
		Msg("websocket connected")
	return nil
}

// BroadcastToGame queues raw envelope bytes for every connection in a game.
func (cm *ConnectionManager) BroadcastToGame(gameID uuid.UUID, data []byte) {
	select {
	case cm.broadcastCh <- broadcast{gameID: gameID, data: data}:
	default:
		log.Warn().Str("game_id", gameID.String()).Msg("broadcast channel full, dropping event")
	}
}

// SendToPlayer queues bytes for a single player's connections.
func (cm *ConnectionManager) SendToPlayer(gameID, playerID uuid.UUID, data []byte) {
	select {
	case cm.broadcastCh <- broadcast{gameID: gameID, playerID: playerID, data: data}:
	default:
		log.Warn().Str("player_id", playerID.String()).Msg("broadcast channel full, dropping message")
	}
}

// ConnectionCount reports active connections for a game.
func (cm *ConnectionManager) ConnectionCount(gameID uuid.UUID) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.gameConnections[gameID])
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.gameConnections[c.GameID] == nil {
		cm.gameConnections[c.GameID] = make(map[*Connection]bool)
	}
	cm.gameConnections[c.GameID][c] = true
}

func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	pool, ok := cm.gameConnections[c.GameID]
	if !ok || !pool[c] {
		cm.mu.Unlock()
		return
	}
	delete(pool, c)
	close(c.Send)
	if len(pool) == 0 {
		delete(cm.gameConnections, c.GameID)
	}
	// Any other live socket for the same player keeps them connected.
	playerStillHere := false
	for other := range pool {
		if other.PlayerID == c.PlayerID {
			playerStillHere = true
			break
		}
	}
	cm.mu.Unlock()

	if !playerStillHere {
		if err := cm.presence.Disconnect(context.Background(), c.PlayerID); err != nil {
			log.Warn().Err(err).Str("player_id", c.PlayerID.String()).Msg("presence disconnect failed")
		}
	}

	log.Info().
		Str("connection_id", c.ID).
		Str("player_id", c.PlayerID.String()).
		Str("game_id", c.GameID.String()).
		Msg("websocket disconnected")
}

func (cm *ConnectionManager) deliver(b broadcast) {
	cm.mu.RLock()
	pool := cm.gameConnections[b.gameID]
	targets := make([]*Connection, 0, len(pool))
	for c := range pool {
		if b.playerID != uuid.Nil && c.PlayerID != b.playerID {
			continue
		}
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.Send <- b.data:
		default:
			// Slow consumer; drop the socket, the client will reconnect.
			log.Warn().
				Str("connection_id", c.ID).
				Str("player_id", c.PlayerID.String()).
				Msg("send buffer full, closing connection")
			cm.unregister(c)
			c.Conn.Close()
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		// A pong is as good as a heartbeat.
		if err := c.manager.presence.Heartbeat(context.Background(), c.PlayerID); err != nil {
			log.Debug().Err(err).Str("player_id", c.PlayerID.String()).Msg("pong heartbeat failed")
		}
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected close")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.handleMessage(data)
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Str("connection_id", c.ID).Msg("ignoring malformed client frame")
		return
	}
	switch msg.Type {
	case "heartbeat":
		if err := c.manager.presence.Heartbeat(context.Background(), c.PlayerID); err != nil {
			log.Debug().Err(err).Str("player_id", c.PlayerID.String()).Msg("heartbeat failed")
		}
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("unknown client frame type")
	}
}
