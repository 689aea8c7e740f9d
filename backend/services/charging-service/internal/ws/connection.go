package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Role of a relay connection.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleClient    Role = "client"
)

const (
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// Connection is one relay peer over a WebSocket. It satisfies relay.Peer.
type Connection struct {
	id           string
	chargerID    int64
	role         Role
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	alive        atomic.Bool
	writeTimeout time.Duration
	logger       *zap.Logger

	onMessage func(raw []byte)
	onClose   func(c *Connection)
}

// NewConnection wraps an upgraded socket.
func NewConnection(ws *websocket.Conn, chargerID int64, role Role, writeTimeout time.Duration, logger *zap.Logger) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		chargerID:    chargerID,
		role:         role,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.logger = logger.With(
		zap.String("conn_id", c.id),
		zap.Int64("charger_id", chargerID),
		zap.String("role", string(role)),
	)
	c.alive.Store(true)
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// ChargerID returns the charger the connection is bound to.
func (c *Connection) ChargerID() int64 {
	return c.chargerID
}

// Role returns the connection role.
func (c *Connection) Role() Role {
	return c.role
}

// Start launches the write pump and blocks in the read pump until the socket closes.
func (c *Connection) Start(onMessage func(raw []byte), onClose func(*Connection)) {
	c.onMessage = onMessage
	c.onClose = onClose
	go c.writePump()
	c.readPump()
}

func (c *Connection) readPump() {
	defer c.cleanup()
	// The HTTP server's read timeout survives the hijack; liveness is the heartbeat's job.
	_ = c.ws.SetReadDeadline(time.Time{})
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("connection read closed", zap.Error(err))
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Terminate()
				return
			}
		}
	}
}

// Send queues a message without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("dropping outgoing message, buffer full")
		return false
	}
}

// Heartbeat pings the peer. A peer that did not answer the previous ping is
// terminated and Heartbeat returns false.
func (c *Connection) Heartbeat() bool {
	if !c.alive.Swap(false) {
		c.logger.Info("terminating unresponsive connection")
		c.Terminate()
		return false
	}
	deadline := time.Now().Add(c.writeTimeout)
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.Terminate()
		return false
	}
	return true
}

// CloseWith sends a close frame with code and reason, then drops the socket.
func (c *Connection) CloseWith(code int, reason string) {
	closeWith(c.ws, code, reason, c.writeTimeout)
	c.Terminate()
}

// Terminate drops the socket; the read pump then runs cleanup.
func (c *Connection) Terminate() {
	_ = c.ws.Close()
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func closeWith(conn *websocket.Conn, code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
}
