// Package ws is the relay's WebSocket endpoint: it authenticates the
// handshake, binds the connection into the relay registry by role and pumps
// messages through the relay hub.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/auth"
	"evconnect/backend/services/charging-service/internal/models"
	"evconnect/backend/services/charging-service/internal/relay"
	"evconnect/backend/services/charging-service/internal/repository"
)

// Handshake close codes.
const (
	CloseInvalidToken      = 4003
	ClosePublisherNoCharge = 4004
	CloseChargerNotFound   = 4005
	CloseClientNoCharger   = 4006
)

// TokenValidator verifies handshake tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// ChargerLookup checks that a publisher's charger exists.
type ChargerLookup interface {
	GetCharger(ctx context.Context, chargerID int64) (*models.Charger, error)
}

// Server upgrades HTTP connections to relay WebSockets.
type Server struct {
	manager      *Manager
	hub          *relay.Hub
	tokens       TokenValidator
	chargers     ChargerLookup
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds the ws server.
func NewServer(manager *Manager, hub *relay.Hub, tokens TokenValidator, chargers ChargerLookup, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		manager:      manager,
		hub:          hub,
		tokens:       tokens,
		chargers:     chargers,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the HTTP handler for /ws?token=&role=&chargerId=.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	query := r.URL.Query()
	role := Role(strings.ToLower(strings.TrimSpace(query.Get("role"))))
	if role != RolePublisher {
		role = RoleClient
	}
	chargerID, _ := strconv.ParseInt(strings.TrimSpace(query.Get("chargerId")), 10, 64)

	claims, err := s.tokens.ValidateToken(strings.TrimSpace(query.Get("token")))
	if err != nil {
		s.reject(conn, CloseInvalidToken, "invalid token")
		return
	}
	// Device tokens are bound to one charger.
	if claims.ChargerID != 0 && chargerID != 0 && claims.ChargerID != chargerID {
		s.reject(conn, CloseInvalidToken, "token not valid for charger")
		return
	}

	switch role {
	case RolePublisher:
		if chargerID <= 0 {
			s.reject(conn, ClosePublisherNoCharge, "publisher requires chargerId")
			return
		}
		// Only the charger's own device token may hold the publisher slot.
		if claims.Role != auth.RoleDevice || claims.ChargerID != chargerID {
			s.reject(conn, CloseInvalidToken, "publisher requires a device token for this charger")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_, err := s.chargers.GetCharger(ctx, chargerID)
		cancel()
		if errors.Is(err, repository.ErrNotFound) {
			s.reject(conn, CloseChargerNotFound, "charger not found")
			return
		}
		if err != nil {
			s.logger.Error("charger lookup failed", zap.Int64("charger_id", chargerID), zap.Error(err))
			s.reject(conn, websocket.CloseInternalServerErr, "internal error")
			return
		}
		s.servePublisher(conn, chargerID)
	default:
		if chargerID <= 0 {
			s.reject(conn, CloseClientNoCharger, "client requires chargerId")
			return
		}
		s.serveClient(conn, chargerID)
	}
}

func (s *Server) servePublisher(conn *websocket.Conn, chargerID int64) {
	c := NewConnection(conn, chargerID, RolePublisher, s.writeTimeout, s.logger)
	ctx, cancel := context.WithCancel(context.Background())
	registry := s.hub.Registry()

	c.Send(mustHandshake(relay.HandshakeMessage{Type: relay.TypeConnected, Role: string(RolePublisher), ChargerID: chargerID}))
	s.manager.Add(c)
	if replaced := registry.RegisterPublisher(chargerID, c); replaced != nil {
		if old, ok := replaced.(*Connection); ok {
			old.CloseWith(websocket.ClosePolicyViolation, "replaced by newer publisher")
		}
	}
	s.logger.Info("publisher connected", zap.Int64("charger_id", chargerID), zap.String("conn_id", c.ID()))

	go c.Start(
		func(raw []byte) { s.hub.PublisherMessage(ctx, chargerID, raw) },
		func(c *Connection) {
			cancel()
			s.manager.Remove(c)
			if registry.RemovePublisher(chargerID, c) {
				s.hub.PublisherLeft(chargerID)
				s.logger.Warn("publisher disconnected", zap.Int64("charger_id", chargerID), zap.String("conn_id", c.ID()))
			}
		},
	)
}

func (s *Server) serveClient(conn *websocket.Conn, chargerID int64) {
	c := NewConnection(conn, chargerID, RoleClient, s.writeTimeout, s.logger)
	registry := s.hub.Registry()

	c.Send(mustHandshake(relay.HandshakeMessage{Type: relay.TypeSubscribed, ChargerID: chargerID}))
	s.manager.Add(c)
	registry.AddSubscriber(chargerID, c)
	s.hub.SubscriberJoined(chargerID)
	s.logger.Debug("subscriber connected", zap.Int64("charger_id", chargerID), zap.String("conn_id", c.ID()))

	go c.Start(
		func(raw []byte) { s.hub.ClientMessage(chargerID, c, raw) },
		func(c *Connection) {
			s.manager.Remove(c)
			registry.RemoveSubscriber(chargerID, c)
		},
	)
}

func (s *Server) reject(conn *websocket.Conn, code int, reason string) {
	s.logger.Info("relay handshake rejected", zap.Int("code", code), zap.String("reason", reason))
	closeWith(conn, code, reason, s.writeTimeout)
	_ = conn.Close()
}

func mustHandshake(msg relay.HandshakeMessage) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return b
}
