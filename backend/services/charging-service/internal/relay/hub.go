package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/models"
)

// TelemetrySink persists device traffic before it is fanned out.
type TelemetrySink interface {
	RecordReading(ctx context.Context, reading models.TelemetryReading) error
	RecordAlert(ctx context.Context, alert models.AlertEvent) error
}

// Hub routes inbound relay traffic: charger messages to the sink and the
// subscribers, acks to the dispatcher, observer messages to the charger.
type Hub struct {
	registry   *Registry
	dispatcher *Dispatcher
	sink       TelemetrySink
	logger     *zap.Logger
	now        func() time.Time
}

// NewHub wires a hub. sink may be nil, in which case nothing is persisted.
func NewHub(registry *Registry, dispatcher *Dispatcher, sink TelemetrySink, logger *zap.Logger) *Hub {
	return &Hub{
		registry:   registry,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Registry returns the hub's registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// PublisherMessage handles one message from a charger. Malformed messages
// are logged and dropped; unknown types are ignored.
func (h *Hub) PublisherMessage(ctx context.Context, chargerID int64, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn("malformed publisher message", zap.Int64("charger_id", chargerID), zap.Error(err))
		return
	}

	switch env.Type {
	case TypeAck:
		var ack AckMessage
		if err := json.Unmarshal(raw, &ack); err != nil {
			h.logger.Warn("malformed ack", zap.Int64("charger_id", chargerID), zap.Error(err))
			return
		}
		h.dispatcher.HandleAck(chargerID, ack)
	case TypeTelemetry:
		var msg TelemetryMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("malformed telemetry", zap.Int64("charger_id", chargerID), zap.Error(err))
			return
		}
		if h.sink != nil {
			if err := h.sink.RecordReading(ctx, h.reading(chargerID, msg)); err != nil {
				h.logger.Error("failed to record telemetry", zap.Int64("charger_id", chargerID), zap.Error(err))
			}
		}
		h.broadcast(chargerID, raw)
	case TypeAlert:
		var msg AlertMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("malformed alert", zap.Int64("charger_id", chargerID), zap.Error(err))
			return
		}
		if h.sink != nil {
			alert := models.AlertEvent{
				ChargerID:   chargerID,
				Code:        msg.Code,
				Description: msg.Description,
				Severity:    msg.Severity,
				RaisedAt:    h.now().UTC(),
			}
			if err := h.sink.RecordAlert(ctx, alert); err != nil {
				h.logger.Error("failed to record alert", zap.Int64("charger_id", chargerID), zap.Error(err))
			}
		}
		h.broadcast(chargerID, raw)
	default:
		h.logger.Debug("ignoring publisher message", zap.Int64("charger_id", chargerID), zap.String("type", env.Type))
	}
}

// ClientMessage forwards an observer message to the charger, or tells the
// observer the charger is not connected.
func (h *Hub) ClientMessage(chargerID int64, from Peer, raw []byte) {
	if !json.Valid(raw) {
		h.logger.Warn("malformed client message", zap.Int64("charger_id", chargerID), zap.String("peer", from.ID()))
		return
	}
	msg := mustJSON(ClientForward{From: "client", Payload: json.RawMessage(raw)})
	if !h.registry.RelayToPublisher(chargerID, msg) {
		from.Send(mustJSON(ErrorMessage{Type: TypeError, Message: "publisher not connected"}))
	}
}

// SubscriberJoined asks the charger, if connected, to push its current state.
func (h *Hub) SubscriberJoined(chargerID int64) {
	h.registry.RelayToPublisher(chargerID, mustJSON(SyncRequest{Type: TypeSyncRequest, From: "server"}))
}

// PublisherLeft fails the commands still waiting on the charger.
func (h *Hub) PublisherLeft(chargerID int64) {
	if n := h.dispatcher.FailPending(chargerID); n > 0 {
		h.logger.Warn("publisher left with pending commands", zap.Int64("charger_id", chargerID), zap.Int("pending", n))
	}
}

func (h *Hub) broadcast(chargerID int64, raw []byte) {
	msg := mustJSON(PublisherBroadcast{
		From:      "publisher",
		Payload:   json.RawMessage(raw),
		Timestamp: h.now().UnixMilli(),
	})
	h.registry.RelayFromPublisher(chargerID, msg)
}

func (h *Hub) reading(chargerID int64, msg TelemetryMessage) models.TelemetryReading {
	recorded := h.now().UTC()
	if msg.Timestamp != nil {
		recorded = msg.Timestamp.UTC()
	}
	return models.TelemetryReading{
		ChargerID:  chargerID,
		SessionID:  msg.SessionID,
		RecordedAt: recorded,
		VoltageV:   msg.Voltage,
		CurrentA:   msg.Current,
		PowerW:     msg.Power,
		EnergyWh:   msg.EnergyWh,
		TempC:      msg.TempC,
		RelayOn:    msg.RelayState,
	}
}
