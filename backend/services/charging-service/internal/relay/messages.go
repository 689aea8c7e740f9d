package relay

import (
	"encoding/json"
	"time"
)

// Message type discriminators exchanged with chargers and observers.
const (
	TypeTelemetry   = "telemetria"
	TypeAlert       = "alerta"
	TypeStart       = "start"
	TypeStop        = "stop"
	TypeAck         = "ack"
	TypeConnected   = "connected"
	TypeSubscribed  = "subscribed"
	TypeSyncRequest = "sync_request"
	TypeError       = "error"
)

// Envelope is decoded first to route a message by type.
type Envelope struct {
	Type string `json:"type"`
}

// TelemetryMessage is a meter sample pushed by a charger.
type TelemetryMessage struct {
	SessionID  string     `json:"sessionId,omitempty"`
	Voltage    float64    `json:"voltage"`
	Current    float64    `json:"current"`
	Power      float64    `json:"power"`
	EnergyWh   float64    `json:"energyWh"`
	TempC      float64    `json:"tempC"`
	RelayState bool       `json:"relayState"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// AlertMessage is a fault report pushed by a charger.
type AlertMessage struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// CommandMessage is a control command sent to a charger.
type CommandMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
}

// AckMessage acknowledges a CommandMessage.
type AckMessage struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// HandshakeMessage confirms a successful connection.
type HandshakeMessage struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	ChargerID int64  `json:"chargerId"`
}

// PublisherBroadcast wraps a charger message fanned out to subscribers.
type PublisherBroadcast struct {
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// ClientForward wraps an observer message forwarded to the charger.
type ClientForward struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorMessage reports a relay-level problem to a peer.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SyncRequest asks a charger to push its current state.
type SyncRequest struct {
	Type string `json:"type"`
	From string `json:"from"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
