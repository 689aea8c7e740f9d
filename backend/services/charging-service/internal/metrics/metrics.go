// Package metrics exposes Prometheus collectors for sessions, payment gateway
// calls, webhook reconciliation and the device relay.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the charging service collectors. A nil *Collector is a no-op.
type Collector struct {
	sessions      *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	commands      *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	relayChannels *prometheus.GaugeVec
}

// NewCollector registers the collectors on reg, reusing already registered ones.
// If reg is nil, the default registerer is used.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_sessions_total",
			Help: "Session start and stop attempts by outcome",
		}, []string{"operation", "outcome"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_gateway_calls_total",
			Help: "Payment gateway calls by operation and result",
		}, []string{"operation", "result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhook_notifications_total",
			Help: "Payment webhook notifications by kind and result",
		}, []string{"kind", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_commands_total",
			Help: "Device commands by action and result",
		}, []string{"action", "result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Messages relayed between publishers and subscribers",
		}, []string{"direction"}),
		relayChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Connected relay peers by role",
		}, []string{"role"}),
	}

	var err error
	if c.sessions, err = registerCounter(reg, c.sessions); err != nil {
		return nil, err
	}
	if c.gatewayCalls, err = registerCounter(reg, c.gatewayCalls); err != nil {
		return nil, err
	}
	if c.webhooks, err = registerCounter(reg, c.webhooks); err != nil {
		return nil, err
	}
	if c.commands, err = registerCounter(reg, c.commands); err != nil {
		return nil, err
	}
	if c.relayed, err = registerCounter(reg, c.relayed); err != nil {
		return nil, err
	}
	if err := reg.Register(c.relayChannels); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		c.relayChannels = are.ExistingCollector.(*prometheus.GaugeVec)
	}
	return c, nil
}

func registerCounter(reg prometheus.Registerer, cv *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(cv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return cv, nil
}

// SessionOutcome counts a start or stop attempt.
func (c *Collector) SessionOutcome(operation, outcome string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(operation, outcome).Inc()
}

// GatewayCall counts a payment gateway call.
func (c *Collector) GatewayCall(operation, result string) {
	if c == nil {
		return
	}
	c.gatewayCalls.WithLabelValues(operation, result).Inc()
}

// WebhookNotification counts a processed webhook notification.
func (c *Collector) WebhookNotification(kind, result string) {
	if c == nil {
		return
	}
	c.webhooks.WithLabelValues(kind, result).Inc()
}

// CommandResult counts a device command outcome.
func (c *Collector) CommandResult(action, result string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(action, result).Inc()
}

// MessageRelayed counts one relayed message.
func (c *Collector) MessageRelayed(direction string) {
	if c == nil {
		return
	}
	c.relayed.WithLabelValues(direction).Inc()
}

// RelayConnections sets the connected peer gauges.
func (c *Collector) RelayConnections(publishers, subscribers int) {
	if c == nil {
		return
	}
	c.relayChannels.WithLabelValues("publisher").Set(float64(publishers))
	c.relayChannels.WithLabelValues("subscriber").Set(float64(subscribers))
}
