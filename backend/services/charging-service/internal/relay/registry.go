// Package relay binds chargers (publishers) and observers (subscribers) per
// charger, fans device traffic out and carries correlated device commands.
package relay

import (
	"sync"

	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/metrics"
)

// Peer is one connected endpoint. Send must not block; it reports false when
// the message was dropped.
type Peer interface {
	ID() string
	Send(msg []byte) bool
}

type channel struct {
	publisher   Peer
	subscribers map[string]Peer
}

func (c *channel) empty() bool {
	return c.publisher == nil && len(c.subscribers) == 0
}

// Registry maps a charger id to its publisher and subscribers.
// All mutations of a charger's slot happen under one lock, so register,
// remove and relay are atomic with respect to each other.
type Registry struct {
	mu       sync.RWMutex
	channels map[int64]*channel

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger, m *metrics.Collector) *Registry {
	return &Registry{
		channels: make(map[int64]*channel),
		logger:   logger,
		metrics:  m,
	}
}

func (r *Registry) slotLocked(chargerID int64) *channel {
	ch, ok := r.channels[chargerID]
	if !ok {
		ch = &channel{subscribers: make(map[string]Peer)}
		r.channels[chargerID] = ch
	}
	return ch
}

// RegisterPublisher makes p the publisher for the charger. An existing
// publisher is replaced and returned so the caller can disconnect it.
func (r *Registry) RegisterPublisher(chargerID int64, p Peer) (replaced Peer) {
	r.mu.Lock()
	ch := r.slotLocked(chargerID)
	replaced = ch.publisher
	ch.publisher = p
	r.reportLocked()
	r.mu.Unlock()

	if replaced != nil && replaced.ID() != p.ID() {
		r.logger.Warn("publisher replaced",
			zap.Int64("charger_id", chargerID),
			zap.String("previous", replaced.ID()),
			zap.String("current", p.ID()),
		)
		return replaced
	}
	return nil
}

// RemovePublisher clears the publisher slot if p still holds it.
func (r *Registry) RemovePublisher(chargerID int64, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[chargerID]
	if !ok || ch.publisher == nil || ch.publisher.ID() != p.ID() {
		return false
	}
	ch.publisher = nil
	if ch.empty() {
		delete(r.channels, chargerID)
	}
	r.reportLocked()
	return true
}

// AddSubscriber adds p to the charger's subscriber set.
func (r *Registry) AddSubscriber(chargerID int64, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slotLocked(chargerID).subscribers[p.ID()] = p
	r.reportLocked()
}

// RemoveSubscriber drops p; the last removal collapses the charger entry.
func (r *Registry) RemoveSubscriber(chargerID int64, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[chargerID]
	if !ok {
		return
	}
	delete(ch.subscribers, p.ID())
	if ch.empty() {
		delete(r.channels, chargerID)
	}
	r.reportLocked()
}

// RelayFromPublisher fans msg out to the current subscribers and returns how
// many accepted it. Nothing is queued for absent subscribers.
func (r *Registry) RelayFromPublisher(chargerID int64, msg []byte) int {
	r.mu.RLock()
	ch, ok := r.channels[chargerID]
	var targets []Peer
	if ok {
		targets = make([]Peer, 0, len(ch.subscribers))
		for _, sub := range ch.subscribers {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Send(msg) {
			delivered++
		}
	}
	if delivered > 0 {
		r.metrics.MessageRelayed("to_subscribers")
	}
	return delivered
}

// RelayToPublisher unicasts msg to the charger's publisher. It returns false
// when no publisher is connected or the message could not be queued.
func (r *Registry) RelayToPublisher(chargerID int64, msg []byte) bool {
	r.mu.RLock()
	var pub Peer
	if ch, ok := r.channels[chargerID]; ok {
		pub = ch.publisher
	}
	r.mu.RUnlock()

	if pub == nil {
		return false
	}
	if !pub.Send(msg) {
		return false
	}
	r.metrics.MessageRelayed("to_publisher")
	return true
}

// HasPublisher reports whether a publisher is bound to the charger.
func (r *Registry) HasPublisher(chargerID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[chargerID]
	return ok && ch.publisher != nil
}

// SubscriberCount returns the number of subscribers for the charger.
func (r *Registry) SubscriberCount(chargerID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch, ok := r.channels[chargerID]; ok {
		return len(ch.subscribers)
	}
	return 0
}

// Len returns the number of chargers with at least one bound peer.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (r *Registry) reportLocked() {
	if r.metrics == nil {
		return
	}
	pubs, subs := 0, 0
	for _, ch := range r.channels {
		if ch.publisher != nil {
			pubs++
		}
		subs += len(ch.subscribers)
	}
	r.metrics.RelayConnections(pubs, subs)
}
