package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evconnect/backend/services/charging-service/internal/metrics"
)

var (
	// ErrDeviceUnreachable means no publisher is connected for the charger.
	ErrDeviceUnreachable = errors.New("relay: device unreachable")
	// ErrCommandTimeout means the device did not acknowledge in time.
	ErrCommandTimeout = errors.New("relay: command not acknowledged")
	// ErrCommandRejected means the device answered with a non-accepted status.
	ErrCommandRejected = errors.New("relay: command rejected by device")
)

var idGenerator = uuid.NewString

type pendingCommand struct {
	chargerID int64
	action    string
	result    chan error
}

// Dispatcher sends correlated commands to publishers and waits a bounded time
// for the matching ack.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// NewDispatcher builds a dispatcher. A non-positive timeout defaults to 10s.
func NewDispatcher(registry *Registry, timeout time.Duration, logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		pending:  make(map[string]*pendingCommand),
	}
}

// Send pushes a start or stop command for the session and blocks until the
// device acks it, the timeout elapses or ctx ends.
func (d *Dispatcher) Send(ctx context.Context, chargerID int64, action, sessionID string) error {
	correlationID := idGenerator()
	cmd := &pendingCommand{chargerID: chargerID, action: action, result: make(chan error, 1)}

	d.mu.Lock()
	d.pending[correlationID] = cmd
	d.mu.Unlock()
	defer d.forget(correlationID)

	msg := mustJSON(CommandMessage{Type: action, SessionID: sessionID, CorrelationID: correlationID})
	if !d.registry.RelayToPublisher(chargerID, msg) {
		d.metrics.CommandResult(action, "unreachable")
		return fmt.Errorf("%w: charger %d", ErrDeviceUnreachable, chargerID)
	}
	d.logger.Debug("command sent",
		zap.Int64("charger_id", chargerID),
		zap.String("action", action),
		zap.String("correlation_id", correlationID),
	)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case err := <-cmd.result:
		if errors.Is(err, ErrDeviceUnreachable) {
			d.metrics.CommandResult(action, "unreachable")
			return err
		}
		if err != nil {
			d.metrics.CommandResult(action, "rejected")
			return err
		}
		d.metrics.CommandResult(action, "accepted")
		return nil
	case <-timer.C:
		d.metrics.CommandResult(action, "timeout")
		return fmt.Errorf("%w: %s to charger %d after %s", ErrCommandTimeout, action, chargerID, d.timeout)
	case <-ctx.Done():
		d.metrics.CommandResult(action, "cancelled")
		return ctx.Err()
	}
}

// HandleAck resolves the pending command with the ack's correlation id.
// Acks from another charger or for unknown ids are dropped.
func (d *Dispatcher) HandleAck(chargerID int64, ack AckMessage) bool {
	d.mu.Lock()
	cmd, ok := d.pending[ack.CorrelationID]
	if ok && cmd.chargerID == chargerID {
		delete(d.pending, ack.CorrelationID)
	} else {
		ok = false
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("ack without pending command",
			zap.Int64("charger_id", chargerID),
			zap.String("correlation_id", ack.CorrelationID),
		)
		return false
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(ack.Status)) {
	case "", "accepted", "ok":
	default:
		err = fmt.Errorf("%w: %s (%s)", ErrCommandRejected, ack.Status, ack.Reason)
	}
	cmd.result <- err
	return true
}

// FailPending fails every command waiting on the charger, used when its
// publisher disconnects.
func (d *Dispatcher) FailPending(chargerID int64) int {
	d.mu.Lock()
	var failed []*pendingCommand
	for id, cmd := range d.pending {
		if cmd.chargerID == chargerID {
			failed = append(failed, cmd)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, cmd := range failed {
		cmd.result <- fmt.Errorf("%w: charger %d disconnected", ErrDeviceUnreachable, chargerID)
	}
	return len(failed)
}

// Pending returns the number of commands awaiting an ack.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) forget(correlationID string) {
	d.mu.Lock()
	delete(d.pending, correlationID)
	d.mu.Unlock()
}
