package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voltcore/internal/events"
)

// Correlation outcome statuses.
const (
	StatusAccepted       = "Accepted"
	StatusPendingTimeout = "PendingTimeout"
)

// Result is the outcome of a logical start/stop charging request.
type Result struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
}

// CommandSender issues the underlying OCPP remote commands.
type CommandSender interface {
	RemoteStartTransaction(deviceID string, connectorID int, idTag string) (string, error)
	RemoteStopTransaction(deviceID, transactionID string) (string, error)
}

// Correlation tracks one in-flight logical request.
type Correlation struct {
	ID          string
	DeviceID    string
	ConnectorID int
	RequestedAt time.Time
}

type waiterKey struct {
	deviceID    string
	connectorID int
}

type waiter struct {
	correlationID string
	done          chan string
}

// Coordinator reconciles a server-issued remote command with the device's own
// later transaction report. A waiter registered before the command is sent is
// fulfilled directly by the StartTransaction/StopTransaction handler, so the
// outcome does not depend on polling connector state.
type Coordinator struct {
	mu     sync.Mutex
	starts map[waiterKey]*waiter
	stops  map[waiterKey]*waiter
	corrs  map[string]Correlation

	sender  CommandSender
	bus     *events.Bus
	timeout time.Duration
	logger  *zap.Logger
	clock   func() time.Time
}

// NewCoordinator builds a coordinator with the given confirmation window.
func NewCoordinator(sender CommandSender, bus *events.Bus, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{
		starts:  make(map[waiterKey]*waiter),
		stops:   make(map[waiterKey]*waiter),
		corrs:   make(map[string]Correlation),
		sender:  sender,
		bus:     bus,
		timeout: timeout,
		logger:  logger,
		clock:   time.Now,
	}
}

// StartCharging sends RemoteStartTransaction and waits for the device's own
// StartTransaction to confirm, up to the window. The command itself is not
// cancelled on timeout: it may still complete later and update connector
// state silently.
func (c *Coordinator) StartCharging(ctx context.Context, deviceID string, connectorID int, idTag string) (Result, error) {
	if connectorID <= 0 {
		connectorID = 1
	}
	key := waiterKey{deviceID: deviceID, connectorID: connectorID}
	w, correlationID := c.register(c.starts, key, deviceID, connectorID)
	defer c.release(c.starts, key, correlationID)

	if _, err := c.sender.RemoteStartTransaction(deviceID, connectorID, idTag); err != nil {
		return Result{}, err
	}

	return c.await(ctx, w, correlationID, deviceID, "start")
}

// StopCharging sends RemoteStopTransaction and waits for the device's
// StopTransaction to confirm.
func (c *Coordinator) StopCharging(ctx context.Context, deviceID string, connectorID int, transactionID string) (Result, error) {
	if connectorID <= 0 {
		connectorID = 1
	}
	key := waiterKey{deviceID: deviceID, connectorID: connectorID}
	w, correlationID := c.register(c.stops, key, deviceID, connectorID)
	defer c.release(c.stops, key, correlationID)

	if _, err := c.sender.RemoteStopTransaction(deviceID, transactionID); err != nil {
		return Result{}, err
	}

	return c.await(ctx, w, correlationID, deviceID, "stop")
}

func (c *Coordinator) register(waiters map[waiterKey]*waiter, key waiterKey, deviceID string, connectorID int) (*waiter, string) {
	correlationID := uuid.NewString()
	w := &waiter{correlationID: correlationID, done: make(chan string, 1)}

	c.mu.Lock()
	// Two racing commands on one connector: the newer request supersedes the
	// older waiter, which will time out on its own.
	waiters[key] = w
	c.corrs[correlationID] = Correlation{
		ID:          correlationID,
		DeviceID:    deviceID,
		ConnectorID: connectorID,
		RequestedAt: c.clock(),
	}
	c.mu.Unlock()

	return w, correlationID
}

func (c *Coordinator) release(waiters map[waiterKey]*waiter, key waiterKey, correlationID string) {
	c.mu.Lock()
	if w, ok := waiters[key]; ok && w.correlationID == correlationID {
		delete(waiters, key)
	}
	delete(c.corrs, correlationID)
	c.mu.Unlock()
}

func (c *Coordinator) await(ctx context.Context, w *waiter, correlationID, deviceID, kind string) (Result, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var result Result
	select {
	case transactionID := <-w.done:
		result = Result{CorrelationID: correlationID, Status: StatusAccepted, TransactionID: transactionID}
	case <-timer.C:
		result = Result{CorrelationID: correlationID, Status: StatusPendingTimeout}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	c.bus.Publish(events.TypeChargingResult, deviceID, map[string]interface{}{
		"correlationId": correlationID,
		"kind":          kind,
		"status":        result.Status,
		"transactionId": result.TransactionID,
	})
	c.logger.Info("charging request resolved",
		zap.String("device_id", deviceID),
		zap.String("kind", kind),
		zap.String("correlation_id", correlationID),
		zap.String("status", result.Status))
	return result, nil
}

// NotifyStarted resolves the start waiter for (device, connector), if any.
// Called by the StartTransaction handler.
func (c *Coordinator) NotifyStarted(deviceID string, connectorID int, transactionID string) (string, bool) {
	return c.notify(c.starts, deviceID, connectorID, transactionID)
}

// NotifyStopped resolves the stop waiter for (device, connector), if any.
func (c *Coordinator) NotifyStopped(deviceID string, connectorID int, transactionID string) (string, bool) {
	return c.notify(c.stops, deviceID, connectorID, transactionID)
}

func (c *Coordinator) notify(waiters map[waiterKey]*waiter, deviceID string, connectorID int, transactionID string) (string, bool) {
	key := waiterKey{deviceID: deviceID, connectorID: connectorID}

	c.mu.Lock()
	w, ok := waiters[key]
	if ok {
		delete(waiters, key)
		delete(c.corrs, w.correlationID)
	}
	c.mu.Unlock()

	if !ok {
		return "", false
	}
	select {
	case w.done <- transactionID:
	default:
	}
	return w.correlationID, true
}

// PendingCorrelations returns a snapshot of unresolved correlations.
func (c *Coordinator) PendingCorrelations() []Correlation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Correlation, 0, len(c.corrs))
	for _, corr := range c.corrs {
		out = append(out, corr)
	}
	return out
}
