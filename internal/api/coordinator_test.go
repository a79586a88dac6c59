package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"voltcore/internal/events"
	"voltcore/internal/ocpp"
)

type fakeSender struct {
	mu      sync.Mutex
	starts  []string
	stops   []string
	sendErr error
}

func (f *fakeSender) RemoteStartTransaction(deviceID string, connectorID int, idTag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.starts = append(f.starts, deviceID)
	return "msg-1", nil
}

func (f *fakeSender) RemoteStopTransaction(deviceID, transactionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.stops = append(f.stops, transactionID)
	return "msg-2", nil
}

func TestStartChargingConfirmedByDevice(t *testing.T) {
	bus := events.NewBus(0)
	sub := bus.Subscribe("", []string{events.TypeChargingResult}, 4)
	defer bus.Unsubscribe(sub)

	coordinator := NewCoordinator(&fakeSender{}, bus, time.Second, zap.NewNop())

	go func() {
		// The device's own StartTransaction lands shortly after the command.
		for {
			if _, ok := coordinator.NotifyStarted("station-1", 1, "tx-1"); ok {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	result, err := coordinator.StartCharging(context.Background(), "station-1", 0, "tag-1")
	if err != nil {
		t.Fatalf("start charging: %v", err)
	}
	if result.Status != StatusAccepted {
		t.Fatalf("expected Accepted, got %s", result.Status)
	}
	if result.TransactionID != "tx-1" {
		t.Fatalf("expected transaction tx-1, got %s", result.TransactionID)
	}
	if result.CorrelationID == "" {
		t.Fatalf("expected a correlation id")
	}

	select {
	case evt := <-sub.C():
		if evt.Type != events.TypeChargingResult {
			t.Fatalf("unexpected event type %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a charging.result event")
	}
}

func TestStartChargingTimesOut(t *testing.T) {
	bus := events.NewBus(0)
	coordinator := NewCoordinator(&fakeSender{}, bus, 30*time.Millisecond, zap.NewNop())

	result, err := coordinator.StartCharging(context.Background(), "station-1", 1, "tag-1")
	if err != nil {
		t.Fatalf("start charging: %v", err)
	}
	if result.Status != StatusPendingTimeout {
		t.Fatalf("expected PendingTimeout, got %s", result.Status)
	}
	if len(coordinator.PendingCorrelations()) != 0 {
		t.Fatalf("correlation must be removed after timeout")
	}
	// A late device report finds no waiter.
	if _, ok := coordinator.NotifyStarted("station-1", 1, "tx-late"); ok {
		t.Fatalf("late notify must not match a released waiter")
	}
}

func TestStartChargingPropagatesSendFailure(t *testing.T) {
	bus := events.NewBus(0)
	sender := &fakeSender{sendErr: ocpp.ErrNoConnection}
	coordinator := NewCoordinator(sender, bus, time.Second, zap.NewNop())

	_, err := coordinator.StartCharging(context.Background(), "station-gone", 1, "tag-1")
	if !errors.Is(err, ocpp.ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
	if len(coordinator.PendingCorrelations()) != 0 {
		t.Fatalf("failed send must not leave a correlation behind")
	}
}

func TestStopChargingConfirmedByDevice(t *testing.T) {
	bus := events.NewBus(0)
	coordinator := NewCoordinator(&fakeSender{}, bus, time.Second, zap.NewNop())

	go func() {
		for {
			if _, ok := coordinator.NotifyStopped("station-1", 2, "tx-2"); ok {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	result, err := coordinator.StopCharging(context.Background(), "station-1", 2, "tx-2")
	if err != nil {
		t.Fatalf("stop charging: %v", err)
	}
	if result.Status != StatusAccepted || result.TransactionID != "tx-2" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestStartChargingContextCancelled(t *testing.T) {
	bus := events.NewBus(0)
	coordinator := NewCoordinator(&fakeSender{}, bus, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := coordinator.StartCharging(ctx, "station-1", 1, "tag-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewerRequestSupersedesOlderWaiter(t *testing.T) {
	bus := events.NewBus(0)
	coordinator := NewCoordinator(&fakeSender{}, bus, 200*time.Millisecond, zap.NewNop())

	firstDone := make(chan Result, 1)
	go func() {
		result, _ := coordinator.StartCharging(context.Background(), "station-1", 1, "tag-a")
		firstDone <- result
	}()

	// Let the first waiter register before the second request supersedes it.
	time.Sleep(20 * time.Millisecond)

	secondDone := make(chan Result, 1)
	go func() {
		result, _ := coordinator.StartCharging(context.Background(), "station-1", 1, "tag-b")
		secondDone <- result
	}()
	time.Sleep(20 * time.Millisecond)

	// The device report lands after the supersede: it resolves the newer
	// waiter only.
	if _, ok := coordinator.NotifyStarted("station-1", 1, "tx-b"); !ok {
		t.Fatalf("expected the newer waiter to be resolved")
	}

	second := <-secondDone
	if second.Status != StatusAccepted || second.TransactionID != "tx-b" {
		t.Fatalf("expected second request confirmed, got %+v", second)
	}

	first := <-firstDone
	if first.Status != StatusPendingTimeout {
		t.Fatalf("superseded request must time out, got %+v", first)
	}
}
