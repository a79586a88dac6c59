package state

import (
	"sync"
	"testing"
	"time"

	"voltcore/internal/ocpp/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSetStatusOverwritesUnconditionally(t *testing.T) {
	store := NewStore()

	prev, curr := store.SetStatus("station-1", 1, protocol.StatusCharging, "")
	if prev.Status != protocol.StatusAvailable {
		t.Fatalf("expected Available default, got %s", prev.Status)
	}
	if curr.Status != protocol.StatusCharging || curr.ErrorCode != protocol.ErrorCodeNoError {
		t.Fatalf("unexpected state: %+v", curr)
	}

	// Re-reporting the same status is idempotent, not an error.
	prev, curr = store.SetStatus("station-1", 1, protocol.StatusCharging, "")
	if prev.Status != protocol.StatusCharging || curr.Status != protocol.StatusCharging {
		t.Fatalf("expected idempotent overwrite, got %+v -> %+v", prev, curr)
	}

	_, curr = store.SetStatus("station-1", 1, protocol.StatusFaulted, "GroundFailure")
	if curr.Status != protocol.StatusFaulted || curr.ErrorCode != "GroundFailure" {
		t.Fatalf("unexpected faulted state: %+v", curr)
	}
}

func TestBindAndFinishTransaction(t *testing.T) {
	store := NewStore()
	store.SetFinishingDelay(20 * time.Millisecond)

	var mu sync.Mutex
	var reverted []Connector
	store.OnBackgroundChange(func(deviceID string, connectorID int, c Connector) {
		mu.Lock()
		reverted = append(reverted, c)
		mu.Unlock()
	})

	c := store.BindTransaction("station-1", 1, "tx-1")
	if c.Status != protocol.StatusCharging || c.TransactionID != "tx-1" {
		t.Fatalf("unexpected bound state: %+v", c)
	}

	c = store.FinishTransaction("station-1", 1)
	if c.Status != protocol.StatusFinishing || c.TransactionID != "" {
		t.Fatalf("unexpected finishing state: %+v", c)
	}

	waitFor(t, time.Second, func() bool {
		curr, ok := store.Get("station-1", 1)
		return ok && curr.Status == protocol.StatusAvailable
	})

	mu.Lock()
	defer mu.Unlock()
	if len(reverted) != 1 || reverted[0].Status != protocol.StatusAvailable {
		t.Fatalf("expected one background revert to Available, got %v", reverted)
	}
}

func TestFinishingRevertSkippedWhenStatusMovedOn(t *testing.T) {
	store := NewStore()
	store.SetFinishingDelay(20 * time.Millisecond)

	store.BindTransaction("station-1", 1, "tx-1")
	store.FinishTransaction("station-1", 1)

	// A device report lands before the revert timer fires.
	store.SetStatus("station-1", 1, protocol.StatusPreparing, "")

	time.Sleep(60 * time.Millisecond)
	c, ok := store.Get("station-1", 1)
	if !ok || c.Status != protocol.StatusPreparing {
		t.Fatalf("revert must not override a newer device report, got %+v", c)
	}
}

func TestReserveAndCancel(t *testing.T) {
	store := NewStore()

	until := time.Now().Add(5 * time.Minute)
	c := store.Reserve("station-1", 2, 7, until)
	if c.Status != protocol.StatusReserved || c.ReservationID != 7 {
		t.Fatalf("unexpected reserved state: %+v", c)
	}

	if !store.CancelReservation("station-1", 7) {
		t.Fatalf("expected cancel to find reservation 7")
	}
	c, _ = store.Get("station-1", 2)
	if c.Status != protocol.StatusAvailable || c.ReservationID != 0 {
		t.Fatalf("expected cancel to revert to Available, got %+v", c)
	}

	if store.CancelReservation("station-1", 7) {
		t.Fatalf("cancel must fail for an already-cleared reservation")
	}
}

func TestCancelReservationLeavesConsumedReservationAlone(t *testing.T) {
	store := NewStore()

	store.Reserve("station-1", 1, 9, time.Now().Add(time.Minute))
	// The reserved tag started charging; the reservation is consumed.
	store.BindTransaction("station-1", 1, "tx-9")

	if !store.CancelReservation("station-1", 9) {
		t.Fatalf("expected cancel to clear reservation fields")
	}
	c, _ := store.Get("station-1", 1)
	if c.Status != protocol.StatusCharging {
		t.Fatalf("cancel must not interrupt charging, got %s", c.Status)
	}
}

func TestSweepReservations(t *testing.T) {
	store := NewStore()
	now := time.Now()
	store.clock = func() time.Time { return now }

	var notified []SweptReservation
	store.OnBackgroundChange(func(deviceID string, connectorID int, c Connector) {
		notified = append(notified, SweptReservation{DeviceID: deviceID, ConnectorID: connectorID})
	})

	store.Reserve("station-1", 1, 11, now.Add(-time.Minute))
	store.Reserve("station-1", 2, 12, now.Add(time.Hour))

	swept := store.SweepReservations()
	if len(swept) != 1 {
		t.Fatalf("expected 1 swept reservation, got %d", len(swept))
	}
	if swept[0].ReservationID != 11 || swept[0].ConnectorID != 1 {
		t.Fatalf("unexpected sweep result: %+v", swept[0])
	}
	if len(notified) != 1 {
		t.Fatalf("expected 1 background notification, got %d", len(notified))
	}

	c, _ := store.Get("station-1", 1)
	if c.Status != protocol.StatusAvailable || c.ReservationID != 0 {
		t.Fatalf("expected expired reservation reverted, got %+v", c)
	}
	c, _ = store.Get("station-1", 2)
	if c.Status != protocol.StatusReserved || c.ReservationID != 12 {
		t.Fatalf("live reservation must survive the sweep, got %+v", c)
	}
}

func TestSetAvailability(t *testing.T) {
	store := NewStore()

	c := store.SetAvailability("station-1", 1, false)
	if c.Status != protocol.StatusUnavailable {
		t.Fatalf("expected Unavailable, got %s", c.Status)
	}
	c = store.SetAvailability("station-1", 1, true)
	if c.Status != protocol.StatusAvailable {
		t.Fatalf("expected Available, got %s", c.Status)
	}
}

func TestDropDevice(t *testing.T) {
	store := NewStore()

	store.SetStatus("station-1", 1, protocol.StatusCharging, "")
	store.DropDevice("station-1")

	if _, ok := store.Get("station-1", 1); ok {
		t.Fatalf("expected state gone after drop")
	}

	// A reconnecting device starts from Available defaults.
	prev, _ := store.SetStatus("station-1", 1, protocol.StatusPreparing, "")
	if prev.Status != protocol.StatusAvailable {
		t.Fatalf("expected fresh Available default, got %s", prev.Status)
	}
}
