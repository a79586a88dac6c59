// Package session tracks charging transactions and meter readings: the
// recent-transaction ledger, session cost math and meter delta throttling.
package session

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecentCapacity bounds the most-recent-first transaction list.
const RecentCapacity = 30

// Transaction status values.
const (
	TxStarted   = "Started"
	TxCompleted = "Completed"
)

// ErrUnknownTransaction is returned when a stop references no open
// transaction.
var ErrUnknownTransaction = errors.New("session: unknown transaction")

// Transaction is one charging session bounded by Start/StopTransaction.
type Transaction struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"deviceId"`
	ConnectorID   int        `json:"connectorId"`
	IdTag         string     `json:"idTag"`
	StartTime     time.Time  `json:"startTime"`
	StopTime      *time.Time `json:"stopTime,omitempty"`
	MeterStart    int64      `json:"meterStart"`
	MeterStop     *int64     `json:"meterStop,omitempty"`
	Status        string     `json:"status"`
	EnergyWh      int64      `json:"energyWh"`
	Cost          float64    `json:"cost"`
	EfficiencyPct float64    `json:"efficiencyPercent"`
}

// NewTransactionID allocates a collision-free transaction id.
func NewTransactionID() string {
	return uuid.NewString()
}

// SnapshotStore persists the recent-transaction list across restarts.
type SnapshotStore interface {
	Load() ([]Transaction, error)
	Save(list []Transaction) error
}

// Ledger holds the fixed-capacity most-recent-first transaction list. Every
// mutation is flushed to the snapshot store. Long-term durable storage is a
// separate collaborator.
type Ledger struct {
	mu         sync.Mutex
	items      []Transaction
	snapshot   SnapshotStore
	tariff     float64
	maxPowerKW float64
	clock      func() time.Time
	logger     *zap.Logger
}

// NewLedger builds a ledger, restoring the previous snapshot if one exists.
func NewLedger(snapshot SnapshotStore, tariffPerKWh, maxPowerKW float64, logger *zap.Logger) *Ledger {
	l := &Ledger{
		snapshot:   snapshot,
		tariff:     tariffPerKWh,
		maxPowerKW: maxPowerKW,
		clock:      time.Now,
		logger:     logger,
	}

	if snapshot != nil {
		items, err := snapshot.Load()
		if err != nil {
			logger.Warn("restore recent transactions failed", zap.Error(err))
		} else if len(items) > 0 {
			if len(items) > RecentCapacity {
				items = items[:RecentCapacity]
			}
			l.items = items
		}
	}

	return l
}

// Start records a new transaction at the head of the list.
func (l *Ledger) Start(tx Transaction) Transaction {
	tx.Status = TxStarted
	if tx.StartTime.IsZero() {
		tx.StartTime = l.clock()
	}

	l.mu.Lock()
	l.items = append([]Transaction{tx}, l.items...)
	if len(l.items) > RecentCapacity {
		l.items = l.items[:RecentCapacity]
	}
	l.persistLocked()
	l.mu.Unlock()

	return tx
}

// Stop completes the open transaction with the given id, computing energy,
// cost and efficiency. Start fields are never overwritten.
func (l *Ledger) Stop(id string, meterStop int64, stopTime time.Time) (Transaction, error) {
	if stopTime.IsZero() {
		stopTime = l.clock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID != id {
			continue
		}
		tx := &l.items[i]

		energyWh := meterStop - tx.MeterStart
		if energyWh < 0 {
			energyWh = 0
		}

		tx.StopTime = &stopTime
		tx.MeterStop = &meterStop
		tx.Status = TxCompleted
		tx.EnergyWh = energyWh
		tx.Cost = float64(energyWh) / 1000 * l.tariff
		tx.EfficiencyPct = l.efficiency(energyWh, tx.StartTime, stopTime)

		l.persistLocked()
		return *tx, nil
	}

	return Transaction{}, ErrUnknownTransaction
}

// efficiency compares delivered energy against what the rated connector power
// could have delivered over the elapsed time, clamped to 0..100. Non-finite
// intermediate results (zero elapsed time) collapse to 0.
func (l *Ledger) efficiency(energyWh int64, start, stop time.Time) float64 {
	elapsedHours := stop.Sub(start).Hours()
	expectedMaxKWh := elapsedHours * l.maxPowerKW
	ratio := float64(energyWh) / 1000 / expectedMaxKWh * 100
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	if ratio < 0 {
		return 0
	}
	if ratio > 100 {
		return 100
	}
	return ratio
}

// Find returns the transaction with the given id, if retained.
func (l *Ledger) Find(id string) (Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.items {
		if tx.ID == id {
			return tx, true
		}
	}
	return Transaction{}, false
}

// Recent returns a copy of the list, most recent first.
func (l *Ledger) Recent() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Ledger) persistLocked() {
	if l.snapshot == nil {
		return
	}
	list := make([]Transaction, len(l.items))
	copy(list, l.items)
	if err := l.snapshot.Save(list); err != nil {
		l.logger.Warn("persist recent transactions failed", zap.Error(err))
	}
}
