package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"voltcore/internal/ocpp/protocol"
)

const energyMeasurand = "Energy.Active.Import.Register"

// EnergySample is one cumulative energy reading extracted from a MeterValues
// payload.
type EnergySample struct {
	Timestamp time.Time
	ValueWh   float64
}

// meterShape tags which payload variant a MeterValues request used.
type meterShape int

const (
	shapeNone meterShape = iota
	// shapeNested is the standard meterValue -> sampledValue array form.
	shapeNested
	// shapeFlat carries the cumulative reading as a bare number in either
	// the meterValue or value field.
	shapeFlat
)

// ExtractEnergySamples decodes the energy-register readings from a
// MeterValues request. Non-conformant devices send several shapes; the
// variant is resolved once here rather than scattered through the handler.
func ExtractEnergySamples(req protocol.MeterValuesRequest) []EnergySample {
	shape, nested, flat := classify(req)

	switch shape {
	case shapeNested:
		var samples []EnergySample
		for _, mv := range nested {
			for _, sv := range mv.SampledValue {
				if !isEnergyRegister(sv.Measurand) {
					continue
				}
				value, err := strconv.ParseFloat(strings.TrimSpace(sv.Value), 64)
				if err != nil {
					continue
				}
				samples = append(samples, EnergySample{Timestamp: mv.Timestamp, ValueWh: value})
			}
		}
		return samples
	case shapeFlat:
		return []EnergySample{{Timestamp: req.Timestamp, ValueWh: flat}}
	default:
		return nil
	}
}

func classify(req protocol.MeterValuesRequest) (meterShape, []protocol.MeterValue, float64) {
	if len(req.MeterValue) > 0 {
		var nested []protocol.MeterValue
		if err := json.Unmarshal(req.MeterValue, &nested); err == nil && len(nested) > 0 {
			return shapeNested, nested, 0
		}
		var flat float64
		if err := json.Unmarshal(req.MeterValue, &flat); err == nil {
			return shapeFlat, nil, flat
		}
	}
	if len(req.Value) > 0 {
		var flat float64
		if err := json.Unmarshal(req.Value, &flat); err == nil {
			return shapeFlat, nil, flat
		}
	}
	return shapeNone, nil, 0
}

// isEnergyRegister treats a missing measurand as the energy register, the
// OCPP default.
func isEnergyRegister(measurand string) bool {
	return measurand == "" || measurand == energyMeasurand
}

type meterKey struct {
	deviceID      string
	connectorID   int
	transactionID string
}

// MeterTracker computes deltas against the last-seen cumulative reading per
// (device, connector, transaction) and applies a single global broadcast
// throttle to bound event-bus load under high-frequency reporting.
type MeterTracker struct {
	mu            sync.Mutex
	last          map[meterKey]float64
	lastBroadcast time.Time
	minInterval   time.Duration
	clock         func() time.Time
}

// NewMeterTracker returns a tracker with the given minimum broadcast gap.
func NewMeterTracker(minInterval time.Duration) *MeterTracker {
	return &MeterTracker{
		last:        make(map[meterKey]float64),
		minInterval: minInterval,
		clock:       time.Now,
	}
}

// Observe records a cumulative reading and reports whether a delta event
// should be broadcast. The first reading for a key only establishes the
// baseline. A zero delta or a reading inside the throttle window is
// swallowed.
func (t *MeterTracker) Observe(deviceID string, connectorID int, transactionID string, cumulativeWh float64) (float64, bool) {
	key := meterKey{deviceID: deviceID, connectorID: connectorID, transactionID: transactionID}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[key]
	t.last[key] = cumulativeWh
	if !seen {
		return 0, false
	}

	delta := cumulativeWh - prev
	if delta == 0 {
		return 0, false
	}

	now := t.clock()
	if !t.lastBroadcast.IsZero() && now.Sub(t.lastBroadcast) < t.minInterval {
		return delta, false
	}
	t.lastBroadcast = now
	return delta, true
}

// Forget drops the baseline for a finished transaction.
func (t *MeterTracker) Forget(deviceID string, connectorID int, transactionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, meterKey{deviceID: deviceID, connectorID: connectorID, transactionID: transactionID})
}
