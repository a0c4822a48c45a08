package store

import (
	"sync"
)

// Detector Weights
//
// Per-detector weight rows seeded from detector metadata at startup and
// adjusted only by the learning workers. Readers take a snapshot value;
// writers hold the table lock briefly.

// WeightAdjustStep bounds how far one adjustment can move a weight.
const WeightAdjustStep = 0.05

// weight floor and ceiling relative to base
const (
	minWeightFactor = 0.25
	maxWeightFactor = 2.0
)

// DetectorWeight carries the live weight and the rolling confusion matrix
// for one detector.
type DetectorWeight struct {
	Name          string
	BaseWeight    float64
	CurrentWeight float64
	TruePositive  int64
	FalsePositive int64
	TrueNegative  int64
	FalseNegative int64
	AutoAdjust    bool
}

// Precision of the detector's bot calls so far; 0 when it has made none.
func (w DetectorWeight) Precision() float64 {
	total := w.TruePositive + w.FalsePositive
	if total == 0 {
		return 0
	}
	return float64(w.TruePositive) / float64(total)
}

// Weights is the detector weight table.
type Weights struct {
	mu   sync.RWMutex
	rows map[string]*DetectorWeight
}

func NewWeights() *Weights {
	return &Weights{rows: make(map[string]*DetectorWeight)}
}

// Register seeds a detector's row. Re-registering keeps the learned current
// weight and counters.
func (w *Weights) Register(name string, baseWeight float64, autoAdjust bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if row, ok := w.rows[name]; ok {
		row.BaseWeight = baseWeight
		row.AutoAdjust = autoAdjust
		return
	}
	w.rows[name] = &DetectorWeight{
		Name:          name,
		BaseWeight:    baseWeight,
		CurrentWeight: baseWeight,
		AutoAdjust:    autoAdjust,
	}
}

// Seed restores a persisted row wholesale, bypassing the adjustment step
// cap. Only called at startup, before any traffic.
func (w *Weights) Seed(row DetectorWeight) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := row
	w.rows[row.Name] = &cp
}

// Current returns the live weight, falling back to 1.0 for unknown names so
// an unregistered detector still contributes at face value.
func (w *Weights) Current(name string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if row, ok := w.rows[name]; ok {
		return row.CurrentWeight
	}
	return 1.0
}

// Get copies a row.
func (w *Weights) Get(name string) (DetectorWeight, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	row, ok := w.rows[name]
	if !ok {
		return DetectorWeight{}, false
	}
	return *row, true
}

// RecordOutcome updates the confusion matrix for one detector given whether
// the detector leaned bot and what the ground truth (or consensus) was.
func (w *Weights) RecordOutcome(name string, calledBot, wasBot bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	row, ok := w.rows[name]
	if !ok {
		return
	}
	switch {
	case calledBot && wasBot:
		row.TruePositive++
	case calledBot && !wasBot:
		row.FalsePositive++
	case !calledBot && wasBot:
		row.FalseNegative++
	default:
		row.TrueNegative++
	}
}

// Adjust nudges the current weight by delta, clamped to a step and to a
// band around the base weight. No-op when autoAdjust is off.
func (w *Weights) Adjust(name string, delta float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	row, ok := w.rows[name]
	if !ok || !row.AutoAdjust {
		return
	}
	if delta > WeightAdjustStep {
		delta = WeightAdjustStep
	}
	if delta < -WeightAdjustStep {
		delta = -WeightAdjustStep
	}
	next := row.CurrentWeight + delta
	lo := row.BaseWeight * minWeightFactor
	hi := row.BaseWeight * maxWeightFactor
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	row.CurrentWeight = next
}

// Snapshot copies every row, sorted output is the caller's concern.
func (w *Weights) Snapshot() []DetectorWeight {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]DetectorWeight, 0, len(w.rows))
	for _, row := range w.rows {
		out = append(out, *row)
	}
	return out
}
