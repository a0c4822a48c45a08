package blackboard

import (
	"math"
	"sync"
	"time"

	"github.com/rawblock/botwall/pkg/models"
)

// Per-Request Blackboard
//
// Working memory shared by every detector that evaluates one request.
// Detectors publish signals and contributions here; the orchestrator reads
// the running score at each wave barrier. Writes go through guarded append
// operations so a whole wave can run in parallel.
//
// Signal semantics: first-writer-wins per key. A detector may overwrite a
// key only if it wrote it first (it owns the key). Contributions are
// append-only and never rewritten.

// Phase is the request-lifecycle state. Transitions are driven by the
// orchestrator; detectors never touch it.
type Phase string

const (
	PhaseCreated         Phase = "CREATED"
	PhaseSignaturesBuilt Phase = "SIGNATURES_BUILT"
	PhaseCachedVerdict   Phase = "CACHED_VERDICT"
	PhaseFastPathDone    Phase = "FAST_PATH_DONE"
	PhaseWaveInProgress  Phase = "WAVE_IN_PROGRESS"
	PhaseWaveDone        Phase = "WAVE_DONE"
	PhaseAggregated      Phase = "AGGREGATED"
	PhaseActionSelected  Phase = "ACTION_SELECTED"
	PhaseEmitted         Phase = "EMITTED"
	PhaseAborted         Phase = "ABORTED"
	PhaseFailed          Phase = "FAILED"
)

type signalEntry struct {
	value any
	owner string
}

// Blackboard is the per-request working memory.
type Blackboard struct {
	Features   *models.RequestFeatures
	Signatures models.Signatures

	mu            sync.RWMutex
	phase         Phase
	signals       map[string]signalEntry
	contributions []models.Contribution
	completed     map[string]bool
	failed        map[string]bool
	omitted       map[string]bool
	started       time.Time
}

// New creates a blackboard for one request.
func New(features *models.RequestFeatures, sigs models.Signatures) *Blackboard {
	return &Blackboard{
		Features:   features,
		Signatures: sigs,
		phase:      PhaseCreated,
		signals:    make(map[string]signalEntry),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		omitted:    make(map[string]bool),
		started:    time.Now(),
	}
}

// SetPhase records a lifecycle transition. Terminal phases stick.
func (b *Blackboard) SetPhase(p Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == PhaseEmitted || b.phase == PhaseAborted || b.phase == PhaseFailed {
		return
	}
	b.phase = p
}

// CurrentPhase returns the lifecycle state.
func (b *Blackboard) CurrentPhase() Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

// SetSignal publishes a signal under first-writer-wins semantics.
// Returns true if the value was written (new key, or caller owns the key).
func (b *Blackboard) SetSignal(detector, key string, value any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.signals[key]; ok && existing.owner != detector {
		return false
	}
	b.signals[key] = signalEntry{value: value, owner: detector}
	return true
}

// Signal returns the raw value for a key.
func (b *Blackboard) Signal(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.signals[key]
	return e.value, ok
}

// SignalBool returns a boolean signal; absent or mistyped keys yield false.
func (b *Blackboard) SignalBool(key string) bool {
	v, ok := b.Signal(key)
	if !ok {
		return false
	}
	bv, _ := v.(bool)
	return bv
}

// SignalFloat returns a numeric signal; absent or mistyped keys yield 0.
func (b *Blackboard) SignalFloat(key string) float64 {
	v, ok := b.Signal(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// SignalString returns a string signal; absent or mistyped keys yield "".
func (b *Blackboard) SignalString(key string) string {
	v, ok := b.Signal(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Signals returns a copy of the signal map.
func (b *Blackboard) Signals() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.signals))
	for k, e := range b.signals {
		out[k] = e.value
	}
	return out
}

// AddContribution appends a detector contribution. The delta is clamped to
// [-1, +1] and Effective is always recomputed here — callers cannot smuggle
// a mismatched effective value past the fusion step.
func (b *Blackboard) AddContribution(c models.Contribution) {
	c.ConfidenceDelta = clamp(c.ConfidenceDelta, -1, 1)
	if c.Weight < 0 {
		c.Weight = 0
	}
	c.Effective = c.ConfidenceDelta * c.Weight

	b.mu.Lock()
	defer b.mu.Unlock()
	b.contributions = append(b.contributions, c)
}

// Contributions returns a copy of all contributions so far.
func (b *Blackboard) Contributions() []models.Contribution {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Contribution, len(b.contributions))
	copy(out, b.contributions)
	return out
}

// RawScore is the running sum of effective contributions.
func (b *Blackboard) RawScore() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := 0.0
	for _, c := range b.contributions {
		sum += c.Effective
	}
	return sum
}

// MarkCompleted records a detector that finished evaluation.
func (b *Blackboard) MarkCompleted(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed[name] = true
}

// MarkFailed records a detector that errored or timed out mid-run.
func (b *Blackboard) MarkFailed(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed[name] = true
	delete(b.completed, name)
}

// MarkOmitted records a detector that was never started (budget exhausted
// or early exit). Omitted is distinct from failed by contract.
func (b *Blackboard) MarkOmitted(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.completed[name] && !b.failed[name] {
		b.omitted[name] = true
	}
}

// CompletedDetectors returns the set of detectors that finished.
func (b *Blackboard) CompletedDetectors() []string { return b.setSnapshot(&b.completed) }

// FailedDetectors returns the set of detectors that failed.
func (b *Blackboard) FailedDetectors() []string { return b.setSnapshot(&b.failed) }

// OmittedDetectors returns the set of detectors that never ran.
func (b *Blackboard) OmittedDetectors() []string { return b.setSnapshot(&b.omitted) }

func (b *Blackboard) setSnapshot(set *map[string]bool) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(*set))
	for name := range *set {
		out = append(out, name)
	}
	return out
}

// ElapsedMs is wall time since the blackboard was created.
func (b *Blackboard) ElapsedMs() float64 {
	return float64(time.Since(b.started).Microseconds()) / 1000.0
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
