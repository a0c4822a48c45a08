package detectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rawblock/botwall/internal/history"
	"github.com/rawblock/botwall/pkg/models"
)

// Detector Contract
//
// A detector is a single unit of inspection: it reads the request features,
// the signature bundle, the signals declared as its inputs, and the
// behavioral snapshot, and returns at most one contribution plus any
// signals it wants to publish. Detectors in the same wave run in parallel
// and must be pure with respect to the blackboard — all writes go through
// the orchestrator.

// Metadata describes a detector to the registry and the scheduler.
type Metadata struct {
	Name     string
	Category models.DetectorCategory
	// Wave is the default priority wave; detection policies may re-bucket.
	Wave          int
	DefaultWeight float64
	// Critical detectors abort the whole request on fatal error instead of
	// being counted in failedDetectors.
	Critical bool
	// Declared signal keys. A detector reading an undeclared key gets the
	// zero value at runtime.
	Inputs  []string
	Outputs []string
}

// SignalReader is the restricted signal view a detector evaluates against.
// Reads outside the detector's declared inputs return zero values.
type SignalReader interface {
	Bool(key string) bool
	Float(key string) float64
	String(key string) string
	Has(key string) bool
}

// Input bundles everything a detector may look at.
type Input struct {
	Features   *models.RequestFeatures
	Signatures models.Signatures
	Signals    SignalReader
	History    history.Snapshot
}

// Result is one detector's output. HasContribution false means the
// detector declined to vote (signals may still be published).
type Result struct {
	HasContribution bool
	Delta           float64 // [-1, +1]; positive = towards bot
	Reason          string

	Signals map[string]any

	SuggestedBotType models.BotType
	SuggestedBotName string
}

// Contribute builds a voting result.
func Contribute(delta float64, reason string) Result {
	return Result{HasContribution: true, Delta: delta, Reason: reason}
}

// NoContribution is the explicit fail-fast result.
func NoContribution() Result { return Result{} }

// Detector is the polymorphic detection unit.
type Detector interface {
	Metadata() Metadata
	Evaluate(ctx context.Context, in *Input) (Result, error)
}

// Registry holds all registered detectors, ordered by (wave, registration
// order). Registration is startup-time; reads are lock-free afterwards in
// practice but guarded anyway for plug-in late registration.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Detector
	ordered  []Detector
	regOrder map[string]int
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]Detector),
		regOrder: make(map[string]int),
	}
}

// Register adds a detector. Duplicate names are a configuration error.
func (r *Registry) Register(d Detector) error {
	meta := d.Metadata()
	if meta.Name == "" {
		return fmt.Errorf("detector has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[meta.Name]; exists {
		return fmt.Errorf("detector %q already registered", meta.Name)
	}
	r.regOrder[meta.Name] = len(r.byName)
	r.byName[meta.Name] = d
	r.ordered = append(r.ordered, d)

	sort.SliceStable(r.ordered, func(i, j int) bool {
		mi, mj := r.ordered[i].Metadata(), r.ordered[j].Metadata()
		if mi.Wave != mj.Wave {
			return mi.Wave < mj.Wave
		}
		return r.regOrder[mi.Name] < r.regOrder[mj.Name]
	})
	return nil
}

// Get returns a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// All returns every detector ordered by (wave, registration order).
func (r *Registry) All() []Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Detector, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns the registered detector names in schedule order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Metadata().Name
	}
	return names
}

// DefaultWaves groups the registered detectors into wave buckets, used
// when a detection policy does not spell out explicit waves.
func (r *Registry) DefaultWaves() [][]string {
	all := r.All()
	var waves [][]string
	lastWave := -1
	for _, d := range all {
		meta := d.Metadata()
		if meta.Wave != lastWave {
			waves = append(waves, nil)
			lastWave = meta.Wave
		}
		waves[len(waves)-1] = append(waves[len(waves)-1], meta.Name)
	}
	return waves
}
