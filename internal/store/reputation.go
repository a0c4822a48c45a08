package store

import (
	"math"
	"sync"
	"time"
)

// Pattern Reputation
//
// Keyed by (pattern type, pattern hash). Counters decay exponentially with
// a configurable half-life; decay is lazy, applied when a row is read or
// written, so idle rows cost nothing. Pattern strings are always signature
// hashes, never raw values.

// DefaultHalfLife is how long it takes an untouched pattern's counters to
// halve.
const DefaultHalfLife = 6 * time.Hour

// DirtyThreshold marks a pattern dirty once its decayed bot share crosses it.
const DirtyThreshold = 0.7

// minOccurrences below which a row is dropped instead of decayed further.
const minOccurrences = 0.01

// PatternReputation is one row of the reputation table.
type PatternReputation struct {
	PatternType    string
	Pattern        string
	Occurrences    float64
	BotOccurrences float64
	DirtyScore     float64
	IsDirty        bool
	LastUpdated    time.Time
}

type reputationKey struct {
	typ     string
	pattern string
}

// Reputation is the in-memory pattern reputation table.
type Reputation struct {
	mu       sync.RWMutex
	rows     map[reputationKey]*PatternReputation
	halfLife time.Duration
	now      func() time.Time
}

func NewReputation(halfLife time.Duration) *Reputation {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Reputation{
		rows:     make(map[reputationKey]*PatternReputation),
		halfLife: halfLife,
		now:      time.Now,
	}
}

// DecayValue applies exponential half-life decay to a counter. Composes:
// decaying by d1 then d2 equals decaying by d1+d2.
func DecayValue(v float64, elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return v
	}
	return v * math.Exp2(-float64(elapsed)/float64(halfLife))
}

func (r *Reputation) decayLocked(row *PatternReputation, now time.Time) {
	elapsed := now.Sub(row.LastUpdated)
	if elapsed <= 0 {
		return
	}
	row.Occurrences = DecayValue(row.Occurrences, elapsed, r.halfLife)
	row.BotOccurrences = DecayValue(row.BotOccurrences, elapsed, r.halfLife)
	row.LastUpdated = now
	if row.Occurrences > 0 {
		row.DirtyScore = row.BotOccurrences / row.Occurrences
	} else {
		row.DirtyScore = 0
	}
	row.IsDirty = row.DirtyScore >= DirtyThreshold
}

// Observe records one sighting of a pattern. Idempotence across retries is
// approximate: duplicate writes shift counters, not classification.
func (r *Reputation) Observe(patternType, pattern string, isBot bool) {
	if pattern == "" {
		return
	}
	now := r.now()
	key := reputationKey{patternType, pattern}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[key]
	if !ok {
		row = &PatternReputation{PatternType: patternType, Pattern: pattern, LastUpdated: now}
		r.rows[key] = row
	}
	r.decayLocked(row, now)
	row.Occurrences++
	if isBot {
		row.BotOccurrences++
	}
	row.DirtyScore = row.BotOccurrences / row.Occurrences
	row.IsDirty = row.DirtyScore >= DirtyThreshold
}

// Seed installs a row directly, used for warm-start from persistence.
func (r *Reputation) Seed(row PatternReputation) {
	if row.Pattern == "" {
		return
	}
	if row.LastUpdated.IsZero() {
		row.LastUpdated = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := row
	r.rows[reputationKey{row.PatternType, row.Pattern}] = &copied
}

// PatternReputation returns the decayed dirty score for a pattern. Satisfies
// the detector-side reputation interface.
func (r *Reputation) PatternReputation(patternType, pattern string) (float64, bool) {
	now := r.now()
	key := reputationKey{patternType, pattern}

	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[key]
	if !ok {
		return 0, false
	}
	r.decayLocked(row, now)
	if row.Occurrences < minOccurrences {
		delete(r.rows, key)
		return 0, false
	}
	return row.DirtyScore, row.IsDirty
}

// Snapshot copies all live rows after decaying them, for persistence and
// the admin API.
func (r *Reputation) Snapshot() []PatternReputation {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PatternReputation, 0, len(r.rows))
	for key, row := range r.rows {
		r.decayLocked(row, now)
		if row.Occurrences < minOccurrences {
			delete(r.rows, key)
			continue
		}
		out = append(out, *row)
	}
	return out
}

// Len reports live row count without decaying.
func (r *Reputation) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
