package history

import (
	"container/list"
	"sync"
	"time"
)

// Behavioral History Tracker
//
// Long-lived, per-signature behavioral state keyed by the primary
// signature hash. Each record is bounded (ring buffers for timestamps and
// route templates), updates are append-only under a per-record lock, and
// the whole table is LRU-evicted. Eviction is non-destructive: the next
// sighting of an evicted signature simply re-creates an empty record.
//
// Cohort baselines aggregate route-transition counts across signatures in
// the same cohort (datacenter × returning × cluster). Baselines decay on a
// fixed cadence so stale traffic shapes age out.

// Config tunes the tracker. Zero values fall back to defaults.
type Config struct {
	MaxEntries  int     // LRU capacity (default 100_000)
	RingSize    int     // last-N timestamps and routes (default 48)
	EMAAlpha    float64 // smoothing for probability/confidence EMAs (default 0.2)
	ReturningAt int64   // hit count at which a signature counts as returning (default 2)
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 100_000
	}
	if c.RingSize <= 0 {
		c.RingSize = 48
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		c.EMAAlpha = 0.2
	}
	if c.ReturningAt <= 0 {
		c.ReturningAt = 2
	}
	return c
}

// Snapshot is the read-only view handed to detectors. It is computed once
// per request and safe to read without locks.
type Snapshot struct {
	HitCount           int64
	FirstSeen          time.Time
	LastSeen           time.Time
	Returning          bool
	RequestsLastMinute int
	RequestsLastHour   int
	EMABotProbability  float64
	EMAConfidence      float64
	IsKnownBot         bool
	VerifiedIdentity   string
	RecentRoutes       []string
	CohortKey          string
	Drift              DriftSignals
}

type record struct {
	mu         sync.Mutex
	hitCount   int64
	firstSeen  time.Time
	lastSeen   time.Time
	timestamps []time.Time // ring
	routes     []string    // ring
	tsHead     int
	tsLen      int
	rtHead     int
	rtLen      int
	emaProb    float64
	emaConf    float64
	emaInit    bool
	knownBot   bool
	verifiedAs string
	cohortKey  string
	elem       *list.Element
}

type cohortBaseline struct {
	transitions map[transition]float64
	total       float64
}

// Tracker owns all per-signature records and cohort baselines.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record
	lru     *list.List // front = most recent

	cohortMu sync.RWMutex
	cohorts  map[string]*cohortBaseline
}

// NewTracker builds an empty tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*record),
		lru:     list.New(),
		cohorts: make(map[string]*cohortBaseline),
	}
}

// CohortKeyFor builds the baseline grouping key. The cluster dimension is
// optional and empty when no clusterer is registered.
func CohortKeyFor(datacenter, returning bool, clusterID string) string {
	key := "residential"
	if datacenter {
		key = "datacenter"
	}
	if returning {
		key += "-returning"
	} else {
		key += "-new"
	}
	if clusterID != "" {
		key += "-" + clusterID
	}
	return key
}

// Touch records a sighting of the signature (timestamp + route template)
// and returns the resulting snapshot including drift signals. Constant
// time and append-only under the per-record lock.
func (t *Tracker) Touch(primary string, ts time.Time, path string, datacenter bool, clusterID string) Snapshot {
	rec := t.getOrCreate(primary)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.hitCount == 0 {
		rec.firstSeen = ts
		rec.timestamps = make([]time.Time, t.cfg.RingSize)
		rec.routes = make([]string, t.cfg.RingSize)
	}
	rec.hitCount++
	rec.lastSeen = ts

	rec.pushTimestamp(ts, t.cfg.RingSize)
	rec.pushRoute(NormalizeRoute(path), t.cfg.RingSize)

	returning := rec.hitCount >= t.cfg.ReturningAt
	rec.cohortKey = CohortKeyFor(datacenter, returning, clusterID)

	return t.snapshotLocked(rec, ts, returning)
}

// Snapshot returns the current state without recording a sighting. Unknown
// signatures yield a zero snapshot.
func (t *Tracker) Snapshot(primary string, now time.Time) Snapshot {
	t.mu.Lock()
	rec, ok := t.records[primary]
	if ok {
		t.lru.MoveToFront(rec.elem)
	}
	t.mu.Unlock()
	if !ok {
		return Snapshot{}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return t.snapshotLocked(rec, now, rec.hitCount >= t.cfg.ReturningAt)
}

// RecordOutcome folds a completed detection back into the record's EMAs
// and the cohort baseline.
func (t *Tracker) RecordOutcome(primary string, botProbability, confidence float64, knownBot bool, verifiedAs string) {
	t.mu.Lock()
	rec, ok := t.records[primary]
	t.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	alpha := t.cfg.EMAAlpha
	if !rec.emaInit {
		rec.emaProb = botProbability
		rec.emaConf = confidence
		rec.emaInit = true
	} else {
		rec.emaProb = alpha*botProbability + (1-alpha)*rec.emaProb
		rec.emaConf = alpha*confidence + (1-alpha)*rec.emaConf
	}
	if knownBot {
		rec.knownBot = true
	}
	if verifiedAs != "" {
		rec.verifiedAs = verifiedAs
	}
	routes := rec.recentRoutes()
	cohortKey := rec.cohortKey
	rec.mu.Unlock()

	// Human-leaning traffic feeds the cohort baseline; confident bot
	// traffic would poison the "normal" shape.
	if botProbability < 0.5 {
		t.feedBaseline(cohortKey, routes)
	}
}

// DecayBaselines halves every cohort transition count. Intended to run on
// a slow cadence from a background worker.
func (t *Tracker) DecayBaselines() {
	t.cohortMu.Lock()
	defer t.cohortMu.Unlock()
	for key, cb := range t.cohorts {
		cb.total = 0
		for tr, c := range cb.transitions {
			c /= 2
			if c < 0.01 {
				delete(cb.transitions, tr)
				continue
			}
			cb.transitions[tr] = c
			cb.total += c
		}
		if len(cb.transitions) == 0 {
			delete(t.cohorts, key)
		}
	}
}

// Len returns the number of tracked signatures.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) getOrCreate(primary string) *record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[primary]; ok {
		t.lru.MoveToFront(rec.elem)
		return rec
	}

	rec := &record{}
	rec.elem = t.lru.PushFront(primary)
	t.records[primary] = rec

	for len(t.records) > t.cfg.MaxEntries {
		oldest := t.lru.Back()
		if oldest == nil {
			break
		}
		t.lru.Remove(oldest)
		delete(t.records, oldest.Value.(string))
	}

	return rec
}

func (t *Tracker) snapshotLocked(rec *record, now time.Time, returning bool) Snapshot {
	snap := Snapshot{
		HitCount:          rec.hitCount,
		FirstSeen:         rec.firstSeen,
		LastSeen:          rec.lastSeen,
		Returning:         returning,
		EMABotProbability: rec.emaProb,
		EMAConfidence:     rec.emaConf,
		IsKnownBot:        rec.knownBot,
		VerifiedIdentity:  rec.verifiedAs,
		RecentRoutes:      rec.recentRoutes(),
		CohortKey:         rec.cohortKey,
	}

	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)
	for i := 0; i < rec.tsLen; i++ {
		ts := rec.timestamps[(rec.tsHead+i)%len(rec.timestamps)]
		if ts.After(hourAgo) {
			snap.RequestsLastHour++
		}
		if ts.After(minuteAgo) {
			snap.RequestsLastMinute++
		}
	}

	snap.Drift = computeDrift(snap.RecentRoutes, t.baselineFor(rec.cohortKey))
	return snap
}

func (t *Tracker) baselineFor(cohortKey string) map[transition]float64 {
	if cohortKey == "" {
		return nil
	}
	t.cohortMu.RLock()
	defer t.cohortMu.RUnlock()
	cb, ok := t.cohorts[cohortKey]
	if !ok || cb.total == 0 {
		return nil
	}
	dist := make(map[transition]float64, len(cb.transitions))
	for tr, c := range cb.transitions {
		dist[tr] = c / cb.total
	}
	return dist
}

func (t *Tracker) feedBaseline(cohortKey string, routes []string) {
	if cohortKey == "" {
		return
	}
	ts := transitionsOf(routes)
	if len(ts) == 0 {
		return
	}
	t.cohortMu.Lock()
	defer t.cohortMu.Unlock()
	cb, ok := t.cohorts[cohortKey]
	if !ok {
		cb = &cohortBaseline{transitions: make(map[transition]float64)}
		t.cohorts[cohortKey] = cb
	}
	// Only the newest transition per request; the older ones were fed on
	// previous outcomes.
	last := ts[len(ts)-1]
	cb.transitions[last]++
	cb.total++
}

// ring helpers — fixed capacity, overwrite oldest.

func (r *record) pushTimestamp(ts time.Time, size int) {
	if r.tsLen < size {
		r.timestamps[(r.tsHead+r.tsLen)%size] = ts
		r.tsLen++
		return
	}
	r.timestamps[r.tsHead] = ts
	r.tsHead = (r.tsHead + 1) % size
}

func (r *record) pushRoute(route string, size int) {
	if r.rtLen < size {
		r.routes[(r.rtHead+r.rtLen)%size] = route
		r.rtLen++
		return
	}
	r.routes[r.rtHead] = route
	r.rtHead = (r.rtHead + 1) % size
}

func (r *record) recentRoutes() []string {
	if r.rtLen == 0 {
		return nil
	}
	out := make([]string, r.rtLen)
	for i := 0; i < r.rtLen; i++ {
		out[i] = r.routes[(r.rtHead+i)%len(r.routes)]
	}
	return out
}
