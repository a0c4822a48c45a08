package history

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/products/42", "/products/{id}"},
		{"/products/42/reviews/7", "/products/{id}/reviews/{id}"},
		{"/Users/ALICE", "/users/alice"},
		{"/session/550e8400-e29b-41d4-a716-446655440000", "/session/{id}"},
		{"/tx/a3f9c2d8e1b04567a3f9c2d8e1b04567", "/tx/{id}"},
		{"/search?q=bots", "/search"},
		{"/a/b/c/d/e/f/g", "/a/b/c/d/e"},
	}
	for _, tt := range tests {
		if got := NormalizeRoute(tt.in); got != tt.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTouch_RatesAndReturning(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()

	var snap Snapshot
	for i := 0; i < 20; i++ {
		snap = tr.Touch("sig-a", now.Add(time.Duration(i)*time.Second), "/", false, "")
	}

	if snap.HitCount != 20 {
		t.Errorf("hit count = %d, want 20", snap.HitCount)
	}
	if !snap.Returning {
		t.Errorf("20 hits must count as returning")
	}
	if snap.RequestsLastMinute != 20 {
		t.Errorf("requests last minute = %d, want 20", snap.RequestsLastMinute)
	}

	// First sighting of a different signature is not returning.
	first := tr.Touch("sig-b", now, "/", false, "")
	if first.Returning {
		t.Errorf("first sighting must not be returning")
	}
	if first.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", first.HitCount)
	}
}

func TestRingBuffer_Bounded(t *testing.T) {
	tr := NewTracker(Config{RingSize: 8})
	now := time.Now()

	for i := 0; i < 100; i++ {
		tr.Touch("sig", now.Add(time.Duration(i)*time.Second), fmt.Sprintf("/page%d", i), false, "")
	}

	snap := tr.Snapshot("sig", now.Add(200*time.Second))
	if len(snap.RecentRoutes) != 8 {
		t.Fatalf("ring must hold exactly 8 routes, got %d", len(snap.RecentRoutes))
	}
	// Oldest retained entry is /page92.
	if snap.RecentRoutes[0] != "/page92" {
		t.Errorf("ring head = %q, want /page92", snap.RecentRoutes[0])
	}
	if snap.RecentRoutes[7] != "/page99" {
		t.Errorf("ring tail = %q, want /page99", snap.RecentRoutes[7])
	}
}

func TestEMA_Update(t *testing.T) {
	tr := NewTracker(Config{EMAAlpha: 0.5})
	now := time.Now()
	tr.Touch("sig", now, "/", false, "")

	tr.RecordOutcome("sig", 1.0, 0.8, false, "")
	tr.RecordOutcome("sig", 0.0, 0.4, false, "")

	snap := tr.Snapshot("sig", now)
	if math.Abs(snap.EMABotProbability-0.5) > 1e-9 {
		t.Errorf("EMA prob = %v, want 0.5", snap.EMABotProbability)
	}
	if math.Abs(snap.EMAConfidence-0.6) > 1e-9 {
		t.Errorf("EMA conf = %v, want 0.6", snap.EMAConfidence)
	}
}

func TestLRUEviction_NonDestructive(t *testing.T) {
	tr := NewTracker(Config{MaxEntries: 3})
	now := time.Now()

	for i := 0; i < 5; i++ {
		tr.Touch(fmt.Sprintf("sig-%d", i), now, "/", false, "")
	}

	if tr.Len() != 3 {
		t.Errorf("tracker len = %d, want 3", tr.Len())
	}

	// sig-0 was evicted; the next sighting re-creates a fresh record.
	snap := tr.Touch("sig-0", now, "/", false, "")
	if snap.HitCount != 1 {
		t.Errorf("re-created record hit count = %d, want 1", snap.HitCount)
	}
}

func TestCohortKeyFor(t *testing.T) {
	tests := []struct {
		dc        bool
		returning bool
		cluster   string
		want      string
	}{
		{false, false, "", "residential-new"},
		{true, false, "", "datacenter-new"},
		{false, true, "", "residential-returning"},
		{true, true, "c7", "datacenter-returning-c7"},
	}
	for _, tt := range tests {
		if got := CohortKeyFor(tt.dc, tt.returning, tt.cluster); got != tt.want {
			t.Errorf("CohortKeyFor(%v,%v,%q) = %q, want %q", tt.dc, tt.returning, tt.cluster, got, tt.want)
		}
	}
}

func TestDrift_LoopingClientScoresHigh(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()

	// A tight polling loop: the same template over and over.
	var snap Snapshot
	for i := 0; i < 12; i++ {
		snap = tr.Touch("looper", now.Add(time.Duration(i)*time.Second), "/api/status", false, "")
	}

	if !snap.Drift.Valid {
		t.Fatalf("12 sightings must produce valid drift signals")
	}
	if snap.Drift.LoopScore < 0.9 {
		t.Errorf("loop score = %v, want ≈ 1.0 for a pure polling loop", snap.Drift.LoopScore)
	}
}

func TestDrift_DivergesFromCohortBaseline(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()

	// Build a cohort baseline from human-looking browsing on other sigs.
	humanWalk := []string{"/", "/products", "/products/1", "/cart", "/checkout"}
	for s := 0; s < 10; s++ {
		sig := fmt.Sprintf("human-%d", s)
		for i, p := range humanWalk {
			tr.Touch(sig, now.Add(time.Duration(i)*time.Second), p, false, "")
			tr.RecordOutcome(sig, 0.1, 0.8, false, "")
		}
	}

	// A scanner in the same cohort visits completely different routes.
	scannerPaths := []string{"/wp-login.php", "/.git/HEAD", "/.env", "/phpmyadmin", "/.aws/credentials", "/backup.sql"}
	var snap Snapshot
	for i, p := range scannerPaths {
		snap = tr.Touch("scanner", now.Add(time.Duration(i)*time.Second), p, false, "")
	}

	if !snap.Drift.Valid {
		t.Fatalf("scanner walk must produce valid drift")
	}
	if snap.Drift.Novelty < 0.9 {
		t.Errorf("novelty = %v, want ≈ 1.0 for routes unseen in baseline", snap.Drift.Novelty)
	}
	if snap.Drift.SequenceSurprise < 8 {
		t.Errorf("sequence surprise = %v, want high for unseen transitions", snap.Drift.SequenceSurprise)
	}
}

func TestJSDivergence_Bounds(t *testing.T) {
	p := distributionOf([]transition{{"/a", "/b"}, {"/b", "/a"}})
	q := distributionOf([]transition{{"/x", "/y"}, {"/y", "/x"}})

	if d := jsDivergence(p, p); math.Abs(d) > 1e-9 {
		t.Errorf("JSD(p,p) = %v, want 0", d)
	}
	if d := jsDivergence(p, q); math.Abs(d-1.0) > 1e-9 {
		t.Errorf("JSD of disjoint distributions = %v, want 1", d)
	}
}

func TestDecayBaselines_Idempotence(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()

	for i := 0; i < 6; i++ {
		tr.Touch("h", now.Add(time.Duration(i)*time.Second), fmt.Sprintf("/p%d", i%2), false, "")
		tr.RecordOutcome("h", 0.1, 0.9, false, "")
	}

	tr.DecayBaselines()
	// Decay must not panic on empty/decayed cohorts and must converge to
	// deletion rather than leaving zero-count junk behind.
	for i := 0; i < 20; i++ {
		tr.DecayBaselines()
	}
	tr.cohortMu.RLock()
	defer tr.cohortMu.RUnlock()
	if len(tr.cohorts) != 0 {
		t.Errorf("fully decayed cohorts must be deleted, %d remain", len(tr.cohorts))
	}
}
