package blackboard

import (
	"sync"
	"testing"

	"github.com/rawblock/botwall/pkg/models"
)

func newTestBoard() *Blackboard {
	return New(&models.RequestFeatures{RequestID: "req-1", Method: "GET", Path: "/"}, models.Signatures{Primary: "sig-1"})
}

func TestSetSignal_FirstWriterWins(t *testing.T) {
	b := newTestBoard()

	if !b.SetSignal("ua", KeyUABotProbability, 0.9) {
		t.Fatalf("first write must succeed")
	}
	if b.SetSignal("other", KeyUABotProbability, 0.1) {
		t.Errorf("non-owner overwrite must be rejected")
	}
	if got := b.SignalFloat(KeyUABotProbability); got != 0.9 {
		t.Errorf("signal value = %v, want 0.9", got)
	}

	// The owning detector may revise its own key.
	if !b.SetSignal("ua", KeyUABotProbability, 0.95) {
		t.Errorf("owner overwrite must be allowed")
	}
	if got := b.SignalFloat(KeyUABotProbability); got != 0.95 {
		t.Errorf("signal value = %v, want 0.95", got)
	}
}

func TestSignalTypedAccessors_ZeroValueOnMismatch(t *testing.T) {
	b := newTestBoard()
	b.SetSignal("d", KeyUABrowserFamily, "chrome")

	if b.SignalFloat(KeyUABrowserFamily) != 0 {
		t.Errorf("mistyped numeric read must return zero value")
	}
	if b.SignalBool(KeyUABrowserFamily) {
		t.Errorf("mistyped bool read must return false")
	}
	if b.SignalString("no.such.key") != "" {
		t.Errorf("absent key must return zero value")
	}
}

func TestAddContribution_RecomputesEffective(t *testing.T) {
	b := newTestBoard()
	b.AddContribution(models.Contribution{
		DetectorName:    "ua",
		ConfidenceDelta: 0.5,
		Weight:          2.0,
		Effective:       -42, // must be ignored and recomputed
	})

	contribs := b.Contributions()
	if len(contribs) != 1 {
		t.Fatalf("expected 1 contribution, got %d", len(contribs))
	}
	if contribs[0].Effective != 1.0 {
		t.Errorf("effective = %v, want 1.0", contribs[0].Effective)
	}
}

func TestAddContribution_ClampsDelta(t *testing.T) {
	b := newTestBoard()
	b.AddContribution(models.Contribution{DetectorName: "x", ConfidenceDelta: 3.0, Weight: 1.0})
	b.AddContribution(models.Contribution{DetectorName: "y", ConfidenceDelta: -5.0, Weight: 1.0})

	contribs := b.Contributions()
	if contribs[0].Effective != 1.0 {
		t.Errorf("positive delta must clamp to +1, got %v", contribs[0].Effective)
	}
	if contribs[1].Effective != -1.0 {
		t.Errorf("negative delta must clamp to -1, got %v", contribs[1].Effective)
	}
	if got := b.RawScore(); got != 0.0 {
		t.Errorf("raw score = %v, want 0", got)
	}
}

func TestMarkFailed_DisjointFromCompleted(t *testing.T) {
	b := newTestBoard()
	b.MarkCompleted("ua")
	b.MarkFailed("ua")

	if len(b.CompletedDetectors()) != 0 {
		t.Errorf("a failed detector must not remain in the completed set")
	}
	if len(b.FailedDetectors()) != 1 {
		t.Errorf("expected 1 failed detector")
	}
}

func TestMarkOmitted_NeverShadowsOutcome(t *testing.T) {
	b := newTestBoard()
	b.MarkCompleted("ran")
	b.MarkOmitted("ran")
	b.MarkOmitted("skipped")

	if len(b.OmittedDetectors()) != 1 {
		t.Errorf("a completed detector must not also be omitted")
	}
}

func TestPhase_TerminalSticks(t *testing.T) {
	b := newTestBoard()
	b.SetPhase(PhaseSignaturesBuilt)
	b.SetPhase(PhaseEmitted)
	b.SetPhase(PhaseWaveInProgress)

	if b.CurrentPhase() != PhaseEmitted {
		t.Errorf("terminal phase must stick, got %s", b.CurrentPhase())
	}
}

func TestConcurrentWaveWrites(t *testing.T) {
	b := newTestBoard()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.AddContribution(models.Contribution{DetectorName: "d", ConfidenceDelta: 0.01, Weight: 1})
			b.SetSignal("d", KeyPathScannerScore, 0.5)
			b.MarkCompleted("d")
		}(i)
	}
	wg.Wait()

	if len(b.Contributions()) != 32 {
		t.Errorf("expected 32 contributions, got %d", len(b.Contributions()))
	}
}
