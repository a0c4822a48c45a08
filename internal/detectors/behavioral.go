package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Behavioral Rate Detector
//
// Request cadence per signature. Humans click at single-digit requests
// per minute even on busy pages (asset fetches bypass the gateway);
// sustained double-digit rates from one signature are automation. The
// contribution grows smoothly with rate rather than tripping at a single
// threshold, so a burst of two fast clicks stays cheap.
//
// Publishes behavior.* signals plus the signature's markov.* drift bundle
// so wave-2 detectors can consume the drift without re-deriving it.

type BehavioralDetector struct {
	// rate at which the contribution saturates, requests/minute
	saturationRate float64
}

func NewBehavioralDetector() *BehavioralDetector {
	return &BehavioralDetector{saturationRate: 60}
}

func (d *BehavioralDetector) Metadata() Metadata {
	return Metadata{
		Name:          "behavioral-rate",
		Category:      models.CategoryBehavioral,
		Wave:          1,
		DefaultWeight: 1.0,
		Outputs: []string{
			blackboard.KeyBehaviorRatePerMin,
			blackboard.KeyBehaviorReturning,
			blackboard.KeyMarkovSelfDrift,
			blackboard.KeyMarkovHumanDrift,
			blackboard.KeyMarkovNovelty,
			blackboard.KeyMarkovEntropyDelta,
			blackboard.KeyMarkovLoopScore,
			blackboard.KeyMarkovSequenceSurpise,
		},
	}
}

func (d *BehavioralDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	h := in.History

	signals := map[string]any{
		blackboard.KeyBehaviorRatePerMin: float64(h.RequestsLastMinute),
		blackboard.KeyBehaviorReturning:  h.Returning,
	}
	if h.Drift.Valid {
		signals[blackboard.KeyMarkovSelfDrift] = h.Drift.SelfDrift
		signals[blackboard.KeyMarkovHumanDrift] = h.Drift.HumanDrift
		signals[blackboard.KeyMarkovNovelty] = h.Drift.Novelty
		signals[blackboard.KeyMarkovEntropyDelta] = h.Drift.EntropyDelta
		signals[blackboard.KeyMarkovLoopScore] = h.Drift.LoopScore
		signals[blackboard.KeyMarkovSequenceSurpise] = h.Drift.SequenceSurprise
	}

	if h.HitCount < 3 {
		// Too little history to judge cadence.
		res := NoContribution()
		res.Signals = signals
		return res, nil
	}

	rate := float64(h.RequestsLastMinute)
	if rate <= 6 {
		res := Contribute(-0.15, "human-paced request cadence")
		res.Signals = signals
		return res, nil
	}

	// Smooth ramp: 6 req/min → 0, saturationRate → +0.9.
	delta := 0.9 * math.Min(1, (rate-6)/(d.saturationRate-6))
	res := Contribute(delta, fmt.Sprintf("elevated request rate: %.0f req/min", rate))
	res.SuggestedBotType = models.BotTypeScraper
	res.Signals = signals
	return res, nil
}
