package detectors

import (
	"context"
	"fmt"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Markov Drift Detector
//
// Consumes the markov.* signals published by the behavioral detector in
// the previous wave and converts them into a contribution. Runs a wave
// later on purpose: intra-wave signal writes are not observable, so the
// drift bundle must already be on the blackboard.
//
// Heuristic shape, tuned against replayed traffic:
//   high novelty + high surprise → scanner walking unseen routes
//   high loop score              → polling automation
//   low drift across the board   → consistent with the cohort

type DriftDetector struct{}

func NewDriftDetector() *DriftDetector { return &DriftDetector{} }

func (d *DriftDetector) Metadata() Metadata {
	return Metadata{
		Name:          "markov-drift",
		Category:      models.CategoryBehavioral,
		Wave:          2,
		DefaultWeight: 0.9,
		Inputs: []string{
			blackboard.KeyMarkovSelfDrift,
			blackboard.KeyMarkovHumanDrift,
			blackboard.KeyMarkovNovelty,
			blackboard.KeyMarkovLoopScore,
			blackboard.KeyMarkovSequenceSurpise,
		},
	}
}

func (d *DriftDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	if !in.Signals.Has(blackboard.KeyMarkovLoopScore) {
		// Behavioral detector had too little history.
		return NoContribution(), nil
	}

	novelty := in.Signals.Float(blackboard.KeyMarkovNovelty)
	surprise := in.Signals.Float(blackboard.KeyMarkovSequenceSurpise)
	loopScore := in.Signals.Float(blackboard.KeyMarkovLoopScore)
	humanDrift := in.Signals.Float(blackboard.KeyMarkovHumanDrift)

	switch {
	case novelty > 0.8 && surprise > 10:
		res := Contribute(0.7, fmt.Sprintf("route walk diverges from cohort: novelty %.2f, surprise %.1f bits", novelty, surprise))
		res.SuggestedBotType = models.BotTypeScraper
		return res, nil
	case loopScore > 0.8:
		res := Contribute(0.5, fmt.Sprintf("tight polling loop: loop score %.2f", loopScore))
		res.SuggestedBotType = models.BotTypeMonitoring
		return res, nil
	case humanDrift > 0.7:
		return Contribute(0.35, fmt.Sprintf("transition distribution drifts from cohort baseline: %.2f", humanDrift)), nil
	case humanDrift > 0 && humanDrift < 0.3 && novelty < 0.3:
		return Contribute(-0.2, "route transitions consistent with cohort"), nil
	default:
		return NoContribution(), nil
	}
}
