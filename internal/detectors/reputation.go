package detectors

import (
	"context"
	"fmt"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Reputation Bias Detector
//
// The fast path. Before any wave runs, this detector folds in what the
// system already knows about the signature: the per-signature EMA of past
// verdicts and the dirty score of its UA / subnet patterns. It is a bias,
// not a verdict — on its own it can only push the score, never trigger an
// early exit. The orchestrator separately compares the pattern dirty
// score against the policy's immediateBlockThreshold.

// ReputationSource is the slice of the weight & reputation store the
// detector reads. Pattern keys are signature hashes, never raw values.
type ReputationSource interface {
	PatternReputation(patternType, pattern string) (dirtyScore float64, dirty bool)
}

// PatternTypeUA and PatternTypeSubnet tag the reputation table rows this
// detector consults.
const (
	PatternTypeUA     = "ua"
	PatternTypeSubnet = "subnet"
	PatternTypeJA3    = "ja3"
)

type ReputationDetector struct {
	source ReputationSource
}

func NewReputationDetector(source ReputationSource) *ReputationDetector {
	return &ReputationDetector{source: source}
}

func (d *ReputationDetector) Metadata() Metadata {
	return Metadata{
		Name:          "reputation-bias",
		Category:      models.CategoryReputation,
		Wave:          0,
		DefaultWeight: 1.0,
		Outputs:       []string{blackboard.KeyIPReputation},
	}
}

// MaxDirtyScore returns the worst pattern dirty score for the request,
// used by the orchestrator's immediate-block check.
func (d *ReputationDetector) MaxDirtyScore(sigs models.Signatures) float64 {
	if d.source == nil {
		return 0
	}
	max := 0.0
	for _, p := range []struct{ typ, key string }{
		{PatternTypeUA, sigs.UAHash},
		{PatternTypeSubnet, sigs.SubnetHash},
	} {
		if p.key == "" {
			continue
		}
		if score, _ := d.source.PatternReputation(p.typ, p.key); score > max {
			max = score
		}
	}
	return max
}

func (d *ReputationDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	h := in.History

	bias := 0.0
	reason := ""

	// Per-signature verdict memory. Requires some history to mean anything.
	if h.HitCount >= 3 {
		// EMA 0.5 is neutral; scale to ±0.6 at the extremes.
		bias += (h.EMABotProbability - 0.5) * 1.2
		reason = fmt.Sprintf("signature verdict history: EMA %.2f over %d hits", h.EMABotProbability, h.HitCount)
	}

	// Pattern reputation for the request's UA and subnet hashes.
	dirty := d.MaxDirtyScore(in.Signatures)
	if dirty > 0.5 {
		bias += dirty * 0.5
		if reason != "" {
			reason += "; "
		}
		reason += fmt.Sprintf("dirty pattern reputation %.2f", dirty)
	}

	signals := map[string]any{blackboard.KeyIPReputation: dirty}

	if bias == 0 {
		res := NoContribution()
		res.Signals = signals
		return res, nil
	}

	res := Contribute(bias, reason)
	res.Signals = signals
	return res, nil
}
