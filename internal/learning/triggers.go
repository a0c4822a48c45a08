package learning

import (
	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Queue keys. One worker per key; uncorrelated learners never share a lane.
const (
	QueueUAPattern        = "ua.pattern"
	QueueHeuristicWeights = "heuristic.weights"
	QueueTLSJA3           = "tls.ja3"
	QueueIPReputation     = "ip.reputation"
)

// SignalSource is the slice of the blackboard the trigger rules read.
type SignalSource interface {
	Signal(key string) (any, bool)
	SignalBool(key string) bool
	SignalFloat(key string) float64
}

// EmitDetection turns one completed detection into learning tasks and
// submits them without blocking. Returns how many tasks were accepted.
//
// Rules, in order:
//   - headless or UA pattern hit → pattern extraction (ua.pattern)
//   - strong UA bot probability with confident overall verdict → pattern
//     extraction (ua.pattern)
//   - uncertain verdict on risky traffic → model training (heuristic.weights)
//   - confident verdict → reinforcement pattern update (heuristic.weights)
//   - unknown TLS fingerprint on risky confident traffic → pattern
//     extraction (tls.ja3)
//   - every verdict feeds the pattern reputation lane (ip.reputation)
func EmitDetection(c *Coordinator, ev *models.AggregatedEvidence, sigs models.Signatures, signals SignalSource) int {
	if c == nil || ev == nil {
		return 0
	}
	accepted := 0
	patterns := patternsOf(sigs, signals)
	outcomes := detectorOutcomes(ev)
	base := Task{
		Signature:      sigs.Primary,
		Patterns:       patterns,
		BotProbability: ev.BotProbability,
		Confidence:     ev.Confidence,
		Detectors:      outcomes,
	}

	_, patternHit := signals.Signal(blackboard.KeyUAPatternMatch)
	if signals.SignalBool(blackboard.KeyUAHeadless) || patternHit {
		t := base
		t.Type = TaskPatternExtraction
		if c.TrySubmit(QueueUAPattern, t) {
			accepted++
		}
	}

	if signals.SignalFloat(blackboard.KeyUABotProbability) >= 0.85 && ev.Confidence >= 0.7 {
		t := base
		t.Type = TaskPatternExtraction
		if c.TrySubmit(QueueUAPattern, t) {
			accepted++
		}
	}

	if signals.SignalBool(blackboard.KeyDetectionCompleted) {
		if ev.BotProbability >= 0.5 && ev.Confidence < 0.7 {
			t := base
			t.Type = TaskModelTraining
			if c.TrySubmit(QueueHeuristicWeights, t) {
				accepted++
			}
		}
		if ev.Confidence >= 0.85 {
			t := base
			t.Type = TaskPatternUpdate
			if c.TrySubmit(QueueHeuristicWeights, t) {
				accepted++
			}
		}
	}

	if signals.SignalBool(blackboard.KeyTLSUnknownFingerprint) &&
		ev.BotProbability >= 0.7 && ev.Confidence >= 0.5 {
		t := base
		t.Type = TaskPatternExtraction
		if c.TrySubmit(QueueTLSJA3, t) {
			accepted++
		}
	}

	if len(patterns) > 0 {
		t := base
		t.Type = TaskReputationUpdate
		if c.TrySubmit(QueueIPReputation, t) {
			accepted++
		}
	}

	return accepted
}

// EmitFeedback submits a ground-truth weight update from user feedback.
func EmitFeedback(c *Coordinator, ev *models.AggregatedEvidence, sigs models.Signatures, wasBot bool) bool {
	if c == nil || ev == nil {
		return false
	}
	label := wasBot
	return c.TrySubmit(QueueHeuristicWeights, Task{
		Type:           TaskWeightUpdate,
		Signature:      sigs.Primary,
		Patterns:       patternsOf(sigs, nil),
		BotProbability: ev.BotProbability,
		Confidence:     ev.Confidence,
		Label:          &label,
		Detectors:      detectorOutcomes(ev),
	})
}

func patternsOf(sigs models.Signatures, signals SignalSource) map[string]string {
	out := make(map[string]string, 3)
	if sigs.UAHash != "" {
		out["ua"] = sigs.UAHash
	}
	if sigs.SubnetHash != "" {
		out["subnet"] = sigs.SubnetHash
	}
	if signals != nil {
		if v, ok := signals.Signal(blackboard.KeyTLSJA3Hash); ok {
			if s, isStr := v.(string); isStr && s != "" {
				out["ja3"] = s
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func detectorOutcomes(ev *models.AggregatedEvidence) []DetectorOutcome {
	if len(ev.Contributions) == 0 {
		return nil
	}
	out := make([]DetectorOutcome, 0, len(ev.Contributions))
	for _, c := range ev.Contributions {
		out = append(out, DetectorOutcome{Name: c.DetectorName, LeanedBot: c.ConfidenceDelta > 0})
	}
	return out
}
