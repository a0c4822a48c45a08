package history

import (
	"math"
)

// Markov Transition Drift
//
// Each signature's recent route templates form a first-order Markov chain.
// Comparing that chain's transition distribution against a cohort baseline
// (and against the signature's own earlier behaviour) yields drift signals
// that are hard for automation to fake:
//
//   selfDrift        — JS divergence, recent half vs earlier half
//   humanDrift       — JS divergence, signature vs cohort baseline
//   novelty          — fraction of transitions unseen in the baseline
//   entropyDelta     — transition entropy, signature minus baseline
//   loopScore        — fraction of self-transitions (a → a)
//   sequenceSurprise — mean -log2 baseline probability of each transition
//
// All divergences use base-2 logs, so JSD is bounded by [0,1].

// DriftSignals is the computed drift bundle. Valid is false when the
// signature has too few transitions to say anything.
type DriftSignals struct {
	SelfDrift        float64 `json:"selfDrift"`
	HumanDrift       float64 `json:"humanDrift"`
	Novelty          float64 `json:"novelty"`
	EntropyDelta     float64 `json:"entropyDelta"`
	LoopScore        float64 `json:"loopScore"`
	SequenceSurprise float64 `json:"sequenceSurprise"`
	Valid            bool    `json:"valid"`
}

// minTransitionsForDrift gates the drift computation; below this the
// signals are all zero and Valid is false.
const minTransitionsForDrift = 4

type transition struct {
	from, to string
}

func transitionsOf(routes []string) []transition {
	if len(routes) < 2 {
		return nil
	}
	out := make([]transition, 0, len(routes)-1)
	for i := 1; i < len(routes); i++ {
		out = append(out, transition{from: routes[i-1], to: routes[i]})
	}
	return out
}

func distributionOf(ts []transition) map[transition]float64 {
	if len(ts) == 0 {
		return nil
	}
	dist := make(map[transition]float64, len(ts))
	inc := 1.0 / float64(len(ts))
	for _, t := range ts {
		dist[t] += inc
	}
	return dist
}

// jsDivergence computes the Jensen-Shannon divergence between two
// transition distributions. Result is in [0,1] with base-2 logs.
func jsDivergence(p, q map[transition]float64) float64 {
	if len(p) == 0 || len(q) == 0 {
		return 0
	}

	support := make(map[transition]bool, len(p)+len(q))
	for t := range p {
		support[t] = true
	}
	for t := range q {
		support[t] = true
	}

	kl := func(a, m map[transition]float64) float64 {
		sum := 0.0
		for t := range support {
			pa := a[t]
			if pa == 0 {
				continue
			}
			sum += pa * math.Log2(pa/m[t])
		}
		return sum
	}

	mid := make(map[transition]float64, len(support))
	for t := range support {
		mid[t] = (p[t] + q[t]) / 2
	}

	return (kl(p, mid) + kl(q, mid)) / 2
}

func entropyOf(dist map[transition]float64) float64 {
	h := 0.0
	for _, p := range dist {
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	return h
}

// computeDrift derives the drift bundle for one signature's recent routes
// against a cohort baseline distribution.
func computeDrift(routes []string, baseline map[transition]float64) DriftSignals {
	ts := transitionsOf(routes)
	if len(ts) < minTransitionsForDrift {
		return DriftSignals{}
	}

	sigDist := distributionOf(ts)

	out := DriftSignals{Valid: true}

	// Self drift: earlier half vs recent half of the signature's own walk.
	mid := len(ts) / 2
	out.SelfDrift = jsDivergence(distributionOf(ts[:mid]), distributionOf(ts[mid:]))

	// Loop score: self-transitions indicate tight polling loops.
	loops := 0
	for _, t := range ts {
		if t.from == t.to {
			loops++
		}
	}
	out.LoopScore = float64(loops) / float64(len(ts))

	if len(baseline) == 0 {
		// No cohort yet: novelty is total, surprise saturates.
		out.Novelty = 1
		out.SequenceSurprise = maxSurpriseBits
		return out
	}

	out.HumanDrift = jsDivergence(sigDist, baseline)
	out.EntropyDelta = entropyOf(sigDist) - entropyOf(baseline)

	novel := 0
	surprise := 0.0
	for _, t := range ts {
		p := baseline[t]
		if p == 0 {
			novel++
			surprise += maxSurpriseBits
		} else {
			surprise += -math.Log2(p)
		}
	}
	out.Novelty = float64(novel) / float64(len(ts))
	out.SequenceSurprise = surprise / float64(len(ts))

	return out
}

// maxSurpriseBits caps the per-transition surprise for transitions the
// baseline has never seen.
const maxSurpriseBits = 16.0
