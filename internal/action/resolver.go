package action

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/rawblock/botwall/internal/policy"
	"github.com/rawblock/botwall/pkg/models"
)

// Action Resolver
//
// Pure mapping from (evidence, action policy) to a fully-computed decision.
// The resolver fills in derived parameters — throttle delay, challenge
// difficulty — so the middleware only has to execute, never to think.

// Resolve computes the decision for one classified request. Throttle
// jitter draws from the global random source; tests inject a fixed one
// through resolveWith.
func Resolve(ev *models.AggregatedEvidence, ap policy.ActionPolicy) models.ActionDecision {
	return resolveWith(ev, ap, rand.Float64)
}

func resolveWith(ev *models.AggregatedEvidence, ap policy.ActionPolicy, random func() float64) models.ActionDecision {
	d := models.ActionDecision{
		PolicyName: ap.Name,
		Reason:     reasonFor(ev),
	}

	switch ap.Kind {
	case policy.KindAllow:
		d.Kind = models.ActionAllow

	case policy.KindLogOnly:
		d.Kind = models.ActionLogOnly

	case policy.KindBlock:
		d.Kind = models.ActionBlock
		d.StatusCode = ap.Block.StatusCode
		if d.StatusCode == 0 {
			d.StatusCode = 403
		}

	case policy.KindThrottle:
		d.Kind = models.ActionThrottle
		d.DelayMs = throttleDelay(ap.Throttle, ev.BotProbability, random)

	case policy.KindRedirect:
		d.Kind = models.ActionRedirect
		d.Permanent = ap.Redirect.Permanent
		d.RedirectURL = ap.Redirect.TargetURL
		if ap.Redirect.MetadataExpansion {
			d.RedirectURL = expandRedirect(d.RedirectURL, ev)
		}

	case policy.KindChallenge:
		d.Kind = models.ActionChallenge
		d.ChallengeType = ap.Challenge.Type
		d.TokenLifetimeSec = ap.Challenge.TokenLifetimeSec
		d.DifficultyBits = challengeBits(ap.Challenge, ev.BotProbability)

	case policy.KindMaskPII:
		d.Kind = models.ActionMaskPII
		d.MaxBodyBytes = ap.MaskPII.MaxBodyBytes

	default:
		// An unrecognised kind degrades to allow; validation should have
		// rejected it at startup.
		d.Kind = models.ActionAllow
	}
	return d
}

// throttleDelay computes clamp(base * p² * multiplier, base, max) with
// uniform ±jitterFraction applied after the clamp.
func throttleDelay(p policy.ThrottleParams, botProbability float64, random func() float64) int64 {
	base := float64(p.BaseDelayMs)
	max := float64(p.MaxDelayMs)
	if max < base {
		max = base
	}

	delay := base
	if p.ScaleByRisk {
		mult := p.RiskMultiplier
		if mult <= 0 {
			mult = 10
		}
		delay = base * botProbability * botProbability * mult
	}
	delay = math.Min(max, math.Max(base, delay))

	if p.JitterFraction > 0 {
		jitter := (random()*2 - 1) * p.JitterFraction
		delay *= 1 + jitter
		if delay < 0 {
			delay = 0
		}
	}
	return int64(math.Round(delay))
}

// challengeBits scales proof-of-work difficulty linearly with risk.
func challengeBits(p policy.ChallengeParams, botProbability float64) int {
	min := p.MinDifficultyBits
	max := p.MaxDifficultyBits
	if max < min {
		max = min
	}
	return min + int(math.Round(float64(max-min)*botProbability))
}

// expandRedirect substitutes {signature} and {band} tokens. The signature
// token carries the request id, not a raw attribute.
func expandRedirect(target string, ev *models.AggregatedEvidence) string {
	target = strings.ReplaceAll(target, "{band}", string(ev.RiskBand))
	target = strings.ReplaceAll(target, "{signature}", ev.RequestID)
	return target
}

func reasonFor(ev *models.AggregatedEvidence) string {
	top := ""
	best := 0.0
	for _, c := range ev.Contributions {
		if abs := math.Abs(c.Effective); abs > best && c.Reason != "" {
			best = abs
			top = c.Reason
		}
	}
	if top == "" {
		return fmt.Sprintf("band=%s p=%.2f", ev.RiskBand, ev.BotProbability)
	}
	return fmt.Sprintf("band=%s p=%.2f: %s", ev.RiskBand, ev.BotProbability, top)
}
