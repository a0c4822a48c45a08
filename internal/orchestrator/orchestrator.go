package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/internal/detectors"
	"github.com/rawblock/botwall/internal/history"
	"github.com/rawblock/botwall/internal/learning"
	"github.com/rawblock/botwall/internal/policy"
	"github.com/rawblock/botwall/internal/signature"
	"github.com/rawblock/botwall/internal/store"
	"github.com/rawblock/botwall/pkg/models"
)

// Orchestrator
//
// Drives one request through the detection pipeline: signatures, cached
// verdict, fast-path reputation, wave loop, fusion, taxonomy, action
// selection, learning emission, behavioral update. The request path is
// best-effort — Detect always returns an evidence, and only a critical
// detector's fatal error aborts a request.

// ConfidenceSaturation is the total absolute contribution at which the
// confidence term reaches 1.0 before the agreement factor applies.
const ConfidenceSaturation = 3.0

// EventSink receives detection events off the request path. Publishing
// must not block.
type EventSink interface {
	PublishDetection(ev models.DetectionEvent)
}

// Config tunes the orchestrator.
type Config struct {
	// BotThreshold feeds learning labels and the known-bot flag on history.
	BotThreshold float64
	// ClusterID optionally buckets signatures for cohort baselines.
	ClusterID func(f *models.RequestFeatures) string
}

func (c Config) withDefaults() Config {
	if c.BotThreshold <= 0 {
		c.BotThreshold = 0.7
	}
	return c
}

// Orchestrator wires the pipeline components together.
type Orchestrator struct {
	cfg        Config
	signatures *signature.Service
	registry   *detectors.Registry
	policies   *policy.Registry
	weights    *store.Weights
	verdicts   store.VerdictCache
	reputation *detectors.ReputationDetector
	network    *detectors.NetworkDetector
	history    *history.Tracker
	learning   *learning.Coordinator
	events     EventSink
}

// New builds an orchestrator and seeds the weight table from detector
// metadata. verdicts, learning, and events may be nil; the corresponding
// steps are skipped.
func New(
	cfg Config,
	sigs *signature.Service,
	registry *detectors.Registry,
	policies *policy.Registry,
	weights *store.Weights,
	verdicts store.VerdictCache,
	reputation *detectors.ReputationDetector,
	network *detectors.NetworkDetector,
	tracker *history.Tracker,
	coordinator *learning.Coordinator,
	events EventSink,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.withDefaults(),
		signatures: sigs,
		registry:   registry,
		policies:   policies,
		weights:    weights,
		verdicts:   verdicts,
		reputation: reputation,
		network:    network,
		history:    tracker,
		learning:   coordinator,
		events:     events,
	}
	for _, d := range registry.All() {
		meta := d.Metadata()
		weights.Register(meta.Name, meta.DefaultWeight, true)
	}
	if reputation != nil {
		meta := reputation.Metadata()
		weights.Register(meta.Name, meta.DefaultWeight, true)
	}
	return o
}

// Detect runs the full pipeline for one request. The returned evidence is
// never nil; the error is non-nil only when a critical detector failed
// fatally or the context was cancelled outright.
func (o *Orchestrator) Detect(ctx context.Context, f *models.RequestFeatures) (*models.AggregatedEvidence, error) {
	sigs := o.signatures.Compute(f)
	bb := blackboard.New(f, sigs)
	bb.SetPhase(blackboard.PhaseSignaturesBuilt)

	pol := o.policies.ResolveDetectionPolicy(f.Path)

	// Behavioral sighting is recorded before any detector runs so every
	// wave sees the same snapshot, including this request.
	clusterID := ""
	if o.cfg.ClusterID != nil {
		clusterID = o.cfg.ClusterID(f)
	}
	datacenter := o.network != nil && o.network.IsDatacenterAddr(f.RemoteAddr)
	var snap history.Snapshot
	if o.history != nil {
		snap = o.history.Touch(sigs.Primary, time.UnixMilli(f.TimestampMs), f.Path, datacenter, clusterID)
	}

	// Cached verdict short-circuits the waves entirely.
	if pol.CacheVerdicts && o.verdicts != nil {
		if cached, ok := o.verdicts.Get(ctx, sigs.Primary); ok {
			bb.SetPhase(blackboard.PhaseCachedVerdict)
			ev := o.evidenceFromCache(f, pol, cached, bb)
			o.finish(ctx, bb, ev, pol)
			return ev, nil
		}
	}

	deadline := time.Now().Add(time.Duration(pol.WallClockBudgetMs) * time.Millisecond)

	// Fast-path reputation bias.
	immediateBlock := false
	if o.reputation != nil {
		meta := o.reputation.Metadata()
		in := &detectors.Input{
			Features:   f,
			Signatures: sigs,
			Signals:    o.scopedReader(bb, meta),
			History:    snap,
		}
		started := time.Now()
		res, err := o.reputation.Evaluate(ctx, in)
		if err != nil {
			bb.MarkFailed(meta.Name)
			log.Printf("[Orchestrator] reputation fast path failed: %v", err)
		} else {
			o.applyResult(bb, meta, res, time.Since(started))
		}
		if pol.ImmediateBlockThreshold > 0 &&
			o.reputation.MaxDirtyScore(sigs) >= pol.ImmediateBlockThreshold {
			immediateBlock = true
		}
	}
	bb.SetPhase(blackboard.PhaseFastPathDone)

	earlyExit := false
	verdict := models.VerdictNone
	if immediateBlock {
		earlyExit = true
		verdict = models.VerdictImmediateBot
	}

	// Wave loop.
	waves := pol.Waves
	if len(waves) == 0 {
		waves = o.registry.DefaultWaves()
	}
	if earlyExit {
		// The reputation block pre-empts every wave; the skipped detectors
		// are reported omitted, same as on the deadline path.
		o.omitFrom(bb, waves, 0)
	}
	var fatalErr error
	timedOut := false
	for i := 0; i < len(waves) && !earlyExit && !timedOut && fatalErr == nil; i++ {
		select {
		case <-ctx.Done():
			bb.SetPhase(blackboard.PhaseAborted)
			o.omitFrom(bb, waves, i)
			ev := o.aggregate(f, pol, bb, snap, true, models.VerdictTimedOut)
			return ev, ctx.Err()
		default:
		}
		if !time.Now().Before(deadline) {
			o.omitFrom(bb, waves, i)
			timedOut = true
			break
		}

		bb.SetPhase(blackboard.PhaseWaveInProgress)
		finished, err := o.runWave(ctx, bb, sigs, snap, f, i, waves[i], deadline)
		if err != nil {
			fatalErr = err
			break
		}
		if !finished {
			o.omitFrom(bb, waves, i+1)
			timedOut = true
		}
		bb.SetPhase(blackboard.PhaseWaveDone)

		prob := logistic(bb.RawScore())
		if pol.EarlyExitThreshold > 0 {
			if prob >= pol.EarlyExitThreshold {
				earlyExit, verdict = true, models.VerdictImmediateBot
				o.omitFrom(bb, waves, i+1)
			} else if prob <= 1-pol.EarlyExitThreshold {
				earlyExit, verdict = true, models.VerdictImmediateHuman
				o.omitFrom(bb, waves, i+1)
			}
		}
	}

	if fatalErr != nil {
		bb.SetPhase(blackboard.PhaseFailed)
		ev := o.aggregate(f, pol, bb, snap, false, models.VerdictNone)
		return ev, fatalErr
	}

	if timedOut {
		// TimedOut is reported only when the partial score is inconclusive;
		// a decisive partial score stands on its own.
		prob := logistic(bb.RawScore())
		if prob > 0.4 && prob < 0.6 {
			earlyExit, verdict = true, models.VerdictTimedOut
		}
	}

	ev := o.aggregate(f, pol, bb, snap, earlyExit, verdict)
	o.finish(ctx, bb, ev, pol)
	return ev, nil
}

// runWave fans one wave out, joins it, and applies results. Returns false
// when the budget expired before every detector reported.
func (o *Orchestrator) runWave(
	ctx context.Context,
	bb *blackboard.Blackboard,
	sigs models.Signatures,
	snap history.Snapshot,
	f *models.RequestFeatures,
	waveIndex int,
	names []string,
	deadline time.Time,
) (bool, error) {
	type outcome struct {
		meta    detectors.Metadata
		res     detectors.Result
		err     error
		elapsed time.Duration
	}

	waveCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	results := make(chan outcome, len(names))
	launched := 0
	pending := make(map[string]detectors.Metadata, len(names))

	for _, name := range names {
		d, ok := o.registry.Get(name)
		if !ok {
			// Validate catches this at startup; runtime resolution of a
			// plug-in that disappeared is omitted, not failed.
			bb.MarkOmitted(name)
			continue
		}
		meta := d.Metadata()
		meta.Wave = waveIndex
		pending[meta.Name] = meta
		launched++

		in := &detectors.Input{
			Features:   f,
			Signatures: sigs,
			Signals:    o.scopedReader(bb, meta),
			History:    snap,
		}
		go func(d detectors.Detector, meta detectors.Metadata, in *detectors.Input) {
			started := time.Now()
			defer func() {
				if r := recover(); r != nil {
					results <- outcome{meta: meta, err: fmt.Errorf("panic: %v", r), elapsed: time.Since(started)}
				}
			}()
			res, err := d.Evaluate(waveCtx, in)
			results <- outcome{meta: meta, res: res, err: err, elapsed: time.Since(started)}
		}(d, meta, in)
	}

	// Results gathered before the deadline are applied after the join so
	// signals become visible only at the wave barrier.
	gathered := make([]outcome, 0, launched)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	finished := true
collect:
	for len(gathered) < launched {
		select {
		case out := <-results:
			gathered = append(gathered, out)
			delete(pending, out.meta.Name)
		case <-timer.C:
			finished = false
			break collect
		}
	}

	// Deterministic application order: wave list order, not arrival order.
	byName := make(map[string]outcome, len(gathered))
	for _, out := range gathered {
		byName[out.meta.Name] = out
	}
	for _, name := range names {
		out, ok := byName[name]
		if !ok {
			continue
		}
		if out.err != nil {
			// A detector cut off by the wave deadline is omitted, not
			// failed — the budget ran out, the detector did not break.
			if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
				bb.MarkOmitted(out.meta.Name)
				finished = false
				continue
			}
			if out.meta.Critical {
				bb.MarkFailed(out.meta.Name)
				return finished, fmt.Errorf("critical detector %s: %w", out.meta.Name, out.err)
			}
			bb.MarkFailed(out.meta.Name)
			log.Printf("[Orchestrator] detector %s failed: %v", out.meta.Name, out.err)
			continue
		}
		o.applyResult(bb, out.meta, out.res, out.elapsed)
	}
	for name := range pending {
		bb.MarkOmitted(name)
	}
	return finished, nil
}

// applyResult publishes a detector's signals and contribution.
func (o *Orchestrator) applyResult(bb *blackboard.Blackboard, meta detectors.Metadata, res detectors.Result, elapsed time.Duration) {
	for key, value := range res.Signals {
		bb.SetSignal(meta.Name, key, value)
	}
	if res.HasContribution {
		bb.AddContribution(models.Contribution{
			DetectorName:     meta.Name,
			Category:         meta.Category,
			ConfidenceDelta:  res.Delta,
			Weight:           o.weights.Current(meta.Name),
			Reason:           res.Reason,
			Wave:             meta.Wave,
			ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000.0,
			SuggestedBotType: res.SuggestedBotType,
			SuggestedBotName: res.SuggestedBotName,
		})
	}
	bb.MarkCompleted(meta.Name)
}

// aggregate fuses the blackboard into the final evidence.
func (o *Orchestrator) aggregate(
	f *models.RequestFeatures,
	pol policy.DetectionPolicy,
	bb *blackboard.Blackboard,
	snap history.Snapshot,
	earlyExit bool,
	verdict models.EarlyExitVerdict,
) *models.AggregatedEvidence {
	contributions := bb.Contributions()

	raw := 0.0
	totalAbs := 0.0
	positive, negative := 0, 0
	for _, c := range contributions {
		raw += c.Effective
		totalAbs += math.Abs(c.Effective)
		switch {
		case c.Effective > 0:
			positive++
		case c.Effective < 0:
			negative++
		}
	}

	prob := logistic(raw)
	confidence := 0.0
	if voting := positive + negative; voting > 0 {
		minority := positive
		if negative < positive {
			minority = negative
		}
		agreement := 1.0 - float64(minority)/float64(voting)
		confidence = math.Min(1, totalAbs/ConfidenceSaturation) * agreement
	}

	band := models.RiskBandFor(prob)
	if bb.SignalBool(blackboard.KeyVerifiedConfirmed) && !bb.SignalBool(blackboard.KeyVerifiedSpoofed) {
		band = models.BandVerified
	}

	botType, botName := primaryTaxonomy(contributions)

	ev := &models.AggregatedEvidence{
		RequestID:             f.RequestID,
		BotProbability:        prob,
		Confidence:            confidence,
		RiskBand:              band,
		PrimaryBotType:        botType,
		PrimaryBotName:        botName,
		Contributions:         contributions,
		PolicyName:            pol.Name,
		EarlyExit:             earlyExit,
		EarlyExitVerdict:      verdict,
		TotalProcessingTimeMs: bb.ElapsedMs(),
		ContributingDetectors: contributingNames(contributions),
		FailedDetectors:       bb.FailedDetectors(),
		OmittedDetectors:      bb.OmittedDetectors(),
	}
	bb.SetPhase(blackboard.PhaseAggregated)

	ev.TriggeredActionPolicy = o.selectAction(pol, ev, bb)
	bb.SetPhase(blackboard.PhaseActionSelected)
	return ev
}

// selectAction applies the policy transitions and validates the outcome
// against the registered action policies.
func (o *Orchestrator) selectAction(pol policy.DetectionPolicy, ev *models.AggregatedEvidence, bb *blackboard.Blackboard) string {
	name := pol.SelectAction(ev.BotProbability, func(key string) bool {
		_, ok := bb.Signal(key)
		return ok
	}, o.policies.GlobalDefaultAction())

	if _, err := o.policies.ResolveActionPolicy(name); err != nil {
		log.Printf("[Orchestrator] policy %s selected unregistered action %q, using global default", pol.Name, name)
		return o.policies.GlobalDefaultAction()
	}
	return name
}

// finish runs the post-verdict steps: verdict cache write-through, learning
// emission, behavioral outcome, event publication.
func (o *Orchestrator) finish(ctx context.Context, bb *blackboard.Blackboard, ev *models.AggregatedEvidence, pol policy.DetectionPolicy) {
	sigs := bb.Signatures
	f := bb.Features

	bb.SetSignal("orchestrator", blackboard.KeyDetectionCompleted, true)

	if o.verdicts != nil && !ev.FromCache {
		o.verdicts.Put(ctx, sigs.Primary, store.CachedVerdict{
			BotProbability:   ev.BotProbability,
			Confidence:       ev.Confidence,
			RiskBand:         ev.RiskBand,
			PrimaryBotType:   ev.PrimaryBotType,
			PrimaryBotName:   ev.PrimaryBotName,
			PolicyName:       ev.PolicyName,
			ActionPolicyName: ev.TriggeredActionPolicy,
			StoredAt:         time.Now(),
		})
	}

	if o.learning != nil && !ev.FromCache {
		learning.EmitDetection(o.learning, ev, sigs, bb)
	}

	if o.history != nil {
		knownBot := ev.IsBot(o.cfg.BotThreshold)
		verifiedAs := ""
		if ev.RiskBand == models.BandVerified {
			verifiedAs = ev.PrimaryBotName
		}
		o.history.RecordOutcome(sigs.Primary, ev.BotProbability, ev.Confidence, knownBot, verifiedAs)
	}

	if o.events != nil {
		o.events.PublishDetection(o.detectionEvent(f, sigs, ev))
	}
	bb.SetPhase(blackboard.PhaseEmitted)
}

// evidenceFromCache rebuilds an evidence from a cached verdict.
func (o *Orchestrator) evidenceFromCache(f *models.RequestFeatures, pol policy.DetectionPolicy, cached store.CachedVerdict, bb *blackboard.Blackboard) *models.AggregatedEvidence {
	verdict := models.VerdictImmediateHuman
	if cached.BotProbability >= 0.5 {
		verdict = models.VerdictImmediateBot
	}
	ev := &models.AggregatedEvidence{
		RequestID:             f.RequestID,
		BotProbability:        cached.BotProbability,
		Confidence:            cached.Confidence,
		RiskBand:              cached.RiskBand,
		PrimaryBotType:        cached.PrimaryBotType,
		PrimaryBotName:        cached.PrimaryBotName,
		PolicyName:            cached.PolicyName,
		TriggeredActionPolicy: cached.ActionPolicyName,
		EarlyExit:             true,
		EarlyExitVerdict:      verdict,
		FromCache:             true,
		TotalProcessingTimeMs: bb.ElapsedMs(),
	}
	if _, err := o.policies.ResolveActionPolicy(ev.TriggeredActionPolicy); err != nil {
		ev.TriggeredActionPolicy = o.policies.GlobalDefaultAction()
	}
	return ev
}

// omitFrom marks every detector in waves[from:] as omitted.
func (o *Orchestrator) omitFrom(bb *blackboard.Blackboard, waves [][]string, from int) {
	for i := from; i < len(waves); i++ {
		for _, name := range waves[i] {
			bb.MarkOmitted(name)
		}
	}
}

// scopedReader restricts a detector's signal reads to its declared inputs.
func (o *Orchestrator) scopedReader(bb *blackboard.Blackboard, meta detectors.Metadata) detectors.SignalReader {
	allowed := make(map[string]bool, len(meta.Inputs))
	for _, key := range meta.Inputs {
		allowed[key] = true
	}
	return scopedSignals{bb: bb, allowed: allowed}
}

type scopedSignals struct {
	bb      *blackboard.Blackboard
	allowed map[string]bool
}

func (s scopedSignals) Bool(key string) bool {
	if !s.allowed[key] {
		return false
	}
	return s.bb.SignalBool(key)
}

func (s scopedSignals) Float(key string) float64 {
	if !s.allowed[key] {
		return 0
	}
	return s.bb.SignalFloat(key)
}

func (s scopedSignals) String(key string) string {
	if !s.allowed[key] {
		return ""
	}
	return s.bb.SignalString(key)
}

func (s scopedSignals) Has(key string) bool {
	if !s.allowed[key] {
		return false
	}
	_, ok := s.bb.Signal(key)
	return ok
}

func primaryTaxonomy(contributions []models.Contribution) (models.BotType, string) {
	bestType := models.BotTypeUnknown
	bestName := ""
	bestAbs := -1.0
	bestWave := 0
	bestDetector := ""
	for _, c := range contributions {
		if c.SuggestedBotType == "" {
			continue
		}
		abs := math.Abs(c.Effective)
		switch {
		case abs > bestAbs:
		case abs == bestAbs && c.Wave < bestWave:
		case abs == bestAbs && c.Wave == bestWave && c.DetectorName < bestDetector:
		default:
			continue
		}
		bestAbs = abs
		bestWave = c.Wave
		bestDetector = c.DetectorName
		bestType = c.SuggestedBotType
		bestName = c.SuggestedBotName
	}
	return bestType, bestName
}

func contributingNames(contributions []models.Contribution) []string {
	names := make([]string, 0, len(contributions))
	seen := make(map[string]bool, len(contributions))
	for _, c := range contributions {
		if !seen[c.DetectorName] {
			seen[c.DetectorName] = true
			names = append(names, c.DetectorName)
		}
	}
	return names
}

func (o *Orchestrator) detectionEvent(f *models.RequestFeatures, sigs models.Signatures, ev *models.AggregatedEvidence) models.DetectionEvent {
	reasons := make([]string, 0, len(ev.Contributions))
	for _, c := range ev.Contributions {
		if c.Reason != "" {
			reasons = append(reasons, c.Reason)
		}
	}
	actionKind := ""
	if ap, err := o.policies.ResolveActionPolicy(ev.TriggeredActionPolicy); err == nil {
		actionKind = string(ap.Kind)
	}
	return models.DetectionEvent{
		RequestID:        f.RequestID,
		TimestampMs:      f.TimestampMs,
		Method:           f.Method,
		Path:             f.Path,
		PrimarySignature: sigs.Primary,
		BotProbability:   ev.BotProbability,
		Confidence:       ev.Confidence,
		RiskBand:         ev.RiskBand,
		BotType:          ev.PrimaryBotType,
		BotName:          ev.PrimaryBotName,
		ActionKind:       actionKind,
		ActionPolicy:     ev.TriggeredActionPolicy,
		PolicyName:       ev.PolicyName,
		EarlyExit:        ev.EarlyExit,
		ProcessingTimeMs: ev.TotalProcessingTimeMs,
		Reasons:          reasons,
	}
}

// fusionSlope steepens the logistic so a single strong detector lands in
// the high-risk bands instead of hovering near the midpoint.
const fusionSlope = 2.0

// logistic squashes the raw contribution sum into a probability.
func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-fusionSlope*x))
}
