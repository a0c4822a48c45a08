package blackboard

// Central signal-key registry.
//
// Every signal published on the blackboard is keyed by a stable dotted
// string. Built-in detectors and the learning triggers only ever reference
// the constants below; plug-in detectors may mint additional keys, but the
// set here is the contract the core is tested against.
const (
	// User-agent family
	KeyUABotProbability = "ua.bot_probability"
	KeyUAPatternMatch   = "ua.pattern_match"
	KeyUAHeadless       = "ua.headless_detected"
	KeyUABrowserFamily  = "ua.browser_family"

	// Network / IP family
	KeyIPIsDatacenter = "ip.is_datacenter"
	KeyIPReputation   = "ip.reputation"

	// Header family
	KeyHeaderAnomaly    = "header.anomaly_score"
	KeyHeaderHasReferer = "header.has_referer"

	// TLS family
	KeyTLSJA3Hash            = "tls.ja3_hash"
	KeyTLSUnknownFingerprint = "tls.unknown_fingerprint"

	// Verified-crawler family
	KeyVerifiedConfirmed = "verifiedbot.confirmed"
	KeyVerifiedSpoofed   = "verifiedbot.spoofed"

	// Behavioral / Markov drift family
	KeyBehaviorRatePerMin    = "behavior.rate_per_minute"
	KeyBehaviorReturning     = "behavior.returning"
	KeyMarkovSelfDrift       = "markov.self_drift"
	KeyMarkovHumanDrift      = "markov.human_drift"
	KeyMarkovNovelty         = "markov.novelty"
	KeyMarkovEntropyDelta    = "markov.entropy_delta"
	KeyMarkovLoopScore       = "markov.loop_score"
	KeyMarkovSequenceSurpise = "markov.sequence_surprise"

	// Path scanning
	KeyPathScannerScore = "path.scanner_score"

	// Pipeline lifecycle (consumed by learning triggers, never by detectors)
	KeyDetectionCompleted = "detection.completed"
	KeyUserFeedback       = "user.feedback_received"

	// Diagnostics
	KeyMaskingFailOpen = "masking.fail_open"
)
