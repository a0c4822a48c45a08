package policy

// Detection & Action Policies
//
// A detection policy says which detectors run, in which waves, with which
// thresholds, and which action policy the verdict maps to. An action
// policy says what the middleware does with a classified request. Path
// globs bind URL space to detection policies; the most specific matching
// glob wins.

// TransitionRule rewrites the action policy when its condition fires.
// Rules are evaluated in declaration order; the first hit wins.
type TransitionRule struct {
	// WhenRiskExceeds fires when botProbability is ≥ the threshold.
	// Zero or negative means unset, so a rule omitting the field in YAML
	// never fires on it.
	WhenRiskExceeds float64 `yaml:"whenRiskExceeds" json:"whenRiskExceeds"`
	// WhenSignalPresent fires when the named signal exists on the
	// blackboard (any value).
	WhenSignalPresent string `yaml:"whenSignalPresent,omitempty" json:"whenSignalPresent,omitempty"`
	ActionPolicy      string `yaml:"actionPolicy" json:"actionPolicy"`
}

// DetectionPolicy configures one pipeline run.
type DetectionPolicy struct {
	Name string `yaml:"name" json:"name"`

	// Waves lists detector names per wave. Detectors within one wave run
	// in parallel; waves are join barriers.
	Waves [][]string `yaml:"waves" json:"waves"`

	// EarlyExitThreshold stops the wave loop when |botProbability - 0.5|
	// maps past it: probability ≥ threshold → ImmediateBot, probability ≤
	// 1-threshold → ImmediateHuman.
	EarlyExitThreshold float64 `yaml:"earlyExitThreshold" json:"earlyExitThreshold"`

	// ImmediateBlockThreshold gates the fast-path dirty-score block.
	ImmediateBlockThreshold float64 `yaml:"immediateBlockThreshold" json:"immediateBlockThreshold"`

	WallClockBudgetMs int64 `yaml:"wallClockBudgetMs" json:"wallClockBudgetMs"`

	// CacheVerdicts allows the orchestrator to serve a cached verdict for
	// the primary signature instead of running the waves.
	CacheVerdicts bool `yaml:"cacheVerdicts" json:"cacheVerdicts"`

	ActionPolicyName string           `yaml:"actionPolicyName" json:"actionPolicyName"`
	Transitions      []TransitionRule `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// SelectAction applies the transition rules and fallbacks.
func (p *DetectionPolicy) SelectAction(botProbability float64, hasSignal func(string) bool, globalDefault string) string {
	for _, rule := range p.Transitions {
		if rule.ActionPolicy == "" {
			continue
		}
		if rule.WhenSignalPresent != "" {
			if hasSignal != nil && hasSignal(rule.WhenSignalPresent) {
				return rule.ActionPolicy
			}
			continue
		}
		if rule.WhenRiskExceeds > 0 && botProbability >= rule.WhenRiskExceeds {
			return rule.ActionPolicy
		}
	}
	if p.ActionPolicyName != "" {
		return p.ActionPolicyName
	}
	return globalDefault
}

// ActionKindName enumerates the action policy types.
type ActionKindName string

const (
	KindAllow     ActionKindName = "allow"
	KindLogOnly   ActionKindName = "log_only"
	KindBlock     ActionKindName = "block"
	KindThrottle  ActionKindName = "throttle"
	KindRedirect  ActionKindName = "redirect"
	KindChallenge ActionKindName = "challenge"
	KindMaskPII   ActionKindName = "mask_pii"
)

// ActionPolicy is one named middleware behaviour with its parameters.
// Only the parameter block matching Kind is meaningful.
type ActionPolicy struct {
	Name string         `yaml:"name" json:"name"`
	Kind ActionKindName `yaml:"kind" json:"kind"`

	Block     BlockParams     `yaml:"block,omitempty" json:"block,omitempty"`
	Throttle  ThrottleParams  `yaml:"throttle,omitempty" json:"throttle,omitempty"`
	Redirect  RedirectParams  `yaml:"redirect,omitempty" json:"redirect,omitempty"`
	Challenge ChallengeParams `yaml:"challenge,omitempty" json:"challenge,omitempty"`
	MaskPII   MaskPIIParams   `yaml:"maskPii,omitempty" json:"maskPii,omitempty"`
}

type BlockParams struct {
	StatusCode int `yaml:"statusCode" json:"statusCode"`
}

type ThrottleParams struct {
	BaseDelayMs    int64   `yaml:"baseDelayMs" json:"baseDelayMs"`
	MaxDelayMs     int64   `yaml:"maxDelayMs" json:"maxDelayMs"`
	JitterFraction float64 `yaml:"jitterFraction" json:"jitterFraction"`
	ScaleByRisk    bool    `yaml:"scaleByRisk" json:"scaleByRisk"`
	RiskMultiplier float64 `yaml:"riskMultiplier" json:"riskMultiplier"`
}

type RedirectParams struct {
	TargetURL string `yaml:"targetUrl" json:"targetUrl"`
	Permanent bool   `yaml:"permanent" json:"permanent"`
	// MetadataExpansion substitutes {signature} and {band} tokens in the
	// target URL.
	MetadataExpansion bool `yaml:"metadataExpansion" json:"metadataExpansion"`
}

type ChallengeParams struct {
	Type             string `yaml:"type" json:"type"` // "proof_of_work" or "js_cookie"
	MinDifficultyBits int   `yaml:"minDifficultyBits" json:"minDifficultyBits"`
	MaxDifficultyBits int   `yaml:"maxDifficultyBits" json:"maxDifficultyBits"`
	TokenLifetimeSec  int   `yaml:"tokenLifetimeSec" json:"tokenLifetimeSec"`
}

type MaskPIIParams struct {
	MaxBodyBytes int64 `yaml:"maxBodyBytes" json:"maxBodyBytes"`
}
