package models

// ActionKind enumerates what the middleware does with a classified request.
type ActionKind string

const (
	ActionAllow     ActionKind = "allow"
	ActionLogOnly   ActionKind = "log_only"
	ActionBlock     ActionKind = "block"
	ActionThrottle  ActionKind = "throttle"
	ActionRedirect  ActionKind = "redirect"
	ActionChallenge ActionKind = "challenge"
	ActionMaskPII   ActionKind = "mask_pii"
)

// ActionDecision is the structured, fully-resolved action handed back to
// the gateway middleware. The core computes parameters (throttle delay,
// challenge difficulty) but never writes the HTTP response itself.
type ActionDecision struct {
	Kind       ActionKind `json:"kind"`
	PolicyName string     `json:"policyName"`
	Reason     string     `json:"reason"`

	// Block
	StatusCode int `json:"statusCode,omitempty"`

	// Throttle
	DelayMs int64 `json:"delayMs,omitempty"`

	// Redirect
	RedirectURL string `json:"redirectUrl,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`

	// Challenge
	ChallengeType    string `json:"challengeType,omitempty"`
	DifficultyBits   int    `json:"difficultyBits,omitempty"`
	TokenLifetimeSec int    `json:"tokenLifetimeSec,omitempty"`

	// MaskPII
	MaxBodyBytes int64 `json:"maxBodyBytes,omitempty"`
}

// DetectionEvent is the hash-only summary published to the event hub and
// optionally persisted. It carries no raw request attributes.
type DetectionEvent struct {
	RequestID        string   `json:"requestId"`
	TimestampMs      int64    `json:"timestampMs"`
	Method           string   `json:"method"`
	Path             string   `json:"path"`
	PrimarySignature string   `json:"primarySignature"`
	BotProbability   float64  `json:"botProbability"`
	Confidence       float64  `json:"confidence"`
	RiskBand         RiskBand `json:"riskBand"`
	BotType          BotType  `json:"botType"`
	BotName          string   `json:"botName,omitempty"`
	ActionKind       string   `json:"actionKind"`
	ActionPolicy     string   `json:"actionPolicy"`
	PolicyName       string   `json:"policyName"`
	EarlyExit        bool     `json:"earlyExit"`
	ProcessingTimeMs float64  `json:"processingTimeMs"`
	Reasons          []string `json:"reasons,omitempty"`
}
