package models

// Detector category taxonomy. New detector families register under one of
// these tags; the tag drives dashboard grouping and weight defaults.
type DetectorCategory string

const (
	CategoryUserAgent   DetectorCategory = "UserAgent"
	CategoryNetwork     DetectorCategory = "Network"
	CategoryHeader      DetectorCategory = "Header"
	CategoryFingerprint DetectorCategory = "Fingerprint"
	CategoryBehavioral  DetectorCategory = "Behavioral"
	CategoryAI          DetectorCategory = "AI"
	CategoryVerifier    DetectorCategory = "Verifier"
	CategoryReputation  DetectorCategory = "Reputation"
)

// RiskBand is the coarse, human-readable bucketing of botProbability.
//
// Band thresholds:
//
//	VeryLow  < 0.2
//	Low      < 0.4
//	Medium   < 0.6
//	High     < 0.8
//	VeryHigh ≥ 0.8
//	Verified — set only for confirmed, non-spoofed known crawlers
type RiskBand string

const (
	BandVeryLow  RiskBand = "VeryLow"
	BandLow      RiskBand = "Low"
	BandMedium   RiskBand = "Medium"
	BandHigh     RiskBand = "High"
	BandVeryHigh RiskBand = "VeryHigh"
	BandVerified RiskBand = "Verified"
)

// RiskBandFor maps a bot probability to its band.
func RiskBandFor(p float64) RiskBand {
	switch {
	case p < 0.2:
		return BandVeryLow
	case p < 0.4:
		return BandLow
	case p < 0.6:
		return BandMedium
	case p < 0.8:
		return BandHigh
	default:
		return BandVeryHigh
	}
}

// BotType is the primary taxonomy label attached to a detection.
type BotType string

const (
	BotTypeSearchEngine BotType = "SearchEngine"
	BotTypeScraper      BotType = "Scraper"
	BotTypeSecurityTool BotType = "SecurityTool"
	BotTypeMalicious    BotType = "MaliciousBot"
	BotTypeSocial       BotType = "Social"
	BotTypeTool         BotType = "Tool"
	BotTypeMonitoring   BotType = "Monitoring"
	BotTypeAIAgent      BotType = "AIAgent"
	BotTypeUnknown      BotType = "Unknown"
)

// EarlyExitVerdict records why the wave loop stopped before running every
// configured detector.
type EarlyExitVerdict string

const (
	VerdictNone           EarlyExitVerdict = ""
	VerdictImmediateBot   EarlyExitVerdict = "ImmediateBot"
	VerdictImmediateHuman EarlyExitVerdict = "ImmediateHuman"
	VerdictTimedOut       EarlyExitVerdict = "TimedOut"
)

// Contribution is a single detector's signed, weighted input to the final
// score. Effective is always recomputed as ConfidenceDelta * Weight.
type Contribution struct {
	DetectorName     string           `json:"detectorName"`
	Category         DetectorCategory `json:"category"`
	ConfidenceDelta  float64          `json:"confidenceDelta"` // [-1, +1]; positive = towards bot
	Weight           float64          `json:"weight"`
	Effective        float64          `json:"effective"`
	Reason           string           `json:"reason"`
	Wave             int              `json:"wave"`
	ProcessingTimeMs float64          `json:"processingTimeMs"`

	SuggestedBotType BotType `json:"suggestedBotType,omitempty"`
	SuggestedBotName string  `json:"suggestedBotName,omitempty"`
}

// AggregatedEvidence is the pipeline's verdict for one request. It is
// always produced, even on budget exhaustion or detector failure — the
// request path is best-effort by contract.
type AggregatedEvidence struct {
	RequestID string `json:"requestId"`

	BotProbability float64  `json:"botProbability"` // [0,1]
	Confidence     float64  `json:"confidence"`     // [0,1]
	RiskBand       RiskBand `json:"riskBand"`

	PrimaryBotType BotType `json:"primaryBotType"`
	PrimaryBotName string  `json:"primaryBotName,omitempty"`

	Contributions []Contribution `json:"contributions"`

	PolicyName               string           `json:"policyName"`
	TriggeredActionPolicy    string           `json:"triggeredActionPolicyName"`
	EarlyExit                bool             `json:"earlyExit"`
	EarlyExitVerdict         EarlyExitVerdict `json:"earlyExitVerdict,omitempty"`
	FromCache                bool             `json:"fromCache,omitempty"`
	TotalProcessingTimeMs    float64          `json:"totalProcessingTimeMs"`
	ContributingDetectors    []string         `json:"contributingDetectors"`
	FailedDetectors          []string         `json:"failedDetectors"`
	OmittedDetectors         []string         `json:"omittedDetectors,omitempty"`
}

// IsBot applies the middleware's configured cutoff to the fused probability.
// Verified crawlers are never reported as bots regardless of probability.
func (e *AggregatedEvidence) IsBot(threshold float64) bool {
	if e.RiskBand == BandVerified {
		return false
	}
	return e.BotProbability >= threshold
}
