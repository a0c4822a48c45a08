package detectors

import (
	"context"
	"strings"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// TLS Fingerprint Detector
//
// The middleware hands the core a JA3 hash (via the x-ja3 header set by
// the terminating proxy) plus protocol and cipher metadata. Known-browser
// JA3 values lean human; known-tool values lean bot; an unrecognised hash
// publishes tls.unknown_fingerprint for the learning triggers. When TLS
// metadata is absent the detector emits nothing, per contract.

// Known JA3 hashes. Deliberately short — the learner grows pattern
// reputation for everything outside this table.
var knownBrowserJA3 = map[string]string{
	"cd08e31494f9531f560d64c695473da9": "chrome",
	"b32309a26951912be7dba376398abc3b": "safari",
	"579ccef312d18482fc42e2b822ca2430": "firefox",
}

var knownToolJA3 = map[string]string{
	"456523fc94726331a4d5a2e1d40b2cd7": "curl",
	"3b5074b1b5d032e5620f69f9f700ff0e": "python-requests",
	"19e29534fd49dd27d09234e639c4057e": "go-tls",
}

type TLSDetector struct{}

func NewTLSDetector() *TLSDetector { return &TLSDetector{} }

func (d *TLSDetector) Metadata() Metadata {
	return Metadata{
		Name:          "tls-fingerprint",
		Category:      models.CategoryFingerprint,
		Wave:          0,
		DefaultWeight: 1.0,
		Outputs: []string{
			blackboard.KeyTLSJA3Hash,
			blackboard.KeyTLSUnknownFingerprint,
		},
	}
}

func (d *TLSDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	f := in.Features

	ja3 := strings.ToLower(f.Header("x-ja3"))
	if f.TLSProtocol == "" && ja3 == "" {
		// No TLS metadata available: the detector stays silent.
		return NoContribution(), nil
	}

	if ja3 == "" {
		// TLS terminated but no JA3 captured: nothing to fingerprint.
		return NoContribution(), nil
	}

	signals := map[string]any{blackboard.KeyTLSJA3Hash: ja3}

	if family, ok := knownBrowserJA3[ja3]; ok {
		res := Contribute(-0.4, "TLS fingerprint matches "+family)
		res.Signals = signals
		return res, nil
	}

	if tool, ok := knownToolJA3[ja3]; ok {
		res := Contribute(0.7, "TLS fingerprint matches "+tool)
		res.SuggestedBotType = models.BotTypeTool
		res.SuggestedBotName = tool
		res.Signals = signals
		return res, nil
	}

	// Unknown fingerprint: mildly suspicious, and flagged for pattern
	// extraction by the learning triggers.
	signals[blackboard.KeyTLSUnknownFingerprint] = true
	res := Contribute(0.15, "unrecognised TLS fingerprint")
	res.Signals = signals
	return res, nil
}
