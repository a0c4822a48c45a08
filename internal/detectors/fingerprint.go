package detectors

import (
	"context"
	"encoding/json"

	"github.com/rawblock/botwall/pkg/models"
)

// Client Fingerprint Integrity Detector
//
// The optional client-side probe collects a JSON payload (screen metrics,
// plugin availability, automation flags) that the middleware passes
// through as an opaque string. Presence of a coherent probe is strong
// human-leaning evidence; an automation flag inside it is a hard bot
// tell. Requests without a probe are neutral — most first requests have
// not executed the probe script yet.

type probePayload struct {
	ScreenWidth  int  `json:"screenWidth"`
	ScreenHeight int  `json:"screenHeight"`
	HasPlugins   bool `json:"hasPlugins"`
	HasWebGL     bool `json:"hasWebgl"`
	Webdriver    bool `json:"webdriver"`
	Touch        bool `json:"touch"`
}

type FingerprintDetector struct{}

func NewFingerprintDetector() *FingerprintDetector { return &FingerprintDetector{} }

func (d *FingerprintDetector) Metadata() Metadata {
	return Metadata{
		Name:          "fingerprint-integrity",
		Category:      models.CategoryFingerprint,
		Wave:          1,
		DefaultWeight: 1.2,
	}
}

func (d *FingerprintDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	raw := in.Features.ClientProbe
	if raw == "" {
		return NoContribution(), nil
	}

	var probe probePayload
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		// A probe that does not parse was forged or mangled.
		return Contribute(0.5, "malformed client probe payload"), nil
	}

	if probe.Webdriver {
		res := Contribute(0.9, "client probe reports webdriver automation")
		res.SuggestedBotType = models.BotTypeScraper
		return res, nil
	}

	if probe.ScreenWidth <= 0 || probe.ScreenHeight <= 0 {
		return Contribute(0.6, "client probe reports zero-sized screen"), nil
	}

	// Coherent probe from a real rendering environment.
	delta := -0.5
	if !probe.HasWebGL && !probe.HasPlugins {
		// Barebones environment: weaker human lean.
		delta = -0.2
	}
	return Contribute(delta, "coherent client fingerprint probe"), nil
}
