package detectors

import (
	"context"
	"strings"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Header Anomaly Detector
//
// Real browsers send a predictable envelope: Accept, Accept-Language,
// Accept-Encoding, and usually a Referer on navigations. Scripted clients
// send the bare minimum. Each missing expectation adds to an anomaly
// score; a fully browser-shaped envelope leans human.

type HeaderDetector struct{}

func NewHeaderDetector() *HeaderDetector { return &HeaderDetector{} }

func (d *HeaderDetector) Metadata() Metadata {
	return Metadata{
		Name:          "header-anomaly",
		Category:      models.CategoryHeader,
		Wave:          0,
		DefaultWeight: 0.8,
		Outputs: []string{
			blackboard.KeyHeaderAnomaly,
			blackboard.KeyHeaderHasReferer,
		},
	}
}

func (d *HeaderDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	f := in.Features

	anomalies := 0
	var missing []string

	if !f.HasHeader("accept") {
		anomalies++
		missing = append(missing, "Accept")
	}
	if !f.HasHeader("accept-language") {
		anomalies++
		missing = append(missing, "Accept-Language")
	}
	if !f.HasHeader("accept-encoding") {
		anomalies++
		missing = append(missing, "Accept-Encoding")
	}

	hasReferer := f.HasHeader("referer")

	// Proxy-loop and automation tells.
	if f.HasHeader("x-requested-with") && f.Header("x-requested-with") != "XMLHttpRequest" {
		anomalies++
		missing = append(missing, "X-Requested-With")
	}
	if conn := strings.ToLower(f.Header("connection")); conn == "close" && f.HTTPVersion == "HTTP/1.1" {
		// Browsers keep connections alive; one-shot scripts close them.
		anomalies++
		missing = append(missing, "Connection")
	}

	score := float64(anomalies) / 4.0
	if score > 1 {
		score = 1
	}

	signals := map[string]any{
		blackboard.KeyHeaderAnomaly:    score,
		blackboard.KeyHeaderHasReferer: hasReferer,
	}

	switch {
	case anomalies >= 3:
		res := Contribute(0.6, "bare request envelope: missing "+strings.Join(missing, ", "))
		res.Signals = signals
		return res, nil
	case anomalies > 0:
		res := Contribute(0.25*float64(anomalies), "incomplete request envelope: missing "+strings.Join(missing, ", "))
		res.Signals = signals
		return res, nil
	case hasReferer:
		// Full envelope with a referrer: human-leaning.
		res := Contribute(-0.3, "complete browser envelope with referrer")
		res.Signals = signals
		return res, nil
	default:
		res := Contribute(-0.15, "complete browser envelope")
		res.Signals = signals
		return res, nil
	}
}
