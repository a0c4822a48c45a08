package detectors

import (
	"context"
	"log"
	"net"
	"strings"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Crawler Verifier Detector
//
// A user agent claiming Googlebot is either the genuine crawler or an
// impersonator — and impersonators are the single most common disguise in
// scraper traffic. Verification here is by published crawler IP range
// (reverse-DNS verification lives outside the core). Outcomes:
//
//   claim + range match    → verifiedbot.confirmed, strong human-side lean,
//                            identity recorded for the Verified risk band
//   claim + range mismatch → verifiedbot.spoofed, hard bot contribution
//   no claim               → silent

type crawlerIdentity struct {
	token  string // lower-case UA needle
	name   string
	ranges []string
}

var knownCrawlers = []crawlerIdentity{
	{"googlebot", "Googlebot", []string{"66.249.64.0/19", "64.233.160.0/19", "216.239.32.0/19"}},
	{"bingbot", "bingbot", []string{"157.55.32.0/20", "207.46.0.0/16", "40.77.160.0/19"}},
	{"duckduckbot", "DuckDuckBot", []string{"20.191.45.212/32", "40.88.21.235/32", "52.142.24.149/32"}},
	{"applebot", "Applebot", []string{"17.0.0.0/8"}},
	{"yandexbot", "YandexBot", []string{"5.45.192.0/18", "77.88.0.0/18", "213.180.192.0/19"}},
}

// VerifierDetector validates claimed crawler identities.
type VerifierDetector struct {
	crawlers []compiledCrawler
}

type compiledCrawler struct {
	token  string
	name   string
	ranges []*net.IPNet
}

func NewVerifierDetector() *VerifierDetector {
	d := &VerifierDetector{}
	for _, c := range knownCrawlers {
		cc := compiledCrawler{token: c.token, name: c.name}
		for _, cidr := range c.ranges {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				log.Printf("[Verifier] Skipping malformed crawler CIDR %q: %v", cidr, err)
				continue
			}
			cc.ranges = append(cc.ranges, ipNet)
		}
		d.crawlers = append(d.crawlers, cc)
	}
	return d
}

func (d *VerifierDetector) Metadata() Metadata {
	return Metadata{
		Name:          "crawler-verifier",
		Category:      models.CategoryVerifier,
		Wave:          0,
		DefaultWeight: 1.5,
		Outputs: []string{
			blackboard.KeyVerifiedConfirmed,
			blackboard.KeyVerifiedSpoofed,
		},
	}
}

func (d *VerifierDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	ua := strings.ToLower(in.Features.UserAgent)

	var claimed *compiledCrawler
	for i := range d.crawlers {
		if strings.Contains(ua, d.crawlers[i].token) {
			claimed = &d.crawlers[i]
			break
		}
	}
	if claimed == nil {
		return NoContribution(), nil
	}

	host := in.Features.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)

	verified := false
	if ip != nil {
		for _, r := range claimed.ranges {
			if r.Contains(ip) {
				verified = true
				break
			}
		}
	}

	if verified {
		res := Contribute(-0.8, "verified "+claimed.name+" from published crawler range")
		res.SuggestedBotType = models.BotTypeSearchEngine
		res.SuggestedBotName = claimed.name
		res.Signals = map[string]any{
			blackboard.KeyVerifiedConfirmed: true,
			blackboard.KeyVerifiedSpoofed:   false,
		}
		return res, nil
	}

	res := Contribute(0.85, "spoofed "+claimed.name+" identity: source outside crawler ranges")
	res.SuggestedBotType = models.BotTypeMalicious
	res.SuggestedBotName = "fake-" + claimed.name
	res.Signals = map[string]any{
		blackboard.KeyVerifiedConfirmed: false,
		blackboard.KeyVerifiedSpoofed:   true,
	}
	return res, nil
}
