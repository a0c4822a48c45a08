package detectors

import (
	"context"
	"strings"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Path Scanner Detector
//
// Vulnerability scanners walk a predictable probe list: CMS logins,
// leaked VCS metadata, environment files, admin panels. A single probe
// path is already a strong signal; a history full of them is conclusive.

var scannerPaths = []string{
	"/wp-login.php", "/wp-admin", "/xmlrpc.php", "/wp-content/",
	"/.git/", "/.svn/", "/.hg/",
	"/.env", "/.env.local", "/.env.production",
	"/.aws/credentials", "/.ssh/id_rsa", "/.htpasswd",
	"/phpmyadmin", "/pma/", "/adminer",
	"/config.php", "/configuration.php", "/web.config",
	"/backup.sql", "/dump.sql", "/db.sql",
	"/actuator/", "/jmx-console", "/manager/html",
	"/cgi-bin/", "/shell.php", "/cmd.php",
	"/etc/passwd", "/proc/self/environ",
	"/vendor/phpunit", "/telescope/requests",
	"/owa/auth", "/ecp/default.aspx",
	"/id_dsa", "/server-status",
}

// PathScanDetector flags requests probing for known-vulnerable paths.
type PathScanDetector struct{}

func NewPathScanDetector() *PathScanDetector { return &PathScanDetector{} }

func (d *PathScanDetector) Metadata() Metadata {
	return Metadata{
		Name:          "path-scanner",
		Category:      models.CategoryBehavioral,
		Wave:          1,
		DefaultWeight: 1.0,
		Outputs:       []string{blackboard.KeyPathScannerScore},
	}
}

func (d *PathScanDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	path := strings.ToLower(in.Features.Path)

	hit := ""
	for _, probe := range scannerPaths {
		if strings.Contains(path, probe) {
			hit = probe
			break
		}
	}

	// Count how many of the signature's recent routes were probe paths —
	// one stray 404 is noise, a streak is a scan in progress.
	streak := 0
	for _, route := range in.History.RecentRoutes {
		for _, probe := range scannerPaths {
			if strings.Contains(route, probe) {
				streak++
				break
			}
		}
	}

	if hit == "" && streak == 0 {
		return NoContribution(), nil
	}

	score := 0.0
	reason := ""
	switch {
	case hit != "" && streak >= 3:
		score = 1.0
		reason = "active vulnerability scan: " + hit + " after repeated probes"
	case hit != "":
		score = 0.85
		reason = "vulnerability probe path: " + hit
	default:
		score = 0.4
		reason = "recent history contains vulnerability probes"
	}

	res := Contribute(score, reason)
	res.SuggestedBotType = models.BotTypeSecurityTool
	res.Signals = map[string]any{blackboard.KeyPathScannerScore: score}
	return res, nil
}
