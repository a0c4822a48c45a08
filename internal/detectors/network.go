package detectors

import (
	"context"
	"log"
	"net"

	"github.com/rawblock/botwall/internal/blackboard"
	"github.com/rawblock/botwall/pkg/models"
)

// Network Origin Detector
//
// Residential traffic and datacenter traffic have very different priors:
// almost no humans browse from an EC2 instance. The detector checks the
// remote address against a static table of well-known cloud ranges.
// The table is deliberately small — it is a prior, not an allow/deny list;
// operators extend it via configuration.

var defaultDatacenterCIDRs = []string{
	// AWS (representative ranges)
	"3.0.0.0/9", "13.52.0.0/14", "18.32.0.0/11", "34.192.0.0/10", "52.0.0.0/10", "54.64.0.0/11",
	// GCP
	"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "130.211.0.0/16",
	// Azure
	"13.64.0.0/11", "20.33.0.0/16", "40.64.0.0/10", "52.224.0.0/11",
	// DigitalOcean
	"104.131.0.0/16", "134.209.0.0/16", "159.65.0.0/16", "167.99.0.0/16", "178.128.0.0/16",
	// Hetzner
	"5.9.0.0/16", "88.198.0.0/16", "95.216.0.0/16", "135.181.0.0/16",
	// OVH
	"51.38.0.0/16", "51.68.0.0/16", "141.94.0.0/16",
}

// NetworkDetector classifies the request's network origin.
type NetworkDetector struct {
	ranges []*net.IPNet
}

// NewNetworkDetector compiles the CIDR table. Extra operator-supplied
// ranges are appended to the built-in set; malformed entries are logged
// and skipped.
func NewNetworkDetector(extraCIDRs []string) *NetworkDetector {
	d := &NetworkDetector{}
	for _, cidr := range append(append([]string{}, defaultDatacenterCIDRs...), extraCIDRs...) {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Printf("[NetworkDetector] Skipping malformed CIDR %q: %v", cidr, err)
			continue
		}
		d.ranges = append(d.ranges, ipNet)
	}
	return d
}

func (d *NetworkDetector) Metadata() Metadata {
	return Metadata{
		Name:          "network-origin",
		Category:      models.CategoryNetwork,
		Wave:          0,
		DefaultWeight: 0.9,
		Outputs:       []string{blackboard.KeyIPIsDatacenter},
	}
}

// IsDatacenterAddr reports whether a remote address (host or host:port)
// falls inside a known datacenter range. Used for cohort grouping before
// the detector itself runs.
func (d *NetworkDetector) IsDatacenterAddr(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return false
	}
	for _, r := range d.ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func (d *NetworkDetector) Evaluate(_ context.Context, in *Input) (Result, error) {
	host := in.Features.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NoContribution(), nil
	}

	if ip.IsLoopback() || ip.IsPrivate() {
		// Internal traffic: no network prior either way.
		res := NoContribution()
		res.Signals = map[string]any{blackboard.KeyIPIsDatacenter: false}
		return res, nil
	}

	for _, r := range d.ranges {
		if r.Contains(ip) {
			res := Contribute(0.35, "request originates from a datacenter range")
			res.Signals = map[string]any{blackboard.KeyIPIsDatacenter: true}
			return res, nil
		}
	}

	res := Contribute(-0.1, "residential network origin")
	res.Signals = map[string]any{blackboard.KeyIPIsDatacenter: false}
	return res, nil
}
