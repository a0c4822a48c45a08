package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rawblock/botwall/internal/policy"
)

// Policy file schema. Unknown keys fail loudly at startup — a typoed
// threshold silently defaulting is worse than a crash.

type PolicyFile struct {
	DefaultActionPolicy string                   `yaml:"defaultActionPolicy"`
	ActionPolicies      []policy.ActionPolicy    `yaml:"actionPolicies"`
	DetectionPolicies   []policy.DetectionPolicy `yaml:"detectionPolicies"`
	PathPolicies        []PathBinding            `yaml:"pathPolicies"`
}

type PathBinding struct {
	Pattern string `yaml:"pattern"`
	Policy  string `yaml:"policy"`
}

// LoadPolicyFile parses a YAML policy file with strict field checking.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return &pf, nil
}

// BuildPolicyRegistry assembles a registry from a policy file, falling
// back to the built-in set when pf is nil.
func BuildPolicyRegistry(pf *PolicyFile, defaultAction string) (*policy.Registry, error) {
	if pf == nil {
		pf = DefaultPolicies()
	}
	if pf.DefaultActionPolicy != "" {
		defaultAction = pf.DefaultActionPolicy
	}
	if defaultAction == "" {
		defaultAction = "allow"
	}

	reg := policy.NewRegistry(defaultAction)
	for _, a := range pf.ActionPolicies {
		if err := reg.RegisterActionPolicy(a); err != nil {
			return nil, err
		}
	}
	for _, p := range pf.DetectionPolicies {
		if err := reg.RegisterDetectionPolicy(normalizeDetectionPolicy(p)); err != nil {
			return nil, err
		}
	}
	for _, b := range pf.PathPolicies {
		if err := reg.BindPath(b.Pattern, b.Policy); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// normalizeDetectionPolicy fills the thresholds a terse policy file leaves
// unset.
func normalizeDetectionPolicy(p policy.DetectionPolicy) policy.DetectionPolicy {
	if p.EarlyExitThreshold == 0 {
		p.EarlyExitThreshold = 0.9
	}
	if p.ImmediateBlockThreshold == 0 {
		p.ImmediateBlockThreshold = 0.95
	}
	if p.WallClockBudgetMs == 0 {
		p.WallClockBudgetMs = 50
	}
	return p
}

// DefaultPolicies is the built-in policy set used when no file is given:
// hostile traffic is throttled or blocked, verified crawlers pass, and
// everything else is allowed.
func DefaultPolicies() *PolicyFile {
	return &PolicyFile{
		DefaultActionPolicy: "allow",
		ActionPolicies: []policy.ActionPolicy{
			{Name: "allow", Kind: policy.KindAllow},
			{Name: "log-only", Kind: policy.KindLogOnly},
			{Name: "block-403", Kind: policy.KindBlock, Block: policy.BlockParams{StatusCode: 403}},
			{
				Name: "throttle-stealth", Kind: policy.KindThrottle,
				Throttle: policy.ThrottleParams{
					BaseDelayMs:    500,
					MaxDelayMs:     8000,
					JitterFraction: 0.15,
					ScaleByRisk:    true,
					RiskMultiplier: 10,
				},
			},
			{
				Name: "challenge-pow", Kind: policy.KindChallenge,
				Challenge: policy.ChallengeParams{
					Type:              "proof_of_work",
					MinDifficultyBits: 8,
					MaxDifficultyBits: 20,
					TokenLifetimeSec:  600,
				},
			},
			{
				Name: "redirect-honeypot", Kind: policy.KindRedirect,
				Redirect: policy.RedirectParams{TargetURL: "/trap?band={band}", MetadataExpansion: true},
			},
			{
				Name: "mask-pii", Kind: policy.KindMaskPII,
				MaskPII: policy.MaskPIIParams{MaxBodyBytes: 1 << 20},
			},
		},
		DetectionPolicies: []policy.DetectionPolicy{
			{
				Name:                    "default",
				EarlyExitThreshold:      0.9,
				ImmediateBlockThreshold: 0.95,
				WallClockBudgetMs:       50,
				CacheVerdicts:           true,
				ActionPolicyName:        "allow",
				Transitions: []policy.TransitionRule{
					{WhenRiskExceeds: 0.95, ActionPolicy: "block-403"},
					{WhenRiskExceeds: 0.7, ActionPolicy: "throttle-stealth"},
				},
			},
		},
	}
}
