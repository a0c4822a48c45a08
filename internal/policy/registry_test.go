package policy

import (
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry("allow")

	for _, a := range []ActionPolicy{
		{Name: "allow", Kind: KindAllow},
		{Name: "block-403", Kind: KindBlock, Block: BlockParams{StatusCode: 403}},
		{Name: "throttle-stealth", Kind: KindThrottle, Throttle: ThrottleParams{BaseDelayMs: 500, MaxDelayMs: 8000, ScaleByRisk: true}},
	} {
		if err := r.RegisterActionPolicy(a); err != nil {
			t.Fatalf("RegisterActionPolicy(%s): %v", a.Name, err)
		}
	}

	for _, p := range []DetectionPolicy{
		{Name: "default", ActionPolicyName: "allow", EarlyExitThreshold: 0.9, ImmediateBlockThreshold: 0.95, WallClockBudgetMs: 50},
		{Name: "strict", ActionPolicyName: "block-403", EarlyExitThreshold: 0.8, ImmediateBlockThreshold: 0.9, WallClockBudgetMs: 25},
		{Name: "lenient", ActionPolicyName: "allow", EarlyExitThreshold: 0.99, WallClockBudgetMs: 100},
	} {
		if err := r.RegisterDetectionPolicy(p); err != nil {
			t.Fatalf("RegisterDetectionPolicy(%s): %v", p.Name, err)
		}
	}
	return r
}

func TestResolveDetectionPolicy_LongestGlobWins(t *testing.T) {
	r := testRegistry(t)

	if err := r.BindPath("/api/*", "lenient"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}
	if err := r.BindPath("/api/admin*", "strict"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/api/products", "lenient"},
		{"/api/admin", "strict"},
		{"/api/admin-panel", "strict"},
		{"/unbound", "default"},
	}
	for _, tt := range tests {
		if got := r.ResolveDetectionPolicy(tt.path); got.Name != tt.want {
			t.Errorf("ResolveDetectionPolicy(%q) = %s, want %s", tt.path, got.Name, tt.want)
		}
	}
}

func TestResolveDetectionPolicy_TieBrokenByRegistrationOrder(t *testing.T) {
	r := testRegistry(t)

	// Same specificity (identical literal count), first registration wins.
	if err := r.BindPath("/x/aa*", "strict"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}
	if err := r.BindPath("/x/bb*", "lenient"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}

	if got := r.ResolveDetectionPolicy("/x/aahit"); got.Name != "strict" {
		t.Errorf("got %s, want strict", got.Name)
	}
}

func TestBindPath_Idempotent(t *testing.T) {
	r := testRegistry(t)

	if err := r.BindPath("/admin*", "lenient"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}
	// Re-binding the same pattern replaces, it does not stack.
	if err := r.BindPath("/admin*", "strict"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}
	if err := r.BindPath("/admin*", "strict"); err != nil {
		t.Fatalf("BindPath: %v", err)
	}

	if got := r.ResolveDetectionPolicy("/admin-area"); got.Name != "strict" {
		t.Errorf("got %s, want strict after re-binding", got.Name)
	}
	if len(r.bindings) != 1 {
		t.Errorf("re-binding must not add bindings, have %d", len(r.bindings))
	}
}

func TestResolveActionPolicy_Unknown(t *testing.T) {
	r := testRegistry(t)

	if _, err := r.ResolveActionPolicy("no-such-policy"); !errors.Is(err, ErrUnknownActionPolicy) {
		t.Errorf("expected ErrUnknownActionPolicy, got %v", err)
	}
	if _, err := r.ResolveActionPolicy("block-403"); err != nil {
		t.Errorf("registered policy must resolve: %v", err)
	}
}

func TestRegisterActionPolicy_DuplicateFails(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterActionPolicy(ActionPolicy{Name: "allow", Kind: KindAllow}); err == nil {
		t.Errorf("duplicate action policy must be rejected")
	}
}

func TestSelectAction_TransitionOrder(t *testing.T) {
	p := DetectionPolicy{
		Name:             "t",
		ActionPolicyName: "allow",
		Transitions: []TransitionRule{
			{WhenSignalPresent: "verifiedbot.confirmed", ActionPolicy: "allow"},
			{WhenRiskExceeds: 0.95, ActionPolicy: "block-403"},
			{WhenRiskExceeds: 0.7, ActionPolicy: "throttle-stealth"},
		},
	}

	signals := map[string]bool{}
	has := func(k string) bool { return signals[k] }

	tests := []struct {
		name string
		risk float64
		sig  string
		want string
	}{
		{"Low Risk Fallback", 0.2, "", "allow"},
		{"Throttle Band", 0.75, "", "throttle-stealth"},
		{"Block Band", 0.97, "", "block-403"},
		{"Signal Overrides Risk", 0.97, "verifiedbot.confirmed", "allow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals = map[string]bool{}
			if tt.sig != "" {
				signals[tt.sig] = true
			}
			if got := p.SelectAction(tt.risk, has, "allow"); got != tt.want {
				t.Errorf("SelectAction(%v) = %s, want %s", tt.risk, got, tt.want)
			}
		})
	}
}

func TestSelectAction_ZeroThresholdIsUnset(t *testing.T) {
	// A rule that sets neither condition (the YAML zero value) must never
	// fire; the base action stays in force.
	p := DetectionPolicy{
		Name:             "t",
		ActionPolicyName: "allow",
		Transitions: []TransitionRule{
			{ActionPolicy: "block-403"},
		},
	}
	if got := p.SelectAction(0.05, nil, "allow"); got != "allow" {
		t.Errorf("unset rule fired: got %s, want allow", got)
	}
	if got := p.SelectAction(0.99, nil, "allow"); got != "allow" {
		t.Errorf("unset rule fired at high risk: got %s, want allow", got)
	}
}

func TestSelectAction_GlobalDefaultFallback(t *testing.T) {
	p := DetectionPolicy{Name: "bare"}
	if got := p.SelectAction(0.5, nil, "log-only"); got != "log-only" {
		t.Errorf("got %s, want global default", got)
	}
}

func TestValidate(t *testing.T) {
	r := testRegistry(t)
	known := map[string]bool{"ua-analyzer": true}

	if err := r.Validate(known); err != nil {
		t.Fatalf("valid registry must validate: %v", err)
	}

	// Unknown detector in a wave.
	_ = r.RegisterDetectionPolicy(DetectionPolicy{
		Name: "broken", ActionPolicyName: "allow",
		Waves: [][]string{{"no-such-detector"}},
	})
	if err := r.Validate(known); err == nil {
		t.Errorf("unknown detector name must fail validation")
	}
}

func TestValidate_MissingGlobalDefault(t *testing.T) {
	r := NewRegistry("ghost")
	if err := r.Validate(nil); err == nil {
		t.Errorf("missing global default action must fail validation")
	}
}
