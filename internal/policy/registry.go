package policy

import (
	"errors"
	"fmt"
	"path"
	"sync"
)

// ErrUnknownActionPolicy is returned when a detection policy or caller
// references an action policy name that was never registered.
var ErrUnknownActionPolicy = errors.New("unknown action policy")

// DefaultPolicyName is the detection policy used for unmatched paths.
const DefaultPolicyName = "default"

type pathBinding struct {
	pattern    string
	policyName string
	// specificity = number of literal (non-wildcard) characters; higher
	// wins, ties go to earlier registration.
	specificity int
	order       int
}

// Registry holds detection policies, action policies, and path bindings.
type Registry struct {
	mu               sync.RWMutex
	detection        map[string]DetectionPolicy
	action           map[string]ActionPolicy
	bindings         []pathBinding
	bindingByPattern map[string]int // index into bindings
	nextOrder        int
	globalDefault    string
}

// NewRegistry creates a registry with the given global default action
// policy name.
func NewRegistry(globalDefaultAction string) *Registry {
	return &Registry{
		detection:        make(map[string]DetectionPolicy),
		action:           make(map[string]ActionPolicy),
		bindingByPattern: make(map[string]int),
		globalDefault:    globalDefaultAction,
	}
}

// GlobalDefaultAction returns the configured fallback action policy name.
func (r *Registry) GlobalDefaultAction() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.globalDefault
}

// RegisterDetectionPolicy stores a detection policy. Re-registering a
// name replaces the previous definition.
func (r *Registry) RegisterDetectionPolicy(p DetectionPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("detection policy has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detection[p.Name] = p
	return nil
}

// RegisterActionPolicy stores an action policy. A duplicate name is a
// configuration error — the process must not start with ambiguous actions.
func (r *Registry) RegisterActionPolicy(a ActionPolicy) error {
	if a.Name == "" {
		return fmt.Errorf("action policy has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.action[a.Name]; exists {
		return fmt.Errorf("action policy %q registered twice", a.Name)
	}
	r.action[a.Name] = a
	return nil
}

// BindPath maps a path glob to a detection policy name. Binding the same
// pattern again replaces the prior binding (idempotent by resolution).
func (r *Registry) BindPath(pattern, policyName string) error {
	if _, err := path.Match(pattern, "/"); err != nil {
		return fmt.Errorf("malformed path glob %q: %w", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, exists := r.bindingByPattern[pattern]; exists {
		r.bindings[idx].policyName = policyName
		return nil
	}

	r.bindings = append(r.bindings, pathBinding{
		pattern:     pattern,
		policyName:  policyName,
		specificity: globSpecificity(pattern),
		order:       r.nextOrder,
	})
	r.bindingByPattern[pattern] = len(r.bindings) - 1
	r.nextOrder++
	return nil
}

// ResolveDetectionPolicy picks the detection policy for a request path.
// The most specific matching glob wins; ties break by registration order;
// no match falls back to the "default" policy.
func (r *Registry) ResolveDetectionPolicy(requestPath string) DetectionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	for i, b := range r.bindings {
		ok, err := path.Match(b.pattern, requestPath)
		if err != nil || !ok {
			continue
		}
		if best == -1 ||
			b.specificity > r.bindings[best].specificity ||
			(b.specificity == r.bindings[best].specificity && b.order < r.bindings[best].order) {
			best = i
		}
	}

	name := DefaultPolicyName
	if best >= 0 {
		name = r.bindings[best].policyName
	}
	if p, ok := r.detection[name]; ok {
		return p
	}
	if p, ok := r.detection[DefaultPolicyName]; ok {
		return p
	}
	// A registry without a default policy still resolves: empty waves,
	// conservative thresholds.
	return DetectionPolicy{
		Name:                    DefaultPolicyName,
		EarlyExitThreshold:      0.9,
		ImmediateBlockThreshold: 0.95,
		WallClockBudgetMs:       50,
	}
}

// ResolveActionPolicy looks up a registered action policy.
func (r *Registry) ResolveActionPolicy(name string) (ActionPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.action[name]
	if !ok {
		return ActionPolicy{}, fmt.Errorf("%w: %q", ErrUnknownActionPolicy, name)
	}
	return a, nil
}

// ActionPolicyNames lists registered action policies.
func (r *Registry) ActionPolicyNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.action))
	for name := range r.action {
		out = append(out, name)
	}
	return out
}

// DetectionPolicies returns a copy of all registered detection policies.
func (r *Registry) DetectionPolicies() []DetectionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DetectionPolicy, 0, len(r.detection))
	for _, p := range r.detection {
		out = append(out, p)
	}
	return out
}

// Validate checks cross-references: every detection policy's action name
// and transition targets must resolve, and the global default must exist.
func (r *Registry) Validate(knownDetectors map[string]bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.action[r.globalDefault]; !ok {
		return fmt.Errorf("global default action policy %q not registered", r.globalDefault)
	}

	for name, p := range r.detection {
		if p.ActionPolicyName != "" {
			if _, ok := r.action[p.ActionPolicyName]; !ok {
				return fmt.Errorf("detection policy %q references %w %q", name, ErrUnknownActionPolicy, p.ActionPolicyName)
			}
		}
		for _, rule := range p.Transitions {
			if _, ok := r.action[rule.ActionPolicy]; !ok {
				return fmt.Errorf("detection policy %q transition references %w %q", name, ErrUnknownActionPolicy, rule.ActionPolicy)
			}
		}
		if knownDetectors != nil {
			for _, wave := range p.Waves {
				for _, det := range wave {
					if !knownDetectors[det] {
						return fmt.Errorf("detection policy %q references unknown detector %q", name, det)
					}
				}
			}
		}
	}
	return nil
}

// globSpecificity counts literal characters in a glob pattern.
func globSpecificity(pattern string) int {
	n := 0
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']':
		default:
			n++
		}
	}
	return n
}
