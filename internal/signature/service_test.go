package signature

import (
	"strings"
	"testing"

	"github.com/rawblock/botwall/pkg/models"
)

func testFeatures() *models.RequestFeatures {
	return &models.RequestFeatures{
		Method:     "GET",
		Path:       "/products/42",
		RemoteAddr: "203.0.113.7",
		Subnet24:   "203.0.113.0/24",
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/129.0.0.0",
	}
}

func TestNewService_KeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"Missing Key", nil, true},
		{"Short Key", []byte("only-15-bytes!!"), true},
		{"Exactly 128 Bits", []byte("exactly-16-bytes"), false},
		{"Long Key", []byte("a-much-longer-key-is-perfectly-fine"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewService() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompute_Deterministic(t *testing.T) {
	svc, err := NewService([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	a := svc.Compute(testFeatures())
	b := svc.Compute(testFeatures())

	if a != b {
		t.Errorf("identical inputs must produce identical bundles:\n%+v\n%+v", a, b)
	}
}

func TestCompute_DistinctInputsDistinctHashes(t *testing.T) {
	svc, _ := NewService([]byte("0123456789abcdef"))

	f1 := testFeatures()
	f2 := testFeatures()
	f2.UserAgent = "curl/8.4.0"

	s1 := svc.Compute(f1)
	s2 := svc.Compute(f2)

	if s1.Primary == s2.Primary {
		t.Errorf("different user agents must not collide on primary signature")
	}
	if s1.UAHash == s2.UAHash {
		t.Errorf("different user agents must not collide on uaHash")
	}
	// IP did not change, so the IP factor must be stable.
	if s1.IPHash != s2.IPHash {
		t.Errorf("identical IPs must produce identical ipHash")
	}
}

func TestCompute_KeySeparation(t *testing.T) {
	svc1, _ := NewService([]byte("0123456789abcdef"))
	svc2, _ := NewService([]byte("fedcba9876543210"))

	if svc1.Compute(testFeatures()).Primary == svc2.Compute(testFeatures()).Primary {
		t.Errorf("different keys must produce different signatures")
	}
}

func TestCompute_MissingFactorsAbsent(t *testing.T) {
	svc, _ := NewService([]byte("0123456789abcdef"))

	f := &models.RequestFeatures{Method: "GET", Path: "/"}
	sigs := svc.Compute(f)

	if sigs.Primary == "" || sigs.RequestFingerprint == "" {
		t.Errorf("primary and request fingerprint are always present")
	}
	if sigs.IPHash != "" || sigs.UAHash != "" || sigs.SubnetHash != "" ||
		sigs.ClientFingerprintHash != "" || sigs.PluginHash != "" {
		t.Errorf("missing raw factors must yield absent fields, got %+v", sigs)
	}
}

func TestCompute_NoRawPIIInOutput(t *testing.T) {
	svc, _ := NewService([]byte("0123456789abcdef"))
	f := testFeatures()
	sigs := svc.Compute(f)

	for _, hash := range []string{sigs.Primary, sigs.IPHash, sigs.UAHash, sigs.SubnetHash, sigs.RequestFingerprint} {
		if strings.Contains(hash, f.RemoteAddr) || strings.Contains(hash, "Mozilla") {
			t.Errorf("raw PII leaked into signature output: %s", hash)
		}
		if hash != "" && len(hash) > 128 {
			t.Errorf("signature exceeds 128 hex chars: %d", len(hash))
		}
	}
}

func TestCompute_FactorBoundaries(t *testing.T) {
	svc, _ := NewService([]byte("0123456789abcdef"))

	// ("ab","c") and ("a","bc") must not produce the same MAC input.
	f1 := &models.RequestFeatures{RemoteAddr: "ab", UserAgent: "c"}
	f2 := &models.RequestFeatures{RemoteAddr: "a", UserAgent: "bc"}

	if svc.Compute(f1).Primary == svc.Compute(f2).Primary {
		t.Errorf("factor concatenation is ambiguous")
	}
}

func TestHashPattern(t *testing.T) {
	svc, _ := NewService([]byte("0123456789abcdef"))

	a := svc.HashPattern("ua-family", "curl")
	b := svc.HashPattern("ua-family", "curl")
	c := svc.HashPattern("ip-subnet", "curl")

	if a != b {
		t.Errorf("pattern hashing must be deterministic")
	}
	if a == c {
		t.Errorf("pattern type must participate in the hash")
	}
}

func TestSubnet24Of(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.7", "203.0.113.0/24"},
		{"203.0.113.7:8443", "203.0.113.0/24"},
		{"10.1.2.3", "10.1.2.0/24"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := models.Subnet24Of(tt.in); got != tt.want {
			t.Errorf("Subnet24Of(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
