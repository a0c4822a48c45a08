package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rawblock/botwall/pkg/models"
)

// Signature Service
//
// Produces the privacy-preserving identity bundle for every request.
// All identities are keyed HMAC-SHA256 hashes; raw IPs and user agents
// enter this package and never leave it. Two requests with identical raw
// inputs always hash to identical signatures, so long-lived state can be
// keyed by hash without ever storing PII.
//
// Factor separators are explicit so that ("ab", "c") and ("a", "bc")
// cannot collide into the same MAC input.

// MinKeyBytes is the minimum accepted hash key length (128 bits).
const MinKeyBytes = 16

// maxHexLen caps every emitted signature at 128 hex characters.
const maxHexLen = 128

// ErrKeyTooShort is returned at construction when the configured hash key
// is missing or shorter than 128 bits. The process must refuse to start.
var ErrKeyTooShort = errors.New("signature hash key must be at least 128 bits")

const factorSep = "\x1f"

// Service computes the signature bundle. Safe for concurrent use.
type Service struct {
	key []byte
}

// NewService validates the secret key and returns a ready service.
func NewService(key []byte) (*Service, error) {
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrKeyTooShort, len(key), MinKeyBytes)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Service{key: k}, nil
}

// Compute builds the full bundle for a request. Missing raw factors
// produce absent (empty) fields, never hashes of empty strings.
func (s *Service) Compute(f *models.RequestFeatures) models.Signatures {
	sigs := models.Signatures{
		Primary:            s.mac("primary", f.RemoteAddr, f.UserAgent),
		RequestFingerprint: s.mac("reqfp", f.Method, f.Path, f.UserAgent),
	}

	if f.RemoteAddr != "" {
		sigs.IPHash = s.mac("ip", f.RemoteAddr)
	}
	if f.UserAgent != "" {
		sigs.UAHash = s.mac("ua", f.UserAgent)
	}
	if f.Subnet24 != "" {
		sigs.SubnetHash = s.mac("subnet", f.Subnet24)
	}
	if f.ClientProbe != "" {
		sigs.ClientFingerprintHash = s.mac("clientfp", f.ClientProbe)
	}
	if plugin := f.Header("x-botwall-plugin"); plugin != "" {
		sigs.PluginHash = s.mac("plugin", plugin)
	}

	return sigs
}

// HashPattern produces a keyed hash for an arbitrary pattern string, used
// by learners that need to store pattern identities without raw values.
func (s *Service) HashPattern(patternType, value string) string {
	return s.mac("pattern:"+patternType, value)
}

// mac computes HMAC-SHA256 over the domain-separated factor list and
// returns it hex-encoded, truncated to maxHexLen.
func (s *Service) mac(domain string, factors ...string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(domain))
	for _, f := range factors {
		h.Write([]byte(factorSep))
		h.Write([]byte(f))
	}
	out := hex.EncodeToString(h.Sum(nil))
	if len(out) > maxHexLen {
		out = out[:maxHexLen]
	}
	return out
}
