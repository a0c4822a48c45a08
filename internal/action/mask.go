package action

import (
	"mime"
	"regexp"
	"strings"
)

// Response PII Masking
//
// A staged pass of recognisers over outbound response bodies. Each stage
// replaces every match with a typed placeholder. The gateway applies this
// only to text bodies under the size budget; anything that goes wrong
// fails open — the original body passes through and a diagnostic signal is
// raised by the caller.

type maskStage struct {
	label   string
	pattern *regexp.Regexp
}

var defaultStages = []maskStage{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"card", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{2,4}\)?[ \-.]?\d{3,4}[ \-.]?\d{3,4}\b`)},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// DefaultMaxBodyBytes caps masked bodies when the policy leaves the size
// budget unset.
const DefaultMaxBodyBytes = 1 << 20

// maskableMediaTypes lists the text-bearing media types worth scanning.
var maskableMediaTypes = map[string]bool{
	"text/plain":             true,
	"text/html":              true,
	"text/csv":               true,
	"application/json":       true,
	"application/xml":        true,
	"text/xml":               true,
	"application/javascript": true,
}

// Masker runs the staged recognisers.
type Masker struct {
	maxBodyBytes int64
	stages       []maskStage
}

func NewMasker(maxBodyBytes int64) *Masker {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Masker{maxBodyBytes: maxBodyBytes, stages: defaultStages}
}

// MaxBodyBytes returns the configured size budget.
func (m *Masker) MaxBodyBytes() int64 { return m.maxBodyBytes }

// Eligible reports whether a response body qualifies for masking at all:
// within the size budget and a text media type. Oversized or binary bodies
// fail open by contract.
func (m *Masker) Eligible(contentType string, size int64) bool {
	if size < 0 || size > m.maxBodyBytes {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if maskableMediaTypes[mediaType] {
		return true
	}
	return strings.HasPrefix(mediaType, "text/")
}

// Mask replaces recognised PII with typed placeholders and reports how
// many replacements were made.
func (m *Masker) Mask(body []byte) ([]byte, int) {
	total := 0
	out := body
	for _, stage := range m.stages {
		matches := stage.pattern.FindAllIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		total += len(matches)
		out = stage.pattern.ReplaceAll(out, []byte("[masked-"+stage.label+"]"))
	}
	return out, total
}
