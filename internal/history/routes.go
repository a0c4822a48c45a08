package history

import (
	"strings"
)

// Route template normalisation.
//
// Raw paths carry per-resource identifiers that would fragment the Markov
// transition space into singletons. Normalisation collapses volatile
// segments so "/products/42" and "/products/117" land on the same template
// "/products/{id}".

const maxTemplateSegments = 5

// NormalizeRoute converts a raw request path into a route template.
func NormalizeRoute(path string) string {
	if path == "" || path == "/" {
		return "/"
	}

	// Query strings never participate in templates.
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > maxTemplateSegments {
		segments = segments[:maxTemplateSegments]
	}

	for i, seg := range segments {
		if isVolatileSegment(seg) {
			segments[i] = "{id}"
		} else {
			segments[i] = strings.ToLower(seg)
		}
	}

	return "/" + strings.Join(segments, "/")
}

// isVolatileSegment reports whether a path segment is a per-resource
// identifier: purely numeric, a UUID, or a long hex token.
func isVolatileSegment(seg string) bool {
	if seg == "" {
		return false
	}

	numeric := true
	for _, r := range seg {
		if r < '0' || r > '9' {
			numeric = false
			break
		}
	}
	if numeric {
		return true
	}

	// UUIDs: 36 chars with dashes at fixed positions.
	if len(seg) == 36 && seg[8] == '-' && seg[13] == '-' && seg[18] == '-' && seg[23] == '-' {
		return true
	}

	// Long hex tokens (hashes, session ids).
	if len(seg) >= 16 {
		hex := true
		for _, r := range seg {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
				hex = false
				break
			}
		}
		if hex {
			return true
		}
	}

	return false
}
