package gateway

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/botwall/pkg/models"
)

// probeHeader carries the JSON payload the client-side probe script
// attaches to subsequent requests. It is stripped before forwarding.
const probeHeader = "X-Client-Probe"

// featuresFrom snapshots one inbound request into the immutable feature
// struct the pipeline operates on. clientIP is the already-resolved
// client address (proxy headers applied by gin's trusted-proxy logic).
func featuresFrom(r *http.Request, clientIP string) *models.RequestFeatures {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	cookieNames := make([]string, 0, len(r.Cookies()))
	for _, ck := range r.Cookies() {
		cookieNames = append(cookieNames, ck.Name)
	}

	f := &models.RequestFeatures{
		RequestID:   uuid.NewString(),
		TimestampMs: time.Now().UnixMilli(),
		Method:      r.Method,
		Path:        r.URL.Path,
		HTTPVersion: fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		RemoteAddr:  clientIP,
		Subnet24:    models.Subnet24Of(clientIP),
		UserAgent:   r.UserAgent(),
		Headers:     headers,
		CookieNames: cookieNames,
		ClientProbe: headers[strings.ToLower(probeHeader)],
	}

	if r.TLS != nil {
		f.TLSProtocol = tlsVersionName(r.TLS.Version)
		f.TLSCipher = tls.CipherSuiteName(r.TLS.CipherSuite)
		f.ALPN = r.TLS.NegotiatedProtocol
	}
	return f
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}
