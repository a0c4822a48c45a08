package models

import (
	"net"
	"strings"
)

// RequestFeatures is the immutable snapshot of an inbound HTTP request the
// detection pipeline operates on. It is built exactly once at request entry
// and dropped at request exit. The raw user agent and remote address live
// here only so the signature service can hash them — detectors receive the
// same struct but must never log or persist the raw values.
type RequestFeatures struct {
	RequestID   string `json:"requestId"`
	TimestampMs int64  `json:"timestampMs"`

	Method      string `json:"method"`
	Path        string `json:"path"`
	HTTPVersion string `json:"httpVersion"`

	RemoteAddr string `json:"-"`
	Subnet24   string `json:"-"`
	UserAgent  string `json:"-"`

	// Headers is keyed by canonical (lower-case) header name.
	Headers map[string]string `json:"-"`

	// CookieNames carries cookie names only. Values are PII and never enter
	// the pipeline.
	CookieNames []string `json:"-"`

	TLSProtocol string `json:"tlsProtocol,omitempty"`
	TLSCipher   string `json:"tlsCipher,omitempty"`
	ALPN        string `json:"alpn,omitempty"`

	// Upstream hints resolved by the surrounding middleware.
	CountryCode string `json:"countryCode,omitempty"`
	ClientProbe string `json:"-"`
}

// Header returns a header value by name, case-insensitively.
// Missing headers return the empty string.
func (f *RequestFeatures) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[strings.ToLower(name)]
}

// HasHeader reports whether the request carried the named header.
func (f *RequestFeatures) HasHeader(name string) bool {
	if f.Headers == nil {
		return false
	}
	_, ok := f.Headers[strings.ToLower(name)]
	return ok
}

// Subnet24Of derives the /24 network of an IPv4 remote address
// ("203.0.113.7" → "203.0.113.0/24"). IPv6 addresses are collapsed to their
// /48 prefix. Unparseable input yields the empty string.
func Subnet24Of(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IP{v4[0], v4[1], v4[2], 0}.String() + "/24"
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String() + "/48"
}

// Signatures is the privacy-preserving identity bundle produced once per
// request. Every field is a truncated hex HMAC; fields for absent raw
// factors stay empty. No raw PII is ever carried here.
type Signatures struct {
	Primary               string `json:"primary"`
	IPHash                string `json:"ipHash,omitempty"`
	UAHash                string `json:"uaHash,omitempty"`
	SubnetHash            string `json:"subnetHash,omitempty"`
	ClientFingerprintHash string `json:"clientFingerprintHash,omitempty"`
	PluginHash            string `json:"pluginHash,omitempty"`
	RequestFingerprint    string `json:"requestFingerprint"`
}
