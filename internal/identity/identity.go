// Package identity derives limiter scope keys from inbound requests.
//
// DESIGN: An identity is ephemeral: a hash over the attributes a client
// cannot cheaply rotate (real IP plus a browser fingerprint). It is derived
// per request and only lives as long as the limiter windows keyed by it;
// nothing here is persisted.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// Identity scopes per-client limits.
type Identity struct {
	// Fingerprint is a short hash over IP and request headers. Scopes the
	// request-rate window.
	Fingerprint string

	// IPHash is a hash over the normalized client IP only. Scopes the cost
	// budget, which should survive header churn within one period.
	IPHash string

	// SessionToken is the optional client-supplied session identifier.
	SessionToken string
}

// RateKey returns the scope key for this identity's request-rate window.
func (id Identity) RateKey() string { return "rate:fp:" + id.Fingerprint }

// CostKey returns the scope key for this identity's cost budget.
func (id Identity) CostKey() string { return "cost:ip:" + id.IPHash }

// Global scope keys. The global window and budget are single shared keys.
const (
	GlobalRateKey = "rate:global"
	GlobalCostKey = "cost:global"
)

// FromRequest derives an Identity from an HTTP (WebSocket upgrade) request.
func FromRequest(r *http.Request, sessionToken string) Identity {
	ip := realIP(r)
	return Identity{
		Fingerprint:  fingerprint(r, ip),
		IPHash:       hashTruncated(ip, 32),
		SessionToken: sessionToken,
	}
}

// realIP resolves the client IP behind proxies and load balancers.
func realIP(r *http.Request) string {
	candidates := []string{
		strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0]),
		r.Header.Get("X-Real-Ip"),
		r.Header.Get("Cf-Connecting-Ip"),
	}
	for _, c := range candidates {
		if c != "" {
			return clampIP(c)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return clampIP(host)
}

// clampIP bounds the value to the longest textual IP form (IPv6 with zone).
func clampIP(ip string) string {
	if len(ip) > 45 {
		return ip[:45]
	}
	return ip
}

// fingerprint hashes the IP together with headers that distinguish clients
// sharing a NAT. Empty values are dropped so absent headers do not collapse
// distinct clients onto one key.
func fingerprint(r *http.Request, ip string) string {
	attrs := map[string]string{
		"ip":              ip,
		"user_agent":      header(r, "User-Agent", 500),
		"accept_language": header(r, "Accept-Language", 100),
		"accept_encoding": header(r, "Accept-Encoding", 100),
		"ws_protocol":     header(r, "Sec-Websocket-Protocol", 100),
		"origin":          header(r, "Origin", 200),
	}
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}

	// encoding/json sorts map keys, so the blob is stable per client.
	blob, _ := json.Marshal(attrs)
	return hashTruncated(string(blob), 16)
}

func header(r *http.Request, key string, maxLen int) string {
	v := r.Header.Get(key)
	if len(v) > maxLen {
		v = v[:maxLen]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func hashTruncated(s string, hexLen int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hexLen]
}
