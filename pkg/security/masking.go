// Package security masks secrets before they reach logs.
package security

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "***REDACTED***"

var (
	privateKeyPattern = regexp.MustCompile(`\b(0x)?[a-fA-F0-9]{64}\b`)
	apiKeyPattern     = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token|password|auth)(["\s:=]+["']?)([a-zA-Z0-9_\-]{16,})`)
	bearerPattern     = regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._\-]+`)

	sensitiveHeaders = []string{"authorization", "x-api-key", "cookie", "set-cookie"}
)

// MaskString redacts key material and credentials embedded in free text.
// Transaction hashes share the private key shape and are redacted too.
func MaskString(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = apiKeyPattern.ReplaceAllString(s, "${1}${2}"+redacted)
	s = privateKeyPattern.ReplaceAllString(s, redacted)
	return s
}

// MaskAPIKey masks an API key showing only first 4 chars
func MaskAPIKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

// MaskAddress shortens an address to its first 6 and last 4 chars
func MaskAddress(addr string) string {
	if len(addr) < 10 {
		return "0x****"
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// MaskRPCURL keeps scheme and host. Hosted RPC providers put the project key
// in the path, query or userinfo, so those are dropped.
func MaskRPCURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}
	masked := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		masked += "/" + redacted
	}
	return masked
}

// RedactHeaders flattens headers and removes credentials
func RedactHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveHeader(k) {
			out[k] = redacted
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if lower == sensitive {
			return true
		}
	}
	return false
}
