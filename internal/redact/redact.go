// Package redact scrubs credentials out of strings before they are logged:
// API keys, basic-auth userinfo embedded in URLs, and bearer tokens.
package redact

import "regexp"

var (
	basicAuthURL = regexp.MustCompile(`://[^/@\s:]+:[^/@\s]+@`)
	bearerToken  = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._-]+`)
	longToken    = regexp.MustCompile(`\b[A-Za-z0-9+/]{32,}={0,2}\b`)
)

const mask = "***REDACTED***"

// String scrubs basic-auth userinfo, bearer tokens, and long opaque tokens
// (API keys, secrets) out of s, leaving surrounding text intact.
func String(s string) string {
	s = basicAuthURL.ReplaceAllString(s, "://"+mask+"@")
	s = bearerToken.ReplaceAllString(s, "${1}"+mask)
	s = longToken.ReplaceAllString(s, mask)
	return s
}

// Fields redacts every string value in a map in place, returning a new map
// so the caller's original is left untouched -- used before passing
// request/response bodies to logrus.Fields.
func Fields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = String(s)
			continue
		}
		out[k] = v
	}
	return out
}
