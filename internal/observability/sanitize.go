package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns detects credential formats that must never leave the
// process in captured span payloads, OTel attributes or metric labels.
var credentialPatterns = []*regexp.Regexp{
	// Provider API keys: sk-..., sk-proj-..., sk-ant-...
	regexp.MustCompile(`(?i)\bsk-(?:proj-|ant-(?:api\d{2}-)?)?[a-z0-9_-]{16,}`),
	// Prefixed tokens: sk_, pk_, rk_, xox*_, ghp/gho/ghu/ghs/ghr_, pat_
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`),
	// JWT-like tokens (three base64url segments separated by dots)
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	// Authorization header values
	regexp.MustCompile(`(?i)\b(?:Bearer|Basic)\s+[a-z0-9_.\-/+=]{8,}`),
	// key=value secrets in DSNs and query strings
	regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api_key|apikey)\s*[=:]\s*[^\s&;,"']{4,}`),
	// user:password@ in URLs
	regexp.MustCompile(`(?i)://[^/\s:@]+:[^/\s@]{3,}@`),
}

// ContainsCredential reports whether s matches any known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every detected credential in s with
// [CREDENTIAL_REDACTED]. Clean input is returned unchanged.
//
// It is installed as the tracer's Scrub hook, so captured inputs and outputs
// are cleaned before they are buffered.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if !p.MatchString(result) {
			continue
		}
		if strings.HasPrefix(p.String(), `(?i)://`) {
			result = p.ReplaceAllString(result, "://"+credentialRedacted+"@")
		} else {
			result = p.ReplaceAllString(result, credentialRedacted)
		}
		changed = true
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}
