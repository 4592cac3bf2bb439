package logging

import (
	"regexp"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Pattern to match secret-bearing key=value pairs in provider error
	// strings. Matches: password=xxx, pwd=xxx, token=xxx, secret=xxx
	// (until next delimiter).
	secretPattern = regexp.MustCompile(`(?i)(password|pwd|pass|token|secret)=[^;&\s]+`)

	// Pattern to match bearer tokens (three base64 segments separated by dots)
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// Pattern to match potential provider API keys
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?key|key)=[A-Za-z0-9-_]{20,}`)

	// Pattern to match URL-embedded credentials (user:pass@host format)
	urlCredsPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)
)

// SanitizeCredentials removes sensitive data from a credential blob or
// endpoint string before logging.
func SanitizeCredentials(s string) string {
	if s == "" {
		return ""
	}

	sanitized := secretPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging any error from a provider client, since provider
// SDK errors tend to echo the request back, credentials included.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := secretPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
