// Package redact scrubs credentials from strings before they are logged or
// persisted. Task errors and stack traces end up in the execution log and in
// API responses, and drivers like to echo connection strings back.
package redact

import (
	"regexp"
	"unicode/utf8"
)

// Placeholders substituted for redacted values
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
)

// Size limits for persisted diagnostics.
const (
	MaxMessageBytes = 4 << 10
	MaxStackBytes   = 16 << 10
	truncatedSuffix = "...[truncated]"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// rules run in order; JWTs go before the generic bearer/token rules.
var rules = []rule{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^@\s]+@`),
		replacement: "${1}" + RedactedCredentialPlaceholder + "@",
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[=:]\s*['"]?[^'"&\s]+['"]?`),
		replacement: "${1}=" + RedactionPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		replacement: RedactedJWTPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9_\-.~+/=]{8,}`),
		replacement: "${1} " + RedactedTokenPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|secret|token)\s*[=:]\s*['"]?[A-Za-z0-9_\-.~+/]{8,}['"]?`),
		replacement: "${1}=" + RedactedKeyPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		replacement: RedactedEmailPlaceholder,
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.pattern.ReplaceAllString(result, r.replacement)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Message redacts and bounds an error message for storage.
func Message(msg string) string {
	return Truncate(String(msg), MaxMessageBytes)
}

// Stack redacts and bounds a stack trace for storage.
func Stack(stack []byte) string {
	return Truncate(String(string(stack)), MaxStackBytes)
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - len(truncatedSuffix)
	if cut <= 0 {
		return s[:max]
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
