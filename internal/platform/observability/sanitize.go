package observability

import (
	"strings"
	"unicode"
)

const (
	defaultStringLimit = 256
	redactedValue      = "[REDACTED]"
)

// Field names whose values are never written to logs: identity tokens, Stripe client secrets,
// passwords, and card data.
var sensitiveFieldFragments = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"card",
	"cvc",
	"signature",
}

// sanitizeString trims unwanted characters and limits string length to avoid log injection.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}

	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\t' {
			continue
		}
		cleaned = append(cleaned, r)
	}
	if len(cleaned) > limit {
		cleaned = cleaned[:limit]
	}
	return string(cleaned)
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID limits potential identifiers to reduce PII leakage in logs.
func SanitizeUserID(uid string) string {
	if len(uid) == 0 {
		return ""
	}
	return sanitizeString(uid, 64)
}

// IsSensitiveField reports whether values under the key must be masked in logs.
func IsSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveFieldFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactFields returns a copy of fields with sensitive values masked and strings sanitised.
func RedactFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if IsSensitiveField(key) {
			out[key] = redactedValue
			continue
		}
		if str, ok := value.(string); ok {
			out[key] = sanitizeString(str, defaultStringLimit)
			continue
		}
		out[key] = value
	}
	return out
}
