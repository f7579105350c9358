package logging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

type pattern struct {
	re          *regexp.Regexp
	replacement string
	pii         bool
}

// sensitivePatterns are applied in order. Secrets always go; PII patterns
// only when PII logging is off.
var sensitivePatterns = []pattern{
	// Authorization header values
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [REDACTED]", false},
	// JWT tokens (telemetry anon keys are JWTs)
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), "[REDACTED]", false},
	// AWS Access Key ID
	{regexp.MustCompile(`\b(?:AKIA|ASIA|AIDA)[A-Z0-9]{16}\b`), "[REDACTED-AWS-KEY]", false},
	// AWS Secret Access Key (40 characters)
	{regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`), "[REDACTED]", false},
	// apikey=... style parameters
	{regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|token|secret)([=:]\s*)[^\s&"']+`), "$1$2[REDACTED]", false},
	// Generic API keys (32+ hex characters)
	{regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`), "[REDACTED]", false},
	// Email addresses
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL-REDACTED]", true},
	// IPv4 addresses
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), "[IP-REDACTED]", true},
}

// SensitiveFieldNames are field names whose values are always redacted.
var SensitiveFieldNames = map[string]bool{
	"password":        true,
	"secret":          true,
	"token":           true,
	"apikey":          true,
	"api_key":         true,
	"accesskeyid":     true,
	"secretkey":       true,
	"secretaccesskey": true,
	"authorization":   true,
	"credentials":     true,
}

// SanitizeString removes secrets and PII from s.
func SanitizeString(s string) string {
	return sanitize(s, false)
}

func sanitize(s string, allowPII bool) string {
	for _, p := range sensitivePatterns {
		if p.pii && allowPII {
			continue
		}
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// SanitizeFields removes sensitive data from log fields. Non-text values
// other than errors and Stringers pass through unchanged.
func SanitizeFields(fields logrus.Fields) logrus.Fields {
	return sanitizeFields(fields, false)
}

func sanitizeFields(fields logrus.Fields, allowPII bool) logrus.Fields {
	sanitized := make(logrus.Fields, len(fields))
	for k, v := range fields {
		if SensitiveFieldNames[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case string:
			sanitized[k] = sanitize(val, allowPII)
		case error:
			sanitized[k] = sanitize(val.Error(), allowPII)
		case fmt.Stringer:
			sanitized[k] = sanitize(val.String(), allowPII)
		case []string:
			out := make([]string, len(val))
			for i, s := range val {
				out[i] = sanitize(s, allowPII)
			}
			sanitized[k] = out
		default:
			sanitized[k] = v
		}
	}
	return sanitized
}

// SanitizingHook redacts every entry before it is formatted.
type SanitizingHook struct {
	enablePIILogging bool
}

// NewSanitizingHook creates a new sanitizing hook
func NewSanitizingHook(enablePII bool) *SanitizingHook {
	return &SanitizingHook{enablePIILogging: enablePII}
}

// Levels returns all log levels
func (h *SanitizingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire sanitizes log entries before they're written
func (h *SanitizingHook) Fire(entry *logrus.Entry) error {
	entry.Message = sanitize(entry.Message, h.enablePIILogging)
	if entry.Data != nil {
		entry.Data = sanitizeFields(entry.Data, h.enablePIILogging)
	}
	return nil
}
