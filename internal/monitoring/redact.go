// Package monitoring emits structured operational events with sensitive
// values redacted before they reach any sink. An optional NATS exporter
// mirrors events to external subscribers.
package monitoring

import (
	"regexp"
	"strings"
)

// Redacted replaces any matched sensitive span.
const Redacted = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)token\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
}

var sensitiveKeys = map[string]struct{}{
	"password": {}, "token": {}, "secret": {}, "api_key": {},
	"apikey": {}, "authorization": {}, "jwt": {}, "credential": {},
}

// RedactString masks secret-bearing spans and email addresses in s.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllString(s, Redacted)
	}
	return s
}

// RedactError masks err's message. A nil err yields an empty string.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactFields returns a copy of fields with secret-named keys fully masked
// and string values scrubbed. Nested maps are handled recursively.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if _, hit := sensitiveKeys[strings.ToLower(k)]; hit {
			out[k] = Redacted
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = RedactString(tv)
		case map[string]interface{}:
			out[k] = RedactFields(tv)
		default:
			out[k] = v
		}
	}
	return out
}
