package retrieval

import (
	"regexp"
	"strings"
)

var (
	idPattern       = regexp.MustCompile(`(?i)\bid\s*[:=]?\s*([0-9A-Za-z\-]{2,})\b`)
	emailPattern    = regexp.MustCompile(`([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`)
	companyPattern  = regexp.MustCompile(`(?i)(?:company|at|from)\s+([A-Z0-9][\w&.\- ]{1,60})`)
	clientIDPattern = regexp.MustCompile(`(?i)\bclient[_\s]?id\s*[:=]?\s*([0-9A-Za-z\-]{2,})\b`)
)

// ParseFilters extracts structured filter tokens from free text. The rules
// are intentionally narrow: an explicit id or client_id token, a literal
// email address, and a company name introduced by company/at/from.
func ParseFilters(text string) map[string]interface{} {
	out := make(map[string]interface{})
	if text == "" {
		return out
	}

	if m := clientIDPattern.FindStringSubmatch(text); m != nil {
		out["client_id"] = m[1]
	}
	// Strip client_id mentions so the bare id rule does not re-match them.
	stripped := clientIDPattern.ReplaceAllString(text, " ")
	if m := idPattern.FindStringSubmatch(stripped); m != nil {
		out["id"] = m[1]
	}
	if m := emailPattern.FindStringSubmatch(text); m != nil {
		out["email"] = m[1]
	}
	if m := companyPattern.FindStringSubmatch(text); m != nil {
		company := strings.TrimSpace(m[1])
		if company != "" {
			out["company"] = company
		}
	}
	return out
}

// NormalizeFilters lowercases keys and rewrites a plain company value into
// a containment pattern when the backend supports ilike.
func NormalizeFilters(filters map[string]interface{}, ilike bool) map[string]interface{} {
	out := make(map[string]interface{}, len(filters))
	for k, v := range filters {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" || v == nil {
			continue
		}
		if key == "company" && ilike {
			if s, ok := v.(string); ok && !strings.Contains(s, "%") {
				out[key] = "%" + s + "%"
				continue
			}
		}
		out[key] = v
	}
	return out
}
