package retrieval

import (
	"regexp"
	"strings"
)

// Reformulation reasons, in the order strategies apply.
const (
	ReasonDropEmail      = "drop_email"
	ReasonShortenCompany = "shorten_company"
	ReasonDropCompany    = "drop_company"
)

var corporateSuffix = regexp.MustCompile(`(?i)[\s,.]*\b(inc|llc|ltd|corp|co|gmbh)\.?$`)

// strategy returns the relaxed filter set, or ok=false when the strategy
// does not apply to the current filters.
type strategy struct {
	reason string
	apply  func(map[string]interface{}) (map[string]interface{}, bool)
}

var strategies = []strategy{
	{ReasonDropEmail, dropKey("email")},
	{ReasonShortenCompany, shortenCompany},
	{ReasonDropCompany, dropKey("company")},
}

func dropKey(key string) func(map[string]interface{}) (map[string]interface{}, bool) {
	return func(filters map[string]interface{}) (map[string]interface{}, bool) {
		if _, ok := filters[key]; !ok {
			return nil, false
		}
		out := copyFilters(filters)
		delete(out, key)
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	}
}

// shortenCompany strips a trailing corporate suffix and surrounding
// punctuation from the company value.
func shortenCompany(filters map[string]interface{}) (map[string]interface{}, bool) {
	raw, ok := filters["company"].(string)
	if !ok {
		return nil, false
	}
	trimmed := strings.Trim(raw, "%")
	short := strings.TrimSpace(corporateSuffix.ReplaceAllString(trimmed, ""))
	if short == "" || short == trimmed {
		return nil, false
	}
	out := copyFilters(filters)
	if strings.HasPrefix(raw, "%") || strings.HasSuffix(raw, "%") {
		out["company"] = "%" + short + "%"
	} else {
		out["company"] = short
	}
	return out, true
}

func copyFilters(filters map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(filters))
	for k, v := range filters {
		out[k] = v
	}
	return out
}
