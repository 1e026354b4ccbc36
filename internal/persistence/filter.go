package persistence

import (
	"fmt"
	"strings"
)

// FilterOp identifies the comparison applied by a Filter.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpIlike FilterOp = "ilike"
	OpIn    FilterOp = "in"
	OpGt    FilterOp = "gt"
	OpGte   FilterOp = "gte"
	OpLt    FilterOp = "lt"
	OpLte   FilterOp = "lte"
)

// Filter is one column predicate. Values holds the member list for OpIn;
// every other operator uses Value.
type Filter struct {
	Column string
	Op     FilterOp
	Value  interface{}
	Values []interface{}
}

// Eq builds an equality filter.
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Ilike builds a case-insensitive pattern filter. The pattern uses %
// wildcards.
func Ilike(column, pattern string) Filter {
	return Filter{Column: column, Op: OpIlike, Value: pattern}
}

// In builds a membership filter.
func In(column string, values ...interface{}) Filter {
	return Filter{Column: column, Op: OpIn, Values: values}
}

// Range builds a comparison filter with one of gt/gte/lt/lte.
func Range(column string, op FilterOp, value interface{}) Filter {
	return Filter{Column: column, Op: op, Value: value}
}

// IsRange reports whether op is one of the ordering comparisons.
func (op FilterOp) IsRange() bool {
	switch op {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// FiltersFromMap converts a plain column→value map into Filters. String
// values containing a % wildcard become Ilike when the adapter advertises
// pattern support, otherwise they stay equality matches.
func FiltersFromMap(m map[string]interface{}, caps Capabilities) []Filter {
	if len(m) == 0 {
		return nil
	}
	filters := make([]Filter, 0, len(m))
	for col, v := range m {
		if s, ok := v.(string); ok && caps.Ilike && strings.Contains(s, "%") {
			filters = append(filters, Ilike(col, s))
			continue
		}
		filters = append(filters, Eq(col, v))
	}
	return filters
}

// CheckSupported returns an error naming the first filter the adapter
// cannot serve.
func CheckSupported(filters []Filter, caps Capabilities) error {
	for _, f := range filters {
		switch {
		case f.Op == OpEq && !caps.EqualityFilters:
			return fmt.Errorf("adapter does not support equality filters (column %q)", f.Column)
		case f.Op == OpIlike && !caps.Ilike:
			return fmt.Errorf("adapter does not support ilike filters (column %q)", f.Column)
		case f.Op == OpIn && !caps.InOperator:
			return fmt.Errorf("adapter does not support in filters (column %q)", f.Column)
		case f.Op.IsRange() && !caps.RangeOperators:
			return fmt.Errorf("adapter does not support range filters (column %q)", f.Column)
		}
	}
	return nil
}
