package influxql

import (
	"regexp"
	"strings"
)

// SplitColumns splits a column (or GROUP BY) list at top level commas only.
// Commas nested in parentheses or quotes never split, so
// non_negative_derivative(sum(x), 1m) stays one element. Elements are trimmed
func SplitColumns(all string) []string {
	var cols []string
	depth := 0
	var quote rune
	start := 0
	for i, r := range all {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ',' && depth == 0:
			cols = append(cols, strings.TrimSpace(all[start:i]))
			start = i + 1
		}
	}
	cols = append(cols, strings.TrimSpace(all[start:]))
	return cols
}

// transformation functions that may wrap a sum() without changing whether the
// rate-preserving factor applies
var transformationAroundSumRe = regexp.MustCompile(
	`(?i)^(spread|derivative|non_negative_derivative|difference|non_negative_difference|` +
		`moving_average|cumulative_sum|stddev|elapsed)\(\s*sum`)

// HasTransformationAroundSum reports whether the column is a transformation
// call directly wrapping a sum()
func HasTransformationAroundSum(column string) bool {
	return transformationAroundSumRe.MatchString(column)
}

// columnHasSum reports whether the column is a sum() call, possibly wrapped
// by another function
func columnHasSum(column string) bool {
	u := strings.ToUpper(column)
	return strings.HasPrefix(u, "SUM(") || strings.Contains(u, "(SUM(")
}

// HasSum reports whether any column contains a sum(), wrapped or not
func (s *Statement) HasSum() bool {
	for _, c := range s.Columns() {
		if columnHasSum(c) {
			return true
		}
	}
	return false
}

// HasGroupByTime reports whether the GROUP BY list has a time(...) element
func (s *Statement) HasGroupByTime() bool {
	for _, g := range s.GroupByItems() {
		if strings.HasPrefix(g, "time(") {
			return true
		}
	}
	return false
}

var groupByTimeRe = regexp.MustCompile(`^time\((.+?)\)`)

// GroupByTimeInterval returns the inner interval text of the first time(...)
// GROUP BY element, "" if absent
func (s *Statement) GroupByTimeInterval() string {
	for _, g := range s.GroupByItems() {
		if m := groupByTimeRe.FindStringSubmatch(g); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// IsSumGroupByTime reports a sum() aggregation bucketed by time(...)
func (s *Statement) IsSumGroupByTime() bool {
	return s.HasSum() && s.HasGroupByTime()
}

// IsNonNegativeDerivativeColumn reports whether the column's outer call is
// non_negative_derivative(...)
func IsNonNegativeDerivativeColumn(column string) bool {
	return strings.HasPrefix(strings.ToUpper(column), "NON_NEGATIVE_DERIVATIVE(")
}

// NonNegativeDerivativeColumns returns the columns whose outer call is
// non_negative_derivative, in select order
func (s *Statement) NonNegativeDerivativeColumns() []string {
	var out []string
	for _, c := range s.Columns() {
		if IsNonNegativeDerivativeColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// IsNonNegativeDerivative reports at least one outer non_negative_derivative
// column together with a GROUP BY time(...)
func (s *Statement) IsNonNegativeDerivative() bool {
	return len(s.NonNegativeDerivativeColumns()) > 0 && s.HasGroupByTime()
}

var nndIntervalRe = regexp.MustCompile(`(?i)non_negative_derivative\(.*,\s*(.+?)\)\s?`)

// NonNegativeDerivativeIntervals returns, per non_negative_derivative column,
// the derivative unit interval. The backend defaults to 1s when the second
// argument is absent and so do we
func (s *Statement) NonNegativeDerivativeIntervals() []string {
	cols := s.NonNegativeDerivativeColumns()
	if len(cols) == 0 {
		return nil
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if m := nndIntervalRe.FindStringSubmatch(c); m != nil {
			out = append(out, strings.TrimSpace(m[1]))
		} else {
			out = append(out, "1s")
		}
	}
	return out
}

var nndAliasRe = regexp.MustCompile(`(?i)non_negative_derivative\(.*\)\s+as\s+(\S+)\s*$`)

// NonNegativeDerivativeColumnNames returns the output column name for each
// non_negative_derivative column: the explicit AS alias when present, else
// the backend-generated "non_negative_derivative"
func (s *Statement) NonNegativeDerivativeColumnNames() []string {
	cols := s.NonNegativeDerivativeColumns()
	if len(cols) == 0 {
		return nil
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if m := nndAliasRe.FindStringSubmatch(c); m != nil {
			out = append(out, strings.Trim(m[1], `"`))
		} else {
			out = append(out, "non_negative_derivative")
		}
	}
	return out
}
