// Package querymod performs the surgical query rewrites the corrective
// pipeline needs: retention policy swaps, GROUP BY retiming, SUM rescaling,
// lower bound extension and non_negative_derivative stripping. Rewrites are
// deliberately narrow; anything they do not touch passes through verbatim
package querymod

import (
	"regexp"
	"strconv"
	"strings"

	"fluxgate/internal/core/influxql"
	perr "fluxgate/internal/platform/errors"
)

var (
	changeRPRe       = regexp.MustCompile(`^SELECT.*FROM (.+?) .*WHERE.*`)
	groupByTimeRe    = regexp.MustCompile(`^time\((.+?)\)`)
	sumFactorRe      = regexp.MustCompile(`^(sum|SUM)\(.*?\)(?P<factor>.*?)(( AS | as ).*)?$`)
	sumFactorTransRe = regexp.MustCompile(`^.*\((\s*)?(sum|SUM)\(.*?\),(.*)\)(?P<factor>.*?)(( AS | as ).*)?$`)
	lowerTimeBoundRe = regexp.MustCompile(`^.*WHERE.* time >=? (.+?) (and|AND|GROUP)`)

	nndRe = regexp.MustCompile(
		`^(non_negative_derivative|NON_NEGATIVE_DERIVATIVE)\((?P<content>.*?)\)\s*(?P<alias>.*?)$`)
	nndWithIntervalRe = regexp.MustCompile(
		`^(non_negative_derivative|NON_NEGATIVE_DERIVATIVE)\((?P<content>.*?),\s*(?P<interval>.+?)\s*\)\s*(?P<alias>.*?)$`)
)

// ChangeRP rewrites the FROM target to the canonical quoted 3-part form with
// the given retention policy. A schema already pinned in a 3-part FROM wins
// over the schema argument
func ChangeRP(schema, rp, measurement, query string) (string, error) {
	loc := changeRPRe.FindStringSubmatchIndex(query)
	if loc == nil {
		return "", perr.RewriteFailedf("cannot locate FROM target in %q", query)
	}
	start, end := loc[2], loc[3]

	if parts := strings.Split(query[start:end], "."); len(parts) == 3 {
		schema = strings.ReplaceAll(parts[0], `"`, "")
	}
	return query[:start] + `"` + schema + `"."` + rp + `"."` + measurement + `"` + query[end:], nil
}

// ChangeGroupByTimeInterval replaces the inner interval of the first
// time(...) GROUP BY element
func ChangeGroupByTimeInterval(st *influxql.Statement, interval string) {
	items := st.GroupByItems()
	for i, g := range items {
		if loc := groupByTimeRe.FindStringSubmatchIndex(g); loc != nil {
			items[i] = g[:loc[2]] + interval + g[loc[3]:]
			break
		}
	}
	st.SetGroupBy(items)
}

// ChangeSumGroupByTimeFactor appends a multiplicative factor to every sum()
// column, after the sum call and any math but before an AS alias. The factor
// is emitted verbatim, usually a fraction like "60 / 300" the backend
// evaluates itself. '*' binds tighter than '/' so the parenthesized factor
// composes with existing column math
func ChangeSumGroupByTimeFactor(st *influxql.Statement, factor string) {
	cols := st.Columns()
	for i, col := range cols {
		re := sumFactorRe
		if influxql.HasTransformationAroundSum(col) {
			re = sumFactorTransRe
		}
		loc := re.FindStringSubmatchIndex(col)
		if loc == nil {
			continue
		}
		fi := re.SubexpIndex("factor")
		end := loc[2*fi+1]
		cols[i] = col[:end] + " * (" + factor + ")" + col[end:]
	}
	st.SetColumns(cols)
}

// AddLimit appends a LIMIT clause
func AddLimit(query string, limit int) string {
	return query + " LIMIT " + strconv.Itoa(limit)
}

// ExtendLowerTimeBound rewrites the lower bound literal to
// "<literal> - <interval>", widening the window backwards
func ExtendLowerTimeBound(query, interval string) (string, error) {
	loc := lowerTimeBoundRe.FindStringSubmatchIndex(query)
	if loc == nil {
		return "", perr.RewriteFailedf("no lower time bound in %q", query)
	}
	start, end := loc[2], loc[3]
	return query[:start] + query[start:end] + " - " + interval + query[end:], nil
}

const nndPrefixLen = len("non_negative_derivative(")

// RemoveNonNegativeDerivative strips the non_negative_derivative(...) wrapper
// from selected columns, leaving the inner expression. indexList selects
// which nnd columns to strip counting nnd columns only (nil means all);
// forcedNames maps the same indices to an AS alias to inject so the output
// column name survives the strip
func RemoveNonNegativeDerivative(st *influxql.Statement, indexList []int, forcedNames map[int]string) {
	wanted := func(idx int) bool {
		if indexList == nil {
			return true
		}
		for _, w := range indexList {
			if w == idx {
				return true
			}
		}
		return false
	}

	cols := st.Columns()
	found := 0
	for i, col := range cols {
		withInterval := nndWithIntervalRe.FindStringSubmatchIndex(col)
		plain := nndRe.FindStringSubmatchIndex(col)
		if withInterval == nil && plain == nil {
			continue
		}
		if wanted(found) {
			var newCol string
			if withInterval != nil {
				re := nndWithIntervalRe
				cs, ce := group(withInterval, re, "content")
				_, ie := group(withInterval, re, "interval")
				_, ae := group(withInterval, re, "alias")
				// ie+1 skips the closing paren of the stripped wrapper,
				// rebalancing the remaining text
				newCol = col[:cs-nndPrefixLen] + col[cs:ce] + col[ie+1:ae]
				if name, ok := forcedNames[found]; ok {
					newCol += " AS " + name + " "
				}
				newCol += col[ae:]
			} else {
				re := nndRe
				cs, ce := group(plain, re, "content")
				_, ae := group(plain, re, "alias")
				newCol = col[:cs-nndPrefixLen] + col[cs:ce] + col[ce+1:ae]
				if name, ok := forcedNames[found]; ok {
					newCol += " AS " + name + " "
				}
				newCol += col[ae:]
			}
			cols[i] = newCol
		}
		found++
	}
	st.SetColumns(cols)
}

func group(loc []int, re *regexp.Regexp, name string) (int, int) {
	i := re.SubexpIndex(name)
	return loc[2*i], loc[2*i+1]
}
