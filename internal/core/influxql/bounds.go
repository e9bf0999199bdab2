package influxql

import (
	"regexp"
	"time"

	"fluxgate/internal/core/timeutil"
)

// Time bounds come off the raw query text, not the token tree. The WHERE
// clause grammar is wide open (tag predicates, boolean nesting) and the
// pipeline only ever needs the two time comparisons, so anchored regexes
// against the full text are both simpler and more tolerant
var (
	lowerTimeBoundRe         = regexp.MustCompile(`^.*WHERE.* time >=? (.+?) (and|AND|GROUP)`)
	lowerTimeBoundAbsoluteRe = regexp.MustCompile(`^SELECT.*WHERE.*time >=? (.+?) `)
	lowerTimeBoundRelativeRe = regexp.MustCompile(`^SELECT.*WHERE.*time >=? now\(\) - (.+?) `)
	upperTimeBoundAbsoluteRe = regexp.MustCompile(`^SELECT.*WHERE.*time <=? (.+?) `)
	upperTimeBoundRelativeRe = regexp.MustCompile(`^SELECT.*WHERE.*time <=? now\(\) - (.+?) `)
	upperTimeBoundIsNowRe    = regexp.MustCompile(`^SELECT.*WHERE.*time <=? now\(\) `)
)

// IsLowerTimeBoundParsable reports whether a lower time bound can be pulled
// out of the query text
func IsLowerTimeBoundParsable(query string) bool {
	return lowerTimeBoundRe.MatchString(query)
}

// LowerTimeBoundText returns the raw lower bound literal, "" when absent
func LowerTimeBoundText(query string) string {
	if m := lowerTimeBoundRe.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	return ""
}

// LowerTimeBoundNs resolves the lower time bound to nanoseconds since epoch.
// Relative bounds (now() - X) resolve against the supplied now
func LowerTimeBoundNs(query string, now time.Time) (int64, bool) {
	if m := lowerTimeBoundRelativeRe.FindStringSubmatch(query); m != nil {
		iv, err := timeutil.ParseInterval(m[1])
		if err != nil {
			return 0, false
		}
		return now.UnixNano() - iv.Nanoseconds(), true
	}
	if m := lowerTimeBoundAbsoluteRe.FindStringSubmatch(query); m != nil {
		ns, err := timeutil.ParseTimestamp(m[1])
		if err != nil {
			return 0, false
		}
		return ns, true
	}
	return 0, false
}

// UpperTimeBoundNs resolves the upper time bound to nanoseconds since epoch.
// Returns false when the query has no upper bound or the bound is now(),
// which callers treat as "up to now"
func UpperTimeBoundNs(query string, now time.Time) (int64, bool) {
	if m := upperTimeBoundRelativeRe.FindStringSubmatch(query); m != nil {
		iv, err := timeutil.ParseInterval(m[1])
		if err != nil {
			return 0, false
		}
		return now.UnixNano() - iv.Nanoseconds(), true
	}
	if upperTimeBoundIsNowRe.MatchString(query) {
		return 0, false
	}
	if m := upperTimeBoundAbsoluteRe.FindStringSubmatch(query); m != nil {
		ns, err := timeutil.ParseTimestamp(m[1])
		if err != nil {
			return 0, false
		}
		return ns, true
	}
	return 0, false
}

// TimeWindow resolves the query's [from, to] window. to defaults to now when
// the upper bound is absent or now(). ok is false when no lower bound exists
func TimeWindow(query string, now time.Time) (from, to int64, ok bool) {
	from, ok = LowerTimeBoundNs(query, now)
	if !ok {
		return 0, 0, false
	}
	to, bounded := UpperTimeBoundNs(query, now)
	if !bounded {
		to = now.UnixNano()
	}
	return from, to, true
}
