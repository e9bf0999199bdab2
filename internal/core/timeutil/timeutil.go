// Package timeutil implements interval and timestamp arithmetic for the
// InfluxQL dialect: interval literals ("10s", "1h"), retention policy
// durations ("720h0m0s") and nanosecond timestamps with precision downcasts
package timeutil

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	perr "fluxgate/internal/platform/errors"
)

// Interval is an integer count of a fixed time unit, e.g. {5, "m"}
type Interval struct {
	Number int64
	Unit   string
}

// unit -> nanoseconds per unit. Unknown units resolve to 0, which callers
// treat as "no shift"
var unitToNs = map[string]int64{
	"ns": 1,
	"u":  1e3,
	"µ":  1e3,
	"ms": 1e6,
	"s":  1e9,
	"m":  60 * 1e9,
	"h":  3600 * 1e9,
	"d":  86400 * 1e9,
	"w":  7 * 86400 * 1e9,
}

var intervalRe = regexp.MustCompile(`(\d+)`)

// ParseInterval splits an interval literal into number and unit.
// The unit is whatever remains once the first integer run is removed, so
// precision-suffixed timestamps ("1510000000000000000ns") parse too
func ParseInterval(s string) (Interval, error) {
	m := intervalRe.FindString(s)
	if m == "" {
		return Interval{}, perr.Unparsablef("no digits in interval %q", s)
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return Interval{}, perr.Unparsablef("interval number %q out of range", m)
	}
	unit := strings.Replace(s, m, "", 1)
	return Interval{Number: n, Unit: strings.TrimSpace(unit)}, nil
}

// UnitFactor returns nanoseconds per unit, 0 for unknown units
func UnitFactor(unit string) int64 { return unitToNs[unit] }

// Nanoseconds converts the interval to nanoseconds; 0 for unknown units
func (iv Interval) Nanoseconds() int64 { return iv.Number * unitToNs[iv.Unit] }

// Duration converts the interval to a wall-clock duration; 0 for unknown units
func (iv Interval) Duration() time.Duration { return time.Duration(iv.Nanoseconds()) }

// String reassembles the interval literal
func (iv Interval) String() string { return strconv.FormatInt(iv.Number, 10) + iv.Unit }

var rpDurationRe = regexp.MustCompile(`^(\d+)h(\d+)m(\d+)s$`)

// ParseRPDuration parses the composite <h>h<m>m<s>s form retention policy
// durations come in ("168h0m0s")
func ParseRPDuration(s string) (time.Duration, error) {
	m := rpDurationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, perr.Unparsablef("bad retention policy duration %q", s)
	}
	h, _ := strconv.ParseInt(m[1], 10, 64)
	mi, _ := strconv.ParseInt(m[2], 10, 64)
	sec, _ := strconv.ParseInt(m[3], 10, 64)
	return time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(sec)*time.Second, nil
}

// ParseTimestamp parses an influx timestamp literal, optionally suffixed with
// a precision unit, into nanoseconds
func ParseTimestamp(s string) (int64, error) {
	iv, err := ParseInterval(s)
	if err != nil {
		return 0, err
	}
	if iv.Unit == "" {
		return iv.Number, nil
	}
	f := unitToNs[iv.Unit]
	if f == 0 {
		return 0, perr.Unparsablef("unknown timestamp precision %q", iv.Unit)
	}
	return iv.Number * f, nil
}

// DowncastNs floor-divides a nanosecond instant into the given precision.
// Unknown precisions return the nanosecond value unchanged
func DowncastNs(ns int64, unit string) int64 {
	switch unit {
	case "u", "µ":
		return floorDiv(ns, 1e3)
	case "ms":
		return floorDiv(ns, 1e6)
	case "s":
		return floorDiv(ns, 1e9)
	case "m":
		return floorDiv(ns, 60*1e9)
	case "h":
		return floorDiv(ns, 3600*1e9)
	default:
		return ns
	}
}

// floorDiv rounds toward negative infinity, matching flooring on pre-epoch
// instants
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
