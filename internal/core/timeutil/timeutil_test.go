package timeutil_test

import (
	"testing"
	"time"

	"fluxgate/internal/core/timeutil"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in     string
		number int64
		unit   string
	}{
		{"10s", 10, "s"},
		{"1m", 1, "m"},
		{"44m", 44, "m"},
		{"3600h", 3600, "h"},
		{"2w", 2, "w"},
		{"500ms", 500, "ms"},
		{"1510000000000000000", 1510000000000000000, ""},
	}
	for _, c := range cases {
		iv, err := timeutil.ParseInterval(c.in)
		if err != nil {
			t.Fatalf("ParseInterval(%q): %v", c.in, err)
		}
		if iv.Number != c.number || iv.Unit != c.unit {
			t.Fatalf("ParseInterval(%q) = %+v", c.in, iv)
		}
		if iv.String() != c.in {
			t.Fatalf("String roundtrip: %q -> %q", c.in, iv.String())
		}
	}
}

func TestParseIntervalRejectsGarbage(t *testing.T) {
	if _, err := timeutil.ParseInterval("now()"); err == nil {
		t.Fatalf("expected error for digitless interval")
	}
}

func TestNanosecondsTable(t *testing.T) {
	cases := []struct {
		in string
		ns int64
	}{
		{"1ns", 1},
		{"1u", 1e3},
		{"1µ", 1e3},
		{"1ms", 1e6},
		{"1s", 1e9},
		{"1m", 60 * 1e9},
		{"1h", 3600 * 1e9},
		{"1d", 86400 * 1e9},
		{"1w", 7 * 86400 * 1e9},
	}
	for _, c := range cases {
		iv, _ := timeutil.ParseInterval(c.in)
		if got := iv.Nanoseconds(); got != c.ns {
			t.Fatalf("%q -> %d ns, want %d", c.in, got, c.ns)
		}
	}
}

func TestUnknownUnitIsZero(t *testing.T) {
	iv := timeutil.Interval{Number: 5, Unit: "fortnight"}
	if iv.Nanoseconds() != 0 {
		t.Fatalf("unknown unit must convert to zero")
	}
	if iv.Duration() != 0 {
		t.Fatalf("unknown unit must convert to zero duration")
	}
}

func TestParseRPDuration(t *testing.T) {
	d, err := timeutil.ParseRPDuration("720h0m0s")
	if err != nil {
		t.Fatalf("ParseRPDuration: %v", err)
	}
	if d != 720*time.Hour {
		t.Fatalf("got %v", d)
	}

	d, err = timeutil.ParseRPDuration("1h30m15s")
	if err != nil {
		t.Fatalf("ParseRPDuration: %v", err)
	}
	if d != time.Hour+30*time.Minute+15*time.Second {
		t.Fatalf("got %v", d)
	}

	if _, err := timeutil.ParseRPDuration("30d"); err == nil {
		t.Fatalf("expected error on non-composite duration")
	}
}

func TestParseTimestamp(t *testing.T) {
	ns, err := timeutil.ParseTimestamp("1510000000s")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if ns != 1510000000*int64(1e9) {
		t.Fatalf("got %d", ns)
	}

	ns, err = timeutil.ParseTimestamp("1510000000000000000")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if ns != 1510000000000000000 {
		t.Fatalf("got %d", ns)
	}
}

func TestDowncastNs(t *testing.T) {
	ns := int64(1510000000123456789)
	cases := []struct {
		unit string
		want int64
	}{
		{"ns", ns},
		{"u", 1510000000123456},
		{"µ", 1510000000123456},
		{"ms", 1510000000123},
		{"s", 1510000000},
		{"m", 25166666},
		{"h", 419444},
		{"bogus", ns},
	}
	for _, c := range cases {
		if got := timeutil.DowncastNs(ns, c.unit); got != c.want {
			t.Fatalf("DowncastNs(%q) = %d, want %d", c.unit, got, c.want)
		}
	}
}
