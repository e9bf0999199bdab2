package rpselect_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/influxql"
	"fluxgate/internal/core/rpselect"
	"fluxgate/internal/platform/testkit"
)

var now = time.Unix(1510003600, 0)

func newSelector() *rpselect.Selector {
	return &rpselect.Selector{
		Catalog: catalog.New(map[string][]catalog.RetentionPolicy{
			"db": {
				{Name: "rp_default", Duration: time.Hour, Default: true, Interval: "10s"},
				{Name: "rp_long", Duration: 720 * time.Hour, Interval: "1h"},
			},
		}),
		Aggregation: rpselect.AggregationProperties{
			"db": {
				{Regexp: regexp.MustCompile(`^net_`), Function: "sum"},
			},
		},
	}
}

func TestAutoRPPromotion(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 24h GROUP BY time(10s)`
	st := influxql.Parse(q)

	got, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now)
	if !changed {
		t.Fatalf("expected a rewrite")
	}
	testkit.MustContain(t, got, `FROM "db"."rp_long"."m"`)
	testkit.MustContain(t, got, "GROUP BY time(1h)")
	if strings.Contains(got, "* (") {
		t.Fatalf("mean aggregation must not get a sum factor: %q", got)
	}
}

func TestAutoRPIdempotent(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 24h GROUP BY time(10s)`
	st := influxql.Parse(q)
	first, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now)
	if !changed {
		t.Fatalf("expected a rewrite")
	}

	st2 := influxql.Parse(first)
	if _, changed = s.UpdateQueryWithRightRP(context.Background(), "db", first, st2, now); changed {
		t.Fatalf("rewritten query must be stable")
	}
}

func TestAutoRPSumFactorPreservesRate(t *testing.T) {
	s := newSelector()
	q := `SELECT sum("bytes") FROM "net_if" WHERE time > now() - 24h GROUP BY time(10s)`
	st := influxql.Parse(q)

	got, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now)
	if !changed {
		t.Fatalf("expected a rewrite")
	}
	// 10s over 1h, smallest first, as a literal fraction
	testkit.MustContain(t, got, `sum("bytes") * (10000000000 / 3600000000000)`)
	testkit.MustContain(t, got, "GROUP BY time(1h)")
}

func TestAutoRPSkipsWhenDefaultGoodEnough(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 30m GROUP BY time(10s)`
	st := influxql.Parse(q)
	if _, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now); changed {
		t.Fatalf("default RP covers the window, no rewrite expected")
	}
}

func TestAutoRPSkipsExplicitRP(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "db"."rp_default"."m" WHERE time > now() - 24h GROUP BY time(10s)`
	st := influxql.Parse(q)
	if _, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now); changed {
		t.Fatalf("explicit RP must not be overridden")
	}
}

func TestAutoRPOverrideExplicitRP(t *testing.T) {
	s := newSelector()
	s.OverrideExplicitRP = true
	q := `SELECT mean("v") FROM "db"."rp_default"."m" WHERE time > now() - 24h GROUP BY time(10s)`
	st := influxql.Parse(q)
	got, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now)
	if !changed {
		t.Fatalf("override flag must allow the rewrite")
	}
	testkit.MustContain(t, got, `"db"."rp_long"."m"`)
}

func TestAutoRPSkipsUnknownSchema(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 24h GROUP BY time(10s)`
	st := influxql.Parse(q)
	if _, changed := s.UpdateQueryWithRightRP(context.Background(), "elsewhere", q, st, now); changed {
		t.Fatalf("unknown schema must pass through")
	}
}

func TestAutoRPSkipsWithoutLowerBound(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" GROUP BY time(10s)`
	st := influxql.Parse(q)
	if _, changed := s.UpdateQueryWithRightRP(context.Background(), "db", q, st, now); changed {
		t.Fatalf("boundless query must pass through")
	}
}

// ------------------------------------------------------------------
// points budget

func TestExpectedPointsPerSeries(t *testing.T) {
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 720h GROUP BY time(1m)`
	st := influxql.Parse(q)
	points, interval, ok := rpselect.ExpectedPointsPerSeries(q, st, now)
	if !ok || interval != "1m" {
		t.Fatalf("ok=%v interval=%q", ok, interval)
	}
	if points != 43200 {
		t.Fatalf("points = %d, want 43200", points)
	}
}

func TestLimitPointsPerSeries(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 720h GROUP BY time(1m)`
	st := influxql.Parse(q)

	got, changed := s.LimitPointsPerSeries(context.Background(), q, st, 1000, now)
	if !changed {
		t.Fatalf("expected a rewrite")
	}
	// 43200 points into a 1000 budget, true ceiling
	testkit.MustContain(t, got, "GROUP BY time(44m)")

	// post-rewrite count obeys the budget
	points, _, ok := rpselect.ExpectedPointsPerSeries(got, influxql.Parse(got), now)
	if !ok || points > 1000 {
		t.Fatalf("budget exceeded after rewrite: %d", points)
	}
}

func TestLimitPointsPerSeriesUnderBudget(t *testing.T) {
	s := newSelector()
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 1h GROUP BY time(1m)`
	st := influxql.Parse(q)
	if _, changed := s.LimitPointsPerSeries(context.Background(), q, st, 1000, now); changed {
		t.Fatalf("under-budget query must pass through")
	}
}

func TestLimitPointsPerSeriesSumFactor(t *testing.T) {
	s := newSelector()
	q := `SELECT sum("v") FROM "m" WHERE time > now() - 720h GROUP BY time(1m)`
	st := influxql.Parse(q)
	got, changed := s.LimitPointsPerSeries(context.Background(), q, st, 1000, now)
	if !changed {
		t.Fatalf("expected a rewrite")
	}
	testkit.MustContain(t, got, `sum("v") * (1/44)`)
}

type fakeCounter struct {
	gotQuery string
	n        int
}

func (f *fakeCounter) SeriesCount(_ context.Context, _, _, _ string, query string) (int, error) {
	f.gotQuery = query
	return f.n, nil
}

func TestLimitPointsPerQuery(t *testing.T) {
	s := newSelector()
	counter := &fakeCounter{n: 10}
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 720h GROUP BY time(1m)`
	st := influxql.Parse(q)

	got, changed := s.LimitPointsPerQuery(context.Background(), counter, "u", "p", "db", q, st, 100000, now)
	if !changed {
		t.Fatalf("expected a rewrite")
	}
	testkit.MustContain(t, counter.gotQuery, "LIMIT 1")
	// 432000 points over a 100000 budget: factor 5
	testkit.MustContain(t, got, "GROUP BY time(5m)")
}

func TestLimitPointsPerQueryUnderBudget(t *testing.T) {
	s := newSelector()
	counter := &fakeCounter{n: 1}
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 1h GROUP BY time(1m)`
	st := influxql.Parse(q)
	if _, changed := s.LimitPointsPerQuery(context.Background(), counter, "u", "p", "db", q, st, 1000, now); changed {
		t.Fatalf("under-budget query must pass through")
	}
}
