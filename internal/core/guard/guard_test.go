package guard_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/guard"
	"fluxgate/internal/core/rpselect"
	"fluxgate/internal/core/rules"
	"fluxgate/internal/core/tabular"
	perr "fluxgate/internal/platform/errors"
)

var now = time.Unix(1510003600, 0)

type fakeBackend struct {
	queries []string
	results []*tabular.Result
	series  int
	err     error
}

func (f *fakeBackend) Query(_ context.Context, _, _, _ string, query string) ([]*tabular.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeBackend) SeriesCount(_ context.Context, _, _, _ string, query string) (int, error) {
	f.queries = append(f.queries, query)
	return f.series, nil
}

func sampleResult() *tabular.Result {
	return &tabular.Result{Series: []*tabular.Series{{
		Name:    "m",
		Columns: []string{"mean"},
		Times:   []int64{1510000000 * 1e9},
		Values:  [][]any{{1.0}},
	}}}
}

func newGuard(backend *fakeBackend, ruleNames ...string) *guard.Guard {
	loaded, err := rules.Load(ruleNames, backend)
	if err != nil {
		panic(err)
	}
	return &guard.Guard{
		Selector: &rpselect.Selector{
			Catalog: catalog.New(map[string][]catalog.RetentionPolicy{
				"db": {
					{Name: "rp_default", Duration: time.Hour, Default: true, Interval: "10s"},
					{Name: "rp_long", Duration: 720 * time.Hour, Interval: "1h"},
				},
			}),
			Aggregation: rpselect.AggregationProperties{},
		},
		Rules:   loaded,
		Backend: backend,
	}
}

func TestGuardIgnoresNonSelect(t *testing.T) {
	backend := &fakeBackend{}
	g := newGuard(backend)
	if res := g.GetData(context.Background(), "u", "p", "db", "SHOW DATABASES", now); res != nil {
		t.Fatalf("non-select must forward")
	}
	if len(backend.queries) != 0 {
		t.Fatalf("backend must not be hit: %v", backend.queries)
	}
}

func TestGuardForwardsUntouchedQueries(t *testing.T) {
	g := newGuard(&fakeBackend{})
	q := `SELECT mean("v") FROM "m" WHERE time > now() - 30m GROUP BY time(10s)`
	if res := g.GetData(context.Background(), "u", "p", "db", q, now); res != nil {
		t.Fatalf("query within the default RP must forward untouched")
	}
}

func TestGuardExecutesModifiedQuery(t *testing.T) {
	backend := &fakeBackend{results: []*tabular.Result{sampleResult()}}
	g := newGuard(backend)

	q := `SELECT mean("v") FROM "m" WHERE time > now() - 24h GROUP BY time(10s)`
	res := g.GetData(context.Background(), "u", "p", "db", q, now)
	if res == nil {
		t.Fatalf("modified query must return a local result")
	}
	if len(backend.queries) != 1 || !strings.Contains(backend.queries[0], `"db"."rp_long"."m"`) {
		t.Fatalf("backend query: %v", backend.queries)
	}
}

func TestGuardModifiedQueryFailureForwards(t *testing.T) {
	backend := &fakeBackend{err: perr.BackendServerf("boom")}
	g := newGuard(backend)

	q := `SELECT mean("v") FROM "m" WHERE time > now() - 24h GROUP BY time(10s)`
	if res := g.GetData(context.Background(), "u", "p", "db", q, now); res != nil {
		t.Fatalf("backend failure on modified query must fall back to forwarding")
	}
}

func TestGuardPartialIntervalRuleFires(t *testing.T) {
	backend := &fakeBackend{results: []*tabular.Result{sampleResult()}}
	g := newGuard(backend, "remove_partial_intervals_case_sum_group_by_time")

	q := `SELECT sum("v") FROM "m" WHERE time > now() - 30m GROUP BY time(5m)`
	res := g.GetData(context.Background(), "u", "p", "db", q, now)
	if res == nil {
		t.Fatalf("partial interval rule must fire")
	}
	if len(backend.queries) != 1 || !strings.Contains(backend.queries[0], "- 10m") {
		t.Fatalf("rule query: %v", backend.queries)
	}
}

func TestGuardCounterWrapNeedsOverflowConfig(t *testing.T) {
	backend := &fakeBackend{results: []*tabular.Result{sampleResult()}}
	g := newGuard(backend, "handle_counter_wrap_non_negative_derivative")

	q := `SELECT non_negative_derivative(mean("v"), 1s) FROM "m" WHERE time > now() - 30m GROUP BY time(1m)`

	// no overflow configured: rule never dispatches, query forwards
	if res := g.GetData(context.Background(), "u", "p", "db", q, now); res != nil {
		t.Fatalf("rule must not dispatch without an overflow ceiling")
	}

	g.CounterOverflows = map[string]map[string]float64{
		"db": {"m": float64(1 << 32)},
	}
	if res := g.GetData(context.Background(), "u", "p", "db", q, now); res == nil {
		t.Fatalf("rule must dispatch once the overflow is configured")
	}
}

func TestGuardPointsBudgetPerQueryWins(t *testing.T) {
	backend := &fakeBackend{results: []*tabular.Result{sampleResult()}, series: 2}
	g := newGuard(backend)
	g.MaxPointsPerQuery = 1000
	g.MaxPointsPerSeries = 10

	q := `SELECT mean("v") FROM "m" WHERE time > now() - 30m GROUP BY time(10s)`
	// per-series would cap 180 points at 10; per-query sees 360 <= 1000 and
	// leaves the query alone, proving precedence
	if res := g.GetData(context.Background(), "u", "p", "db", q, now); res != nil {
		t.Fatalf("per-query budget must take precedence")
	}
}

func TestGuardRuleErrorForwards(t *testing.T) {
	backend := &fakeBackend{err: perr.BackendTransientf("down")}
	g := newGuard(backend, "remove_partial_intervals_case_sum_group_by_time")

	q := `SELECT sum("v") FROM "m" WHERE time > now() - 30m GROUP BY time(5m)`
	if res := g.GetData(context.Background(), "u", "p", "db", q, now); res != nil {
		t.Fatalf("rule failure must fall back to forwarding")
	}
}
