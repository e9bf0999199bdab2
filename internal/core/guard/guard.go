// Package guard runs the per-query corrective pipeline: retention policy
// auto-selection, points budget limiting and the corrective rules, in that
// order. The guard never makes a query fail that would have succeeded: any
// error inside the pipeline is logged and the query is forwarded untouched
package guard

import (
	"context"
	"strings"
	"time"

	"fluxgate/internal/core/influxql"
	"fluxgate/internal/core/rpselect"
	"fluxgate/internal/core/rules"
	"fluxgate/internal/core/tabular"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/metrics"
)

// Backend is the query surface the guard and its rules need
type Backend interface {
	rules.Executor
	rpselect.SeriesCounter
}

// Guard evaluates one statement at a time. Zero budget values disable the
// corresponding limiter
type Guard struct {
	Selector           *rpselect.Selector
	Rules              []rules.Rule
	Backend            Backend
	CounterOverflows   map[string]map[string]float64
	MaxPointsPerQuery  int64
	MaxPointsPerSeries int64
}

// GetData runs the pipeline on one statement. A non-nil result replaces the
// backend's answer for this statement; nil means forward it untouched
func (g *Guard) GetData(ctx context.Context, user, password, schema, query string, now time.Time) (res *tabular.Result) {
	defer metrics.ObserveStage("guard", time.Now())
	defer func() {
		if r := recover(); r != nil {
			logger.C(ctx).Error().Interface("panic", r).Str("query", query).
				Msg("corrective pipeline panicked, forwarding query untouched")
			res = nil
		}
	}()

	// cheap gate before parsing
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT ") {
		return nil
	}
	st := influxql.Parse(query)
	if !st.IsSelect() {
		return nil
	}

	modified := false

	path, pathErr := influxql.ParseMeasurementPath(schema, st.FromTarget())

	if rewritten, changed := g.Selector.UpdateQueryWithRightRP(ctx, schema, query, st, now); changed {
		query = rewritten
		modified = true
	}

	if g.MaxPointsPerQuery > 0 {
		if rewritten, changed := g.Selector.LimitPointsPerQuery(
			ctx, g.Backend, user, password, schema, query, st, g.MaxPointsPerQuery, now); changed {
			query = rewritten
			modified = true
		}
	} else if g.MaxPointsPerSeries > 0 {
		if rewritten, changed := g.Selector.LimitPointsPerSeries(
			ctx, query, st, g.MaxPointsPerSeries, now); changed {
			query = rewritten
			modified = true
		}
	}

	req := rules.Request{
		User: user, Password: password, Schema: schema,
		Query: query, Parsed: st,
	}

	for _, rule := range g.Rules {
		switch rule.(type) {
		case *rules.CounterWrap:
			if pathErr != nil {
				continue
			}
			overflow, ok := g.overflowFor(path)
			if !ok {
				continue
			}
			req.OverflowValue = overflow
		default:
			req.OverflowValue = 0
		}
		if !rule.Check(query, st) {
			continue
		}
		out, err := rule.Action(ctx, req)
		if err != nil {
			logger.C(ctx).Warn().Err(err).Str("rule", rule.Name()).
				Msg("rule failed, forwarding query untouched")
			return nil
		}
		if out != nil {
			return out
		}
	}

	if modified {
		results, err := g.Backend.Query(ctx, user, password, schema, query)
		if err != nil {
			logger.C(ctx).Warn().Err(err).Str("query", query).
				Msg("modified query failed, forwarding original untouched")
			return nil
		}
		if len(results) == 0 {
			return &tabular.Result{}
		}
		return results[0]
	}

	return nil
}

// overflowFor resolves the configured counter modulus for the statement's
// measurement; the counter wrap rule only dispatches when one exists
func (g *Guard) overflowFor(path influxql.MeasurementPath) (float64, bool) {
	byMeasurement, ok := g.CounterOverflows[path.Schema]
	if !ok {
		return 0, false
	}
	v, ok := byMeasurement[path.Measurement]
	return v, ok
}
