// Package rpselect rewrites queries onto the retention policy that actually
// holds their time window, and caps the number of points a query may ask
// for by coarsening its GROUP BY bucket
package rpselect

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/influxql"
	"fluxgate/internal/core/querymod"
	"fluxgate/internal/core/timeutil"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/metrics"
)

// AggregationRule binds a measurement name pattern to the aggregation
// function its downsampling CQs use
type AggregationRule struct {
	Regexp   *regexp.Regexp
	Function string
}

// AggregationProperties maps schema to its aggregation rules; the "default"
// key is the fallback bucket for schemas without their own list
type AggregationProperties map[string][]AggregationRule

// aggregationMode resolves the function used to downsample a measurement,
// "mean" when nothing matches
func (p AggregationProperties) aggregationMode(schema, measurement string) string {
	props, ok := p[schema]
	if !ok {
		props = p["default"]
	}
	for _, rule := range props {
		if rule.Regexp.MatchString(measurement) {
			return rule.Function
		}
	}
	return "mean"
}

// SeriesCounter counts how many series a query touches
type SeriesCounter interface {
	SeriesCount(ctx context.Context, user, password, schema, query string) (int, error)
}

// Selector applies RP auto-selection and points budget rewrites
type Selector struct {
	Catalog            *catalog.Catalog
	Aggregation        AggregationProperties
	OverrideExplicitRP bool
}

// instruction is the outcome of RP selection, applied in one go so a half
// rewritten query never escapes
type instruction struct {
	rp              string
	groupByInterval string
	sumFactor       string
}

// UpdateQueryWithRightRP retargets the query at the first retention policy
// whose duration covers the query's lower time bound, upgrading the GROUP BY
// bucket to the RP's downsampling interval and rescaling SUMs to keep rate
// semantics. Returns ("", false) when the query is fine as it is
func (s *Selector) UpdateQueryWithRightRP(ctx context.Context, schema, query string, st *influxql.Statement, now time.Time) (string, bool) {
	defer metrics.ObserveStage("rp_select", time.Now())
	log := logger.C(ctx)

	path, err := influxql.ParseMeasurementPath(schema, st.FromTarget())
	if err != nil {
		log.Warn().Err(err).Msg("could not extract measurement from query")
		return "", false
	}
	out, path, ok := s.rightRP(ctx, path, query, st, now)
	if !ok {
		return "", false
	}

	mode := s.Aggregation.aggregationMode(path.Schema, path.Measurement)

	changed := false
	if out.rp != "" {
		path.RP = out.rp
		st.SetFromTarget(path.String())
		changed = true
	}
	if out.groupByInterval != "" {
		querymod.ChangeGroupByTimeInterval(st, out.groupByInterval)
		changed = true
	}
	if out.sumFactor != "" && mode == "sum" {
		querymod.ChangeSumGroupByTimeFactor(st, out.sumFactor)
		changed = true
	}
	if !changed {
		return "", false
	}

	rewritten := st.String()
	metrics.QueryRewritten("auto_rp")
	log.Info().Str("query", rewritten).Msg("reworked query (auto RP)")
	return rewritten, true
}

func (s *Selector) rightRP(ctx context.Context, path influxql.MeasurementPath, query string, st *influxql.Statement, now time.Time) (instruction, influxql.MeasurementPath, bool) {
	log := logger.C(ctx)
	var out instruction

	if path.Schema == "" {
		log.Warn().Msg("schema not specified in query nor as a URL param")
		return out, path, false
	}
	if path.RP != "" && !s.OverrideExplicitRP {
		log.Info().Str("rp", path.RP).Msg("RP set in query, skipping")
		return out, path, false
	}
	policies, ok := s.Catalog.Policies(path.Schema)
	if !ok {
		log.Info().Str("schema", path.Schema).Msg("no known RP for schema")
		return out, path, false
	}

	lowerNs, ok := influxql.LowerTimeBoundNs(query, now)
	if !ok {
		log.Info().Msg("no lower time boundary in query, cannot select automatically RP")
		return out, path, false
	}

	groupByInterval := st.GroupByTimeInterval()
	isSumGroupByTime := groupByInterval != "" && st.IsSumGroupByTime()

	var current catalog.RetentionPolicy
	if path.RP != "" {
		current, ok = s.Catalog.Lookup(path.Schema, path.RP)
		if !ok {
			log.Warn().Str("rp", path.RP).Msg("explicit RP is unknown")
			return out, path, false
		}
	} else {
		current, ok = s.Catalog.Default(path.Schema)
		if !ok {
			log.Error().Str("schema", path.Schema).Msg("missing default RP in known RP list")
			return out, path, false
		}
	}

	if rpCovers(current, lowerNs, now) {
		log.Info().Str("rp", current.Name).Msg("selected RP is already pretty good")
	} else {
		for _, rp := range policies {
			if !rpCovers(rp, lowerNs, now) {
				continue
			}
			log.Info().Str("rp", rp.Name).Msg("RP is selected")
			out.rp = rp.Name
			if groupByInterval != "" && rp.Interval != "" {
				out.groupByInterval = upgradeInterval(groupByInterval, rp.Interval)
			}
			break
		}
	}

	if out.groupByInterval != "" && isSumGroupByTime {
		out.sumFactor = sumFactor(groupByInterval, out.groupByInterval)
	}
	if out.rp == "" && out.groupByInterval == "" {
		return out, path, false
	}
	return out, path, true
}

// rpCovers reports whether the RP still holds data at the query's lower
// bound. The one second margin absorbs clock drift between the two
// evaluations of now
func rpCovers(rp catalog.RetentionPolicy, lowerNs int64, now time.Time) bool {
	maxNs := now.Add(-rp.Duration).UnixNano()
	return maxNs-int64(time.Second) <= lowerNs
}

// upgradeInterval returns the RP's bucket when the query asks for a finer
// one than the RP stores, "" when the query's bucket is already coarse
// enough
func upgradeInterval(queryInterval, rpInterval string) string {
	q, err := timeutil.ParseInterval(queryInterval)
	if err != nil {
		return ""
	}
	r, err := timeutil.ParseInterval(rpInterval)
	if err != nil {
		return ""
	}
	if q.Nanoseconds() < r.Nanoseconds() {
		return rpInterval
	}
	return ""
}

// sumFactor emits the bucket ratio as a literal fraction, smallest first,
// for the backend to evaluate
func sumFactor(oldInterval, newInterval string) string {
	o, err := timeutil.ParseInterval(oldInterval)
	if err != nil {
		return ""
	}
	n, err := timeutil.ParseInterval(newInterval)
	if err != nil {
		return ""
	}
	oldNs, newNs := o.Nanoseconds(), n.Nanoseconds()
	if oldNs < newNs {
		return strconv.FormatInt(oldNs, 10) + " / " + strconv.FormatInt(newNs, 10)
	}
	return strconv.FormatInt(newNs, 10) + " / " + strconv.FormatInt(oldNs, 10)
}

// ExpectedPointsPerSeries computes how many buckets the query implies per
// series. ok is false when the window or the GROUP BY bucket cannot be
// resolved
func ExpectedPointsPerSeries(query string, st *influxql.Statement, now time.Time) (points int64, groupByInterval string, ok bool) {
	from, to, ok := influxql.TimeWindow(query, now)
	if !ok {
		return 0, "", false
	}
	groupByInterval = st.GroupByTimeInterval()
	if groupByInterval == "" {
		return 0, "", false
	}
	iv, err := timeutil.ParseInterval(groupByInterval)
	if err != nil || iv.Nanoseconds() <= 0 {
		return 0, "", false
	}
	return (to - from) / iv.Nanoseconds(), groupByInterval, true
}

// LimitPointsPerSeries coarsens the GROUP BY bucket so no series exceeds the
// per-series points budget. Returns ("", false) when the query is under
// budget
func (s *Selector) LimitPointsPerSeries(ctx context.Context, query string, st *influxql.Statement, maxPoints int64, now time.Time) (string, bool) {
	defer metrics.ObserveStage("points_limit_series", time.Now())

	points, groupByInterval, ok := ExpectedPointsPerSeries(query, st, now)
	if !ok || points <= maxPoints {
		return "", false
	}
	logger.C(ctx).Info().
		Int64("expected", points).
		Int64("max", maxPoints).
		Msg("expected nb of points per series is bigger than max allowed one")

	return s.applyPointsFactor(ctx, st, ceilDiv(points, maxPoints), groupByInterval, "points_per_series")
}

// LimitPointsPerQuery is the whole-query variant: the per-series estimate is
// multiplied by the series count, probed with a LIMIT 1 copy of the query
func (s *Selector) LimitPointsPerQuery(ctx context.Context, counter SeriesCounter, user, password, schema, query string, st *influxql.Statement, maxPoints int64, now time.Time) (string, bool) {
	defer metrics.ObserveStage("points_limit_query", time.Now())

	perSeries, groupByInterval, ok := ExpectedPointsPerSeries(query, st, now)
	if !ok {
		return "", false
	}
	nbSeries, err := counter.SeriesCount(ctx, user, password, schema, querymod.AddLimit(query, 1))
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("could not count series for query")
		return "", false
	}
	points := perSeries * int64(nbSeries)
	if points <= maxPoints {
		return "", false
	}
	logger.C(ctx).Info().
		Int64("expected", points).
		Int64("max", maxPoints).
		Msg("expected nb of points per query is bigger than max allowed one")

	return s.applyPointsFactor(ctx, st, ceilDiv(points, maxPoints), groupByInterval, "points_per_query")
}

// ceilDiv guarantees the post-rewrite point count lands under the budget
func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func (s *Selector) applyPointsFactor(ctx context.Context, st *influxql.Statement, factor int64, groupByInterval, kind string) (string, bool) {
	if factor < 1 {
		factor = 1
	}
	iv, err := timeutil.ParseInterval(groupByInterval)
	if err != nil {
		return "", false
	}
	newInterval := strconv.FormatInt(factor*iv.Number, 10) + iv.Unit
	querymod.ChangeGroupByTimeInterval(st, newInterval)

	if st.IsSumGroupByTime() {
		querymod.ChangeSumGroupByTimeFactor(st, "1/"+strconv.FormatInt(factor, 10))
	}

	rewritten := st.String()
	metrics.QueryRewritten(kind)
	logger.C(ctx).Info().Str("query", rewritten).Msg("reworked query (limit nb points)")
	return rewritten, true
}
