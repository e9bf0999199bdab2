package rules

import (
	"context"
	"strconv"
	"time"

	"fluxgate/internal/core/influxql"
	"fluxgate/internal/core/querymod"
	"fluxgate/internal/core/tabular"
	"fluxgate/internal/core/timeutil"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/metrics"
)

// PartialInterval fixes SUM + GROUP BY time() queries whose first and last
// buckets are partial: it widens the window by two buckets, drops the edge
// buckets from the data and shifts timestamps one bucket forward so each sum
// reads as "the interval ending at t"
type PartialInterval struct {
	exec Executor
}

func (r *PartialInterval) Name() string { return "remove_partial_intervals_case_sum_group_by_time" }

func (r *PartialInterval) Description() string {
	return "Removes start and end partial intervals case doing a SUM() along with a GROUP BY time()"
}

func (r *PartialInterval) Check(query string, st *influxql.Statement) bool {
	defer metrics.ObserveStage("rule_check_partial_interval", time.Now())
	return st.IsSumGroupByTime() && influxql.IsLowerTimeBoundParsable(query)
}

func (r *PartialInterval) Action(ctx context.Context, req Request) (*tabular.Result, error) {
	defer metrics.ObserveStage("rule_action_partial_interval", time.Now())

	intervalText := req.Parsed.GroupByTimeInterval()
	if intervalText == "" {
		return nil, nil
	}
	iv, err := timeutil.ParseInterval(intervalText)
	if err != nil {
		return nil, nil
	}

	// widen by two buckets: one for the leading partial the shift introduces,
	// one for the trailing partial the query already had
	shift := strconv.FormatInt(2*iv.Number, 10) + iv.Unit
	query, err := querymod.ExtendLowerTimeBound(req.Query, shift)
	if err != nil {
		return nil, err
	}
	logger.C(ctx).Debug().Str("query", query).Msg("partial interval rule reworked query")

	results, err := r.exec.Query(ctx, req.User, req.Password, req.Schema, query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &tabular.Result{}, nil
	}

	res := results[0]
	for _, s := range res.Series {
		reworkPartialIntervalSeries(s, iv.Nanoseconds())
	}
	metrics.RuleFired(r.Name())
	return res, nil
}

func reworkPartialIntervalSeries(s *tabular.Series, bucketNs int64) {
	// a window reaching into the future yields an all-null tail; dropping
	// every all-NaN row also eats legitimate empty buckets, accepted
	s.DropAllNaNRows()

	if s.NumRows() > 2 {
		s.DropRow(0)
		s.DropRow(s.NumRows() - 2)
	}

	// buckets are reported at their starting edge, clients read a sum as
	// "over the interval ending at t"
	s.ShiftTimes(bucketNs)
}
