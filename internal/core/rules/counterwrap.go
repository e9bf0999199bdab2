package rules

import (
	"context"
	"math"
	"strconv"
	"time"

	"fluxgate/internal/core/influxql"
	"fluxgate/internal/core/querymod"
	"fluxgate/internal/core/tabular"
	"fluxgate/internal/core/timeutil"
	perr "fluxgate/internal/platform/errors"
	"fluxgate/internal/platform/logger"
	"fluxgate/internal/platform/metrics"
)

// CounterWrap corrects non_negative_derivative over counters that wrap at a
// known modulus: the derivative is recomputed proxy-side from the raw
// counter, with wraps unwrapped first so resets do not show up as zero rate
type CounterWrap struct {
	exec Executor
}

func (r *CounterWrap) Name() string { return "handle_counter_wrap_non_negative_derivative" }

func (r *CounterWrap) Description() string {
	return "Handles counter overflows when using function non_negative_derivative"
}

func (r *CounterWrap) Check(query string, st *influxql.Statement) bool {
	defer metrics.ObserveStage("rule_check_counter_wrap", time.Now())
	return st.IsNonNegativeDerivative() && influxql.IsLowerTimeBoundParsable(query)
}

func (r *CounterWrap) Action(ctx context.Context, req Request) (*tabular.Result, error) {
	defer metrics.ObserveStage("rule_action_counter_wrap", time.Now())

	intervals := req.Parsed.NonNegativeDerivativeIntervals()
	names := req.Parsed.NonNegativeDerivativeColumnNames()
	if len(names) == 0 {
		return nil, nil
	}

	intervalMs := make([]int64, len(intervals))
	for i, text := range intervals {
		iv, err := timeutil.ParseInterval(text)
		if err != nil {
			return nil, nil
		}
		intervalMs[i] = iv.Nanoseconds() / 1e6
	}

	// duplicate generated names get a positional suffix so every stripped
	// column still has a distinct output name
	forced := map[int]string{}
	defaults := 0
	for i, name := range names {
		if name != "non_negative_derivative" {
			continue
		}
		if defaults >= 1 {
			names[i] = name + "_" + strconv.Itoa(i)
		}
		forced[i] = names[i]
		defaults++
	}

	stripped := influxql.Parse(req.Query)
	querymod.RemoveNonNegativeDerivative(stripped, nil, forced)
	altQuery := stripped.String()

	gbText := req.Parsed.GroupByTimeInterval()
	if gbText == "" {
		return nil, nil
	}
	gb, err := timeutil.ParseInterval(gbText)
	if err != nil {
		return nil, nil
	}
	shift := strconv.FormatInt(2*gb.Number, 10) + gb.Unit
	altQuery, err = querymod.ExtendLowerTimeBound(altQuery, shift)
	if err != nil {
		return nil, err
	}
	logger.C(ctx).Debug().Str("query", altQuery).Msg("counter wrap rule reworked query")

	results, err := r.exec.Query(ctx, req.User, req.Password, req.Schema, altQuery)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &tabular.Result{}, nil
	}

	res := results[0]
	for _, s := range res.Series {
		if err := sanitizeCounterWraps(s, names, req.OverflowValue); err != nil {
			return nil, err
		}
		applyDerivative(s, names, intervalMs)
	}
	metrics.RuleFired(r.Name())
	return res, nil
}

// sanitizeCounterWraps rewrites each counter column into a monotonic
// sequence: a negative step means the counter wrapped, so the sample is
// lifted by the modulus above the previous one
func sanitizeCounterWraps(s *tabular.Series, names []string, overflow float64) error {
	for _, name := range names {
		ci := s.ColumnIndex(name)
		if ci < 0 {
			continue
		}
		prev := math.NaN()
		for r := 0; r < s.NumRows(); r++ {
			v := s.Float(r, ci)
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(prev) {
				prev = v
				continue
			}
			diff := v - prev
			if diff < 0 {
				shift := overflow - math.Abs(diff)
				// one extra modulus covers a counter already past a full
				// wrap; needing more means the data is garbage
				for tries := 0; shift <= 0; tries++ {
					if tries >= 2 {
						return perr.Unparsablef(
							"counter column %q wraps more than twice within one step", name)
					}
					shift += overflow
				}
				v = prev + shift
				s.SetFloat(r, ci, v)
			}
			prev = v
		}
	}
	return nil
}

// applyDerivative replaces each sanitized counter column by its manual
// derivative: first sample 0, then diff scaled by the derivative unit over
// the sample spacing, clamped at 0. The row that emitted the first 0 is
// dropped afterwards, mirroring what the backend function would have
// omitted; leading rows with no value at all stay put
func applyDerivative(s *tabular.Series, names []string, intervalMs []int64) {
	first := -1
	for i, name := range names {
		ci := s.ColumnIndex(name)
		if ci < 0 {
			continue
		}
		prev := math.NaN()
		var prevNs int64
		for r := 0; r < s.NumRows(); r++ {
			v := s.Float(r, ci)
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(prev) {
				prev = v
				prevNs = s.Times[r]
				s.SetFloat(r, ci, 0)
				if first < 0 || r < first {
					first = r
				}
				continue
			}
			diff := v - prev
			if diff < 0 {
				s.SetFloat(r, ci, 0)
			} else {
				s.SetFloat(r, ci, diff*float64(intervalMs[i])/float64(s.Times[r]-prevNs))
			}
			prev = v
			prevNs = s.Times[r]
		}
	}
	if first >= 0 {
		s.DropRow(first)
	}
}
