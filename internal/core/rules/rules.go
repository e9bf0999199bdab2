// Package rules hosts the corrective rules the guard dispatches: rewrites
// that cannot be expressed as a pure query edit because they must post
// process the backend's data before the client sees it
package rules

import (
	"context"

	"fluxgate/internal/core/influxql"
	"fluxgate/internal/core/tabular"
	perr "fluxgate/internal/platform/errors"
)

// Executor runs one statement against the backend at nanosecond precision
type Executor interface {
	Query(ctx context.Context, user, password, schema, query string) ([]*tabular.Result, error)
}

// Request carries everything a rule action needs for one statement
type Request struct {
	User     string
	Password string
	Schema   string
	Query    string
	Parsed   *influxql.Statement

	// counter modulus, set only for the counter wrap rule
	OverflowValue float64
}

// Rule is one corrective rule. Check is cheap and side-effect free; Action
// executes against the backend and returns the corrected result, or nil to
// decline and let the guard move on
type Rule interface {
	Name() string
	Description() string
	Check(query string, st *influxql.Statement) bool
	Action(ctx context.Context, req Request) (*tabular.Result, error)
}

// rule order is semantic: the counter wrap rule must run before the partial
// interval rule so its output is never re-edited
var known = []struct {
	name        string
	description string
	build       func(exec Executor) Rule
}{
	{
		name:        "handle_counter_wrap_non_negative_derivative",
		description: "Handles counter overflows when using function non_negative_derivative",
		build:       func(exec Executor) Rule { return &CounterWrap{exec: exec} },
	},
	{
		name:        "remove_partial_intervals_case_sum_group_by_time",
		description: "Removes start and end partial intervals case doing a SUM() along with a GROUP BY time()",
		build:       func(exec Executor) Rule { return &PartialInterval{exec: exec} },
	},
}

// Known lists every registered rule as (name, description), in dispatch order
func Known() [][2]string {
	out := make([][2]string, 0, len(known))
	for _, k := range known {
		out = append(out, [2]string{k.name, k.description})
	}
	return out
}

// Load resolves configured rule names into rule instances. The returned
// slice is in dispatch order regardless of the configured order; an unknown
// name is a configuration error
func Load(names []string, exec Executor) ([]Rule, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []Rule
	for _, k := range known {
		if wanted[k.name] {
			out = append(out, k.build(exec))
			delete(wanted, k.name)
		}
	}
	for n := range wanted {
		return nil, perr.Validationf("unknown rule %q", n)
	}
	return out, nil
}
