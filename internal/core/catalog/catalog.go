// Package catalog holds the process-global retention policy catalog: per
// schema, the ordered list of retention policies the auto-selector iterates.
// The catalog is read on every query and refreshed rarely, so updates swap a
// whole new map behind an atomic pointer and readers never lock
package catalog

import (
	"context"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"fluxgate/internal/core/influxql"
)

// RetentionPolicy describes one retention tier of a schema. Interval is the
// downsampling bucket bound to this RP through a continuous query, "" when
// the RP holds raw data
type RetentionPolicy struct {
	Name     string
	Duration time.Duration
	Default  bool
	Interval string
}

// ContinuousQuery is the slice of a backend CQ the catalog cares about:
// where it reads, where it writes and at what bucket size
type ContinuousQuery struct {
	Name     string
	From     influxql.MeasurementPath
	Into     influxql.MeasurementPath
	Interval string
}

// Catalog maps schema to its declared-order retention policies. Declared
// order is the auto-selector's precedence order
type Catalog struct {
	policies atomic.Pointer[map[string][]RetentionPolicy]
}

// New builds a catalog around an initial policy map. The map must not be
// mutated after the call
func New(initial map[string][]RetentionPolicy) *Catalog {
	c := &Catalog{}
	if initial == nil {
		initial = map[string][]RetentionPolicy{}
	}
	c.policies.Store(&initial)
	return c
}

// Policies returns the schema's retention policies in declared order
func (c *Catalog) Policies(schema string) ([]RetentionPolicy, bool) {
	m := *c.policies.Load()
	rps, ok := m[schema]
	return rps, ok
}

// Default returns the schema's default retention policy
func (c *Catalog) Default(schema string) (RetentionPolicy, bool) {
	rps, _ := c.Policies(schema)
	for _, rp := range rps {
		if rp.Default {
			return rp, true
		}
	}
	return RetentionPolicy{}, false
}

// Lookup returns the schema's retention policy by name
func (c *Catalog) Lookup(schema, name string) (RetentionPolicy, bool) {
	rps, _ := c.Policies(schema)
	for _, rp := range rps {
		if rp.Name == name {
			return rp, true
		}
	}
	return RetentionPolicy{}, false
}

// Schemas returns the known schema names, sorted
func (c *Catalog) Schemas() []string {
	m := *c.policies.Load()
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Replace swaps in a new policy map. In-flight readers keep the snapshot
// they loaded
func (c *Catalog) Replace(next map[string][]RetentionPolicy) {
	if next == nil {
		next = map[string][]RetentionPolicy{}
	}
	c.policies.Store(&next)
}

// MergeOverrides overlays configured policies on discovered ones. An
// override schema replaces the discovered schema wholesale so the operator
// controls the full declared order
func MergeOverrides(discovered, overrides map[string][]RetentionPolicy) map[string][]RetentionPolicy {
	out := make(map[string][]RetentionPolicy, len(discovered)+len(overrides))
	for s, rps := range discovered {
		out[s] = rps
	}
	for s, rps := range overrides {
		out[s] = rps
	}
	return out
}

// EnrichFromCQs binds continuous query bucket intervals to their target RPs.
// Only same-measurement downsampling CQs count; a CQ that renames the
// measurement on the way is not a retention tier of the source
func EnrichFromCQs(policies map[string][]RetentionPolicy, cqs map[string][]ContinuousQuery) {
	for schema, list := range cqs {
		rps, ok := policies[schema]
		if !ok {
			continue
		}
		for _, cq := range list {
			if cq.Interval == "" || cq.Into.Measurement != cq.From.Measurement {
				continue
			}
			for i := range rps {
				if rps[i].Name == cq.Into.RP {
					rps[i].Interval = cq.Interval
				}
			}
		}
	}
}

var (
	cqIntoFromRe = regexp.MustCompile(`(?i) INTO (\S+) FROM (\S+)`)
	cqTimeRe     = regexp.MustCompile(`(?i)GROUP BY .*?time\((.+?)\)`)
)

// ParseContinuousQuery extracts the INTO/FROM paths and GROUP BY bucket from
// a CREATE CONTINUOUS QUERY statement as SHOW CONTINUOUS QUERIES reports it
func ParseContinuousQuery(schema, name, text string) (ContinuousQuery, bool) {
	m := cqIntoFromRe.FindStringSubmatch(text)
	if m == nil {
		return ContinuousQuery{}, false
	}
	into, err := influxql.ParseMeasurementPath(schema, m[1])
	if err != nil {
		return ContinuousQuery{}, false
	}
	from, err := influxql.ParseMeasurementPath(schema, m[2])
	if err != nil {
		return ContinuousQuery{}, false
	}
	cq := ContinuousQuery{Name: name, From: from, Into: into}
	if t := cqTimeRe.FindStringSubmatch(text); t != nil {
		cq.Interval = t[1]
	}
	return cq, true
}

// Lister is the backend discovery surface the catalog needs
type Lister interface {
	ShowSchemas(ctx context.Context) ([]string, error)
	ShowRetentionPolicies(ctx context.Context, schema string) ([]RetentionPolicy, error)
	ShowContinuousQueries(ctx context.Context) (map[string][]ContinuousQuery, error)
}

// Discover fetches the full catalog from the backend, enriches it with CQ
// intervals and overlays the configured overrides
func Discover(ctx context.Context, l Lister, overrides map[string][]RetentionPolicy) (map[string][]RetentionPolicy, error) {
	schemas, err := l.ShowSchemas(ctx)
	if err != nil {
		return nil, err
	}
	discovered := make(map[string][]RetentionPolicy, len(schemas))
	for _, s := range schemas {
		rps, err := l.ShowRetentionPolicies(ctx, s)
		if err != nil {
			return nil, err
		}
		discovered[s] = rps
	}
	cqs, err := l.ShowContinuousQueries(ctx)
	if err != nil {
		return nil, err
	}
	EnrichFromCQs(discovered, cqs)
	return MergeOverrides(discovered, overrides), nil
}
