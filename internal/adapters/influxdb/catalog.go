package influxdb

import (
	"context"
	"net/url"

	jsoniter "github.com/json-iterator/go"

	"fluxgate/internal/core/catalog"
	"fluxgate/internal/core/timeutil"
	perr "fluxgate/internal/platform/errors"
)

// SHOW results carry strings and booleans, not the numeric tables the rule
// pipeline reads, so they get their own decode path
var showJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type showSeries struct {
	Name    string          `json:"name"`
	Columns []string        `json:"columns"`
	Values  [][]interface{} `json:"values"`
}

type showResult struct {
	Series []showSeries `json:"series"`
	Error  string       `json:"error"`
}

type showEnvelope struct {
	Results []showResult `json:"results"`
	Error   string       `json:"error"`
}

func (c *Client) show(ctx context.Context, schema, query string) ([]showSeries, error) {
	body, err := c.rawQuery(ctx, "", "", schema, query, url.Values{})
	if err != nil {
		return nil, err
	}
	var env showEnvelope
	if err := showJSON.Unmarshal(body, &env); err != nil {
		return nil, perr.Unparsablef("backend %q response: %v", query, err)
	}
	if env.Error != "" {
		return nil, perr.BackendServerf("%s", env.Error)
	}
	if len(env.Results) == 0 {
		return nil, nil
	}
	if env.Results[0].Error != "" {
		return nil, perr.BackendServerf("%s", env.Results[0].Error)
	}
	return env.Results[0].Series, nil
}

// ShowSchemas lists the backend's databases
func (c *Client) ShowSchemas(ctx context.Context) ([]string, error) {
	series, err := c.show(ctx, "", "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range series {
		for _, row := range s.Values {
			if len(row) == 1 {
				if name, ok := row[0].(string); ok {
					out = append(out, name)
				}
			}
		}
	}
	return out, nil
}

// ShowRetentionPolicies lists a schema's retention policies in declared
// order. Duration comes back in the backend's composite form ("720h0m0s")
func (c *Client) ShowRetentionPolicies(ctx context.Context, schema string) ([]catalog.RetentionPolicy, error) {
	series, err := c.show(ctx, schema, `SHOW RETENTION POLICIES ON "`+schema+`"`)
	if err != nil {
		return nil, err
	}
	var out []catalog.RetentionPolicy
	for _, s := range series {
		nameIdx := columnIndex(s.Columns, "name")
		durIdx := columnIndex(s.Columns, "duration")
		defIdx := columnIndex(s.Columns, "default")
		if nameIdx < 0 || durIdx < 0 || defIdx < 0 {
			return nil, perr.Unparsablef("unexpected SHOW RETENTION POLICIES columns %v", s.Columns)
		}
		for _, row := range s.Values {
			name, _ := row[nameIdx].(string)
			durText, _ := row[durIdx].(string)
			isDefault, _ := row[defIdx].(bool)
			dur, err := timeutil.ParseRPDuration(durText)
			if err != nil {
				c.log.Warn().Str("rp", name).Str("duration", durText).
					Msg("skipping retention policy with unreadable duration")
				continue
			}
			out = append(out, catalog.RetentionPolicy{Name: name, Duration: dur, Default: isDefault})
		}
	}
	return out, nil
}

// ShowContinuousQueries lists every CQ grouped by schema; one SHOW series
// per database, rows of (name, query)
func (c *Client) ShowContinuousQueries(ctx context.Context) (map[string][]catalog.ContinuousQuery, error) {
	series, err := c.show(ctx, "", "SHOW CONTINUOUS QUERIES")
	if err != nil {
		return nil, err
	}
	out := map[string][]catalog.ContinuousQuery{}
	for _, s := range series {
		schema := s.Name
		for _, row := range s.Values {
			if len(row) != 2 {
				continue
			}
			name, _ := row[0].(string)
			text, _ := row[1].(string)
			if cq, ok := catalog.ParseContinuousQuery(schema, name, text); ok {
				out[schema] = append(out[schema], cq)
			}
		}
	}
	return out, nil
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
