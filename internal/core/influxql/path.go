package influxql

import (
	"strings"

	perr "fluxgate/internal/platform/errors"
)

// MeasurementPath is the resolved FROM target. RP is "" when the query leaves
// the retention policy to the schema default; Schema falls back to the URL
// parameter when the query does not pin one
type MeasurementPath struct {
	Schema      string
	RP          string
	Measurement string
}

// ParseMeasurementPath resolves the FROM target against the request schema.
// Identifiers may be quoted, and quoted identifiers may themselves contain
// dots, so segments are reassembled on quote balance before counting.
// A 4+ segment path is an error
func ParseMeasurementPath(schema, target string) (MeasurementPath, error) {
	if target == "" {
		return MeasurementPath{}, perr.Unparsablef("empty FROM target")
	}

	raw := strings.Split(target, ".")
	var parts []string
	var held string
	holding := false
	for _, p := range raw {
		switch {
		case len(p) > 1 && strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`):
			parts = append(parts, p)
		case strings.HasPrefix(p, `"`):
			held = p
			holding = true
		case strings.HasSuffix(p, `"`):
			parts = append(parts, held+"."+p)
			held = ""
			holding = false
		default:
			if holding {
				held += "." + p
			} else {
				parts = append(parts, p)
			}
		}
	}

	unq := func(s string) string { return strings.ReplaceAll(s, `"`, "") }
	switch len(parts) {
	case 1:
		return MeasurementPath{Schema: schema, Measurement: unq(parts[0])}, nil
	case 2:
		return MeasurementPath{Schema: schema, RP: unq(parts[0]), Measurement: unq(parts[1])}, nil
	case 3:
		return MeasurementPath{Schema: unq(parts[0]), RP: unq(parts[1]), Measurement: unq(parts[2])}, nil
	default:
		return MeasurementPath{}, perr.Unparsablef("measurement path %q has %d segments", target, len(parts))
	}
}

// HasExplicitRP reports whether the query pinned a retention policy itself
func (p MeasurementPath) HasExplicitRP() bool { return p.RP != "" }

// String rebuilds the canonical quoted 3-part form
func (p MeasurementPath) String() string {
	return `"` + p.Schema + `"."` + p.RP + `"."` + p.Measurement + `"`
}
