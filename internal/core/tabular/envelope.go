package tabular

import (
	"encoding/json"
	"math"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"fluxgate/internal/core/timeutil"
	perr "fluxgate/internal/platform/errors"
)

// json numbers stay json.Number on decode so nanosecond timestamps survive
// the float64 mantissa
var jsonAPI = jsoniter.Config{UseNumber: true}.Froze()

type wireSeries struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string          `json:"columns"`
	Values  [][]interface{}   `json:"values"`
}

type wireResult struct {
	StatementID int          `json:"statement_id"`
	Series      []wireSeries `json:"series,omitempty"`
	Error       string       `json:"error,omitempty"`
}

type wireEnvelope struct {
	Results []wireResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// DecodeEnvelope parses a backend /query response (requested at nanosecond
// precision) into the internal tabular form. A top-level or per-statement
// backend error comes back as an error
func DecodeEnvelope(data []byte) ([]*Result, error) {
	var env wireEnvelope
	if err := jsonAPI.Unmarshal(data, &env); err != nil {
		return nil, perr.Unparsablef("backend response: %v", err)
	}
	if env.Error != "" {
		return nil, perr.BackendServerf("%s", env.Error)
	}

	out := make([]*Result, 0, len(env.Results))
	for _, wr := range env.Results {
		if wr.Error != "" {
			return nil, perr.BackendServerf("%s", wr.Error)
		}
		res := &Result{}
		for _, ws := range wr.Series {
			s, err := decodeSeries(ws)
			if err != nil {
				return nil, err
			}
			res.Series = append(res.Series, s)
		}
		out = append(out, res)
	}
	return out, nil
}

func decodeSeries(ws wireSeries) (*Series, error) {
	if len(ws.Columns) == 0 || ws.Columns[0] != "time" {
		return nil, perr.Unparsablef("series %q has no leading time column", ws.Name)
	}
	s := &Series{
		Name:    ws.Name,
		Columns: ws.Columns[1:],
	}
	// the backend emits tags sorted by key; maps lose that, restore it
	keys := make([]string, 0, len(ws.Tags))
	for k := range ws.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Tags = append(s.Tags, Tag{Key: k, Value: ws.Tags[k]})
	}

	for _, row := range ws.Values {
		if len(row) != len(ws.Columns) {
			return nil, perr.Unparsablef("series %q row width %d, want %d", ws.Name, len(row), len(ws.Columns))
		}
		ts, ok := row[0].(json.Number)
		if !ok {
			return nil, perr.Unparsablef("series %q has non-numeric timestamp %v", ws.Name, row[0])
		}
		ns, err := ts.Int64()
		if err != nil {
			return nil, perr.Unparsablef("series %q timestamp: %v", ws.Name, err)
		}
		// cells keep their decoded type; the rules convert to float64 on
		// read, and anything they never touch re-serializes byte-faithfully
		vals := make([]any, len(row)-1)
		copy(vals, row[1:])
		s.Times = append(s.Times, ns)
		s.Values = append(s.Values, vals)
	}
	return s, nil
}

// EncodeEnvelope re-serializes results into the backend's envelope form.
// Timestamps are downcast to the requested precision, NaN becomes null.
// The caller appends the trailing newline
func EncodeEnvelope(results []*Result, precision string) []byte {
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField("results")
	stream.WriteArrayStart()
	for i, res := range results {
		if i > 0 {
			stream.WriteMore()
		}
		writeResult(stream, i, res, precision)
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()

	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out
}

func writeResult(stream *jsoniter.Stream, id int, res *Result, precision string) {
	stream.WriteObjectStart()
	stream.WriteObjectField("statement_id")
	stream.WriteInt(id)
	if len(res.Series) > 0 {
		stream.WriteMore()
		stream.WriteObjectField("series")
		stream.WriteArrayStart()
		for i, s := range res.Series {
			if i > 0 {
				stream.WriteMore()
			}
			writeSeries(stream, s, precision)
		}
		stream.WriteArrayEnd()
	}
	stream.WriteObjectEnd()
}

func writeSeries(stream *jsoniter.Stream, s *Series, precision string) {
	stream.WriteObjectStart()
	stream.WriteObjectField("name")
	stream.WriteString(s.Name)
	if len(s.Tags) > 0 {
		stream.WriteMore()
		stream.WriteObjectField("tags")
		stream.WriteObjectStart()
		for i, tag := range s.Tags {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(tag.Key)
			stream.WriteString(tag.Value)
		}
		stream.WriteObjectEnd()
	}
	stream.WriteMore()
	stream.WriteObjectField("columns")
	stream.WriteArrayStart()
	stream.WriteString("time")
	for _, c := range s.Columns {
		stream.WriteMore()
		stream.WriteString(c)
	}
	stream.WriteArrayEnd()
	stream.WriteMore()
	stream.WriteObjectField("values")
	stream.WriteArrayStart()
	for i := range s.Times {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteArrayStart()
		stream.WriteInt64(timeutil.DowncastNs(s.Times[i], precision))
		for _, cell := range s.Values[i] {
			stream.WriteMore()
			writeCell(stream, cell)
		}
		stream.WriteArrayEnd()
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()
}

// writeCell emits a cell without changing its type: integers stay integers,
// strings stay strings, arrays flatten to JSON arrays. Rule-written float64
// NaN becomes null
func writeCell(stream *jsoniter.Stream, cell any) {
	switch v := cell.(type) {
	case nil:
		stream.WriteNil()
	case json.Number:
		stream.WriteRaw(string(v))
	case float64:
		if math.IsNaN(v) {
			stream.WriteNil()
		} else {
			stream.WriteFloat64(v)
		}
	case bool:
		stream.WriteBool(v)
	case string:
		stream.WriteString(v)
	default:
		stream.WriteVal(v)
	}
}
