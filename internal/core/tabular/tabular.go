// Package tabular is the internal result form exchanged between the backend
// adapter, the corrective rules and the re-serializer: per series, a time
// indexed table of cells. Cells keep their decoded JSON type so integers,
// strings, booleans and arrays survive the round trip untouched; the rules
// read and write numeric columns through the float accessors, with NaN as
// the missing-value sentinel
package tabular

import (
	"encoding/json"
	"math"
)

// Tag is one tag pair of a series key, order preserved from the backend
type Tag struct {
	Key   string
	Value string
}

// Series is one series of a statement result. Times holds nanosecond
// timestamps, Values is row-major with one cell per column. Column names
// exclude the time column. A cell is nil (JSON null), a json.Number, a
// string, a bool, a nested array, or a float64 written by a rule
type Series struct {
	Name    string
	Tags    []Tag
	Columns []string
	Times   []int64
	Values  [][]any
}

// Result is the series list of one statement, in backend order
type Result struct {
	Series []*Series
}

// NumRows returns the row count
func (s *Series) NumRows() int { return len(s.Times) }

// ColumnIndex returns the index of a named column, -1 when absent
func (s *Series) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Float reads cell (row, col) as a float64; non numeric cells read as NaN
func (s *Series) Float(row, col int) float64 {
	return cellFloat(s.Values[row][col])
}

// SetFloat overwrites cell (row, col) with a computed float64
func (s *Series) SetFloat(row, col int, v float64) {
	s.Values[row][col] = v
}

// cellFloat is the numeric view the rules do their math on; everything non
// numeric reads as NaN
func cellFloat(cell any) float64 {
	switch v := cell.(type) {
	case nil:
		return math.NaN()
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

// cellIsNull reports whether a cell carries no value: a JSON null or a NaN
// written by a rule. Strings and arrays are values
func cellIsNull(cell any) bool {
	if cell == nil {
		return true
	}
	f, ok := cell.(float64)
	return ok && math.IsNaN(f)
}

// IsRowAllNaN reports whether every value of row i is missing
func (s *Series) IsRowAllNaN(i int) bool {
	for _, cell := range s.Values[i] {
		if !cellIsNull(cell) {
			return false
		}
	}
	return true
}

// DropRow removes row i
func (s *Series) DropRow(i int) {
	s.Times = append(s.Times[:i], s.Times[i+1:]...)
	s.Values = append(s.Values[:i], s.Values[i+1:]...)
}

// DropAllNaNRows removes every row whose values are all missing
func (s *Series) DropAllNaNRows() {
	times := s.Times[:0]
	values := s.Values[:0]
	for i := range s.Times {
		if s.IsRowAllNaN(i) {
			continue
		}
		times = append(times, s.Times[i])
		values = append(values, s.Values[i])
	}
	s.Times = times
	s.Values = values
}

// ShiftTimes adds delta nanoseconds to every timestamp
func (s *Series) ShiftTimes(delta int64) {
	for i := range s.Times {
		s.Times[i] += delta
	}
}

// NumSeries returns the series count of the result
func (r *Result) NumSeries() int { return len(r.Series) }
