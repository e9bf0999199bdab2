// Package influxql parses the slice of the InfluxQL SELECT grammar the
// corrective pipeline needs: the column list, the FROM target, the GROUP BY
// list and the WHERE time bounds. It is not a validating parser; anything it
// does not understand stays an opaque literal and stringifies byte-identical
package influxql

import (
	"strings"
	"unicode"
)

// Kind tags a token in the parsed statement
type Kind uint8

const (
	// KindLiteral is opaque text the pipeline never edits structurally
	KindLiteral Kind = iota
	// KindKeyword is a bare SQL keyword (SELECT, FROM, GROUP, BY)
	KindKeyword
	// KindWhitespace is a run of whitespace between tokens
	KindWhitespace
	// KindColumns is the comma separated list between SELECT and FROM
	KindColumns
	// KindFrom is the FROM target (measurement path)
	KindFrom
	// KindWhere is the WHERE clause, kept opaque (time bounds are extracted
	// by regex against the full text)
	KindWhere
	// KindGroupBy is the GROUP BY element list
	KindGroupBy
)

// Token is one node of the editable statement. Text may be replaced in place
// by the modifier; stringification concatenates texts verbatim
type Token struct {
	Kind Kind
	Text string
}

// Statement is an ordered token sequence. Stringifying an unmodified parse is
// byte-identical to the input
type Statement struct {
	tokens []Token
}

// item is a lexer unit: a whitespace run or a word. A word run continues
// across spaces while inside parentheses or quotes, so a nested call like
// non_negative_derivative(sum(x), 1m) stays one word
type item struct {
	space bool
	text  string
}

func lex(s string) []item {
	var items []item
	var cur strings.Builder
	var curSpace bool
	depth := 0
	var quote rune

	flush := func() {
		if cur.Len() > 0 {
			items = append(items, item{space: curSpace, text: cur.String()})
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		}
		isSpace := unicode.IsSpace(r) && quote == 0 && depth == 0
		if cur.Len() == 0 {
			curSpace = isSpace
		} else if isSpace != curSpace {
			flush()
			curSpace = isSpace
		}
		cur.WriteRune(r)
	}
	flush()
	return items
}

func concat(items []item) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.text)
	}
	return b.String()
}

// groupByStops end the GROUP BY element list. fill(...) is part of the list
var groupByStops = map[string]bool{
	"ORDER": true, "LIMIT": true, "SLIMIT": true, "OFFSET": true, "SOFFSET": true, "TZ": true,
}

// Parse tokenizes one statement. Non-SELECT statements come back as a single
// opaque literal
func Parse(query string) *Statement {
	items := lex(query)
	st := &Statement{}

	i := 0
	for i < len(items) && items[i].space {
		i++
	}
	if i >= len(items) || !strings.EqualFold(items[i].text, "SELECT") {
		st.tokens = []Token{{Kind: KindLiteral, Text: query}}
		return st
	}
	// replay any leading whitespace
	for j := 0; j < i; j++ {
		st.push(KindWhitespace, items[j].text)
	}
	st.push(KindKeyword, items[i].text)
	i++
	for i < len(items) && items[i].space {
		st.push(KindWhitespace, items[i].text)
		i++
	}

	// column list runs to the FROM keyword at top level
	fromIdx := -1
	for j := i; j < len(items); j++ {
		if !items[j].space && strings.EqualFold(items[j].text, "FROM") {
			fromIdx = j
			break
		}
	}
	if fromIdx < 0 {
		for ; i < len(items); i++ {
			st.push(KindLiteral, items[i].text)
		}
		return st
	}
	colEnd := fromIdx
	for colEnd > i && items[colEnd-1].space {
		colEnd--
	}
	if colEnd > i {
		st.push(KindColumns, concat(items[i:colEnd]))
	}
	for j := colEnd; j < fromIdx; j++ {
		st.push(KindWhitespace, items[j].text)
	}
	st.push(KindKeyword, items[fromIdx].text)
	i = fromIdx + 1
	for i < len(items) && items[i].space {
		st.push(KindWhitespace, items[i].text)
		i++
	}
	if i < len(items) {
		st.push(KindFrom, items[i].text)
		i++
	}

	// opaque middle (usually the WHERE clause) up to GROUP BY
	var buf []item
	flushBuf := func() {
		if len(buf) == 0 {
			return
		}
		text := concat(buf)
		kind := KindLiteral
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "WHERE") {
			kind = KindWhere
		}
		st.push(kind, text)
		buf = buf[:0]
	}

	for ; i < len(items); i++ {
		if !items[i].space && strings.EqualFold(items[i].text, "GROUP") {
			j := i + 1
			for j < len(items) && items[j].space {
				j++
			}
			if j < len(items) && strings.EqualFold(items[j].text, "BY") {
				flushBuf()
				st.push(KindKeyword, items[i].text)
				for k := i + 1; k < j; k++ {
					st.push(KindWhitespace, items[k].text)
				}
				st.push(KindKeyword, items[j].text)
				i = j + 1
				for i < len(items) && items[i].space {
					st.push(KindWhitespace, items[i].text)
					i++
				}
				st.parseGroupByList(items, &i)
				for ; i < len(items); i++ {
					buf = append(buf, items[i])
				}
				flushBuf()
				return st
			}
		}
		buf = append(buf, items[i])
	}
	flushBuf()
	return st
}

func (s *Statement) parseGroupByList(items []item, i *int) {
	var gb []item
	for ; *i < len(items); *i++ {
		it := items[*i]
		if !it.space && groupByStops[strings.ToUpper(it.text)] {
			break
		}
		gb = append(gb, it)
	}
	end := len(gb)
	for end > 0 && gb[end-1].space {
		end--
	}
	if end > 0 {
		s.push(KindGroupBy, concat(gb[:end]))
	}
	for j := end; j < len(gb); j++ {
		s.push(KindWhitespace, gb[j].text)
	}
}

func (s *Statement) push(kind Kind, text string) {
	s.tokens = append(s.tokens, Token{Kind: kind, Text: text})
}

// String reassembles the current (possibly modified) query text
func (s *Statement) String() string {
	var b strings.Builder
	for _, t := range s.tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}

// IsSelect reports whether the statement's top keyword is SELECT
func (s *Statement) IsSelect() bool {
	for _, t := range s.tokens {
		if t.Kind == KindKeyword {
			return strings.EqualFold(t.Text, "SELECT")
		}
	}
	return false
}

func (s *Statement) find(kind Kind) int {
	for i, t := range s.tokens {
		if t.Kind == kind {
			return i
		}
	}
	return -1
}

// ColumnsText returns the raw column list text, "" if absent
func (s *Statement) ColumnsText() string {
	if i := s.find(KindColumns); i >= 0 {
		return s.tokens[i].Text
	}
	return ""
}

// Columns returns the column list split at top level commas, nil if absent
func (s *Statement) Columns() []string {
	t := s.ColumnsText()
	if t == "" {
		return nil
	}
	return SplitColumns(t)
}

// SetColumns replaces the column list with the given elements
func (s *Statement) SetColumns(cols []string) {
	if i := s.find(KindColumns); i >= 0 {
		s.tokens[i].Text = strings.Join(cols, ", ")
	}
}

// FromTarget returns the raw FROM target token, "" if absent
func (s *Statement) FromTarget() string {
	if i := s.find(KindFrom); i >= 0 {
		return s.tokens[i].Text
	}
	return ""
}

// SetFromTarget replaces the FROM target token
func (s *Statement) SetFromTarget(text string) {
	if i := s.find(KindFrom); i >= 0 {
		s.tokens[i].Text = text
	}
}

// GroupByText returns the raw GROUP BY list text, "" if absent
func (s *Statement) GroupByText() string {
	if i := s.find(KindGroupBy); i >= 0 {
		return s.tokens[i].Text
	}
	return ""
}

// GroupByItems returns the GROUP BY elements split at top level commas and
// trimmed, nil if the statement has no GROUP BY
func (s *Statement) GroupByItems() []string {
	t := s.GroupByText()
	if t == "" {
		return nil
	}
	return SplitColumns(t)
}

// SetGroupBy replaces the GROUP BY element list
func (s *Statement) SetGroupBy(elems []string) {
	if i := s.find(KindGroupBy); i >= 0 {
		s.tokens[i].Text = strings.Join(elems, ", ")
	}
}
