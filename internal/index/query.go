package index

import (
	"fmt"
	"strings"
)

// The query model is a small, closed set of clause types that cover what
// the engine actually asks of its store: exact terms, wildcard list
// matches, epoch ranges, substring phrase matches and boolean composition.
// Each clause knows how to render itself to a SQL predicate.

// Clause is one node of a structured query.
type Clause interface {
	where(b *sqlBuilder) string
}

// Term matches a field exactly. Booleans are accepted for the private and
// deleted flags.
type Term struct {
	Field string
	Value any
}

// Terms matches a field against any of a set of values.
type Terms struct {
	Field  string
	Values []string
}

// Wildcard matches with * globbing, as used for list scoping.
type Wildcard struct {
	Field   string
	Pattern string
}

// Range bounds an integer field, inclusive on both ends. Zero means
// unbounded. The engine only ranges over epochs.
type Range struct {
	Field string
	GTE   int64
	LTE   int64
}

// Match is a case-insensitive phrase containment test on one field.
type Match struct {
	Field  string
	Phrase string
}

// MatchAny is a phrase containment test across several fields, any of
// which may satisfy it. This is how References/In-Reply-To discovery and
// free-text tokens are expressed.
type MatchAny struct {
	Fields []string
	Phrase string
}

// Bool composes clauses: all of Must, none of MustNot, at least one of
// Should (when present). A Bool is itself a Clause, so filters nest.
type Bool struct {
	Must    []Clause
	MustNot []Clause
	Should  []Clause
}

// columns maps the document field names used in queries to their sqlite
// columns. Unknown fields are a programming error and panic early.
var columns = map[string]string{
	"mid":         "mid",
	"dbid":        "dbid",
	"list_raw":    "list_raw",
	"forum":       "forum",
	"private":     "private",
	"deleted":     "deleted",
	"epoch":       "epoch",
	"subject":     "subject",
	"from":        "from_addr",
	"to":          "to_addrs",
	"cc":          "cc_addrs",
	"body":        "body",
	"message-id":  "message_id",
	"in-reply-to": "in_reply_to",
	"references":  "references_h",
	"permalinks":  "permalinks",
}

func column(field string) string {
	col, ok := columns[field]
	if !ok {
		panic(fmt.Sprintf("index: unknown query field %q", field))
	}
	return col
}

type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return "?"
}

func (t Term) where(b *sqlBuilder) string {
	value := t.Value
	if flag, ok := value.(bool); ok {
		if flag {
			value = 1
		} else {
			value = 0
		}
	}
	return fmt.Sprintf("%s = %s", column(t.Field), b.bind(value))
}

func (t Terms) where(b *sqlBuilder) string {
	if len(t.Values) == 0 {
		return "0 = 1"
	}
	placeholders := make([]string, len(t.Values))
	for i, v := range t.Values {
		placeholders[i] = b.bind(v)
	}
	return fmt.Sprintf("%s IN (%s)", column(t.Field), strings.Join(placeholders, ", "))
}

func (w Wildcard) where(b *sqlBuilder) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(w.Pattern)
	like := strings.ReplaceAll(escaped, "*", "%")
	return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, column(w.Field), b.bind(like))
}

func (r Range) where(b *sqlBuilder) string {
	var parts []string
	if r.GTE != 0 {
		parts = append(parts, fmt.Sprintf("%s >= %s", column(r.Field), b.bind(r.GTE)))
	}
	if r.LTE != 0 {
		parts = append(parts, fmt.Sprintf("%s <= %s", column(r.Field), b.bind(r.LTE)))
	}
	if len(parts) == 0 {
		return "1 = 1"
	}
	return strings.Join(parts, " AND ")
}

func (m Match) where(b *sqlBuilder) string {
	return fmt.Sprintf("instr(lower(%s), lower(%s)) > 0", column(m.Field), b.bind(m.Phrase))
}

func (m MatchAny) where(b *sqlBuilder) string {
	parts := make([]string, len(m.Fields))
	for i, field := range m.Fields {
		parts[i] = Match{Field: field, Phrase: m.Phrase}.where(b)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (q Bool) where(b *sqlBuilder) string {
	var parts []string
	for _, c := range q.Must {
		parts = append(parts, c.where(b))
	}
	for _, c := range q.MustNot {
		parts = append(parts, "NOT ("+c.where(b)+")")
	}
	if len(q.Should) > 0 {
		should := make([]string, len(q.Should))
		for i, c := range q.Should {
			should[i] = c.where(b)
		}
		parts = append(parts, "("+strings.Join(should, " OR ")+")")
	}
	if len(parts) == 0 {
		return "1 = 1"
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

// whereSQL renders a clause tree into a predicate and its bind arguments.
// A nil clause matches everything.
func whereSQL(q Clause) (string, []any) {
	if q == nil {
		return "1 = 1", nil
	}
	b := &sqlBuilder{}
	sql := q.where(b)
	return sql, b.args
}
