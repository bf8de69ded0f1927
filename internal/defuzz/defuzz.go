// Package defuzz turns loosely-specified search parameters, as they arrive
// from a UI form or URL, into a structured index query. Relative date math
// is resolved to concrete epochs here, so the store only ever sees absolute
// bounds.
package defuzz

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailarchive/internal/index"
)

// ValidationError reports malformed search parameters. API handlers map it
// to a client error rather than a server fault.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "defuzz: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Options adjust how a form is defuzzed.
type Options struct {
	// NoDate leaves the date dimension out entirely instead of applying
	// the default 30-day window.
	NoDate bool
	// ListOverride supplies the full list id as one list@domain value,
	// replacing the separate list and domain parameters.
	ListOverride string
	// Now anchors relative date math; defaults to time.Now.
	Now func() time.Time
}

var (
	monthRe    = regexp.MustCompile(`^\d{4}-\d{1,2}$`)
	relativeRe = regexp.MustCompile(`^([a-z]+)=(\d+)([dwMy]?)$`)
	spanRe     = regexp.MustCompile(`^dfr=(\d{4})-(\d{1,2})-(\d{1,2})\|dto=(\d{4})-(\d{1,2})-(\d{1,2})$`)
)

// Defuzz converts form parameters into a boolean query. Recognized keys:
// list, domain, date, s, e, d, dfrom, dto, q, header_from, header_subject,
// header_body and header_to.
func Defuzz(form map[string]string, opts Options) (index.Bool, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	dateRange, err := resolveDates(form, now)
	if err != nil {
		return index.Bool{}, err
	}

	listClause, err := resolveList(form, opts.ListOverride)
	if err != nil {
		return index.Bool{}, err
	}

	query := index.Bool{Must: []index.Clause{listClause}}
	if !opts.NoDate {
		query.Must = append(query.Must, dateRange)
	}

	if qs, ok := form["q"]; ok {
		must, mustNot, err := splitFreeText(qs)
		if err != nil {
			return index.Bool{}, err
		}
		query.Must = append(query.Must, must...)
		query.MustNot = append(query.MustNot, mustNot...)
	}

	for _, header := range []string{"from", "subject", "body", "to"} {
		if value, ok := form["header_"+header]; ok {
			query.Must = append(query.Must, index.Match{Field: header, Phrase: value})
		}
	}
	return query, nil
}

// resolveDates picks the first matching date specification, falling back to
// the default trailing 30-day window.
func resolveDates(form map[string]string, now func() time.Time) (index.Range, error) {
	// A lone month parameter doubles as both ends of a month-pair range.
	start, hasStart := form["s"]
	end, hasEnd := form["e"]
	if date, ok := form["date"]; ok && !hasEnd {
		start, end = date, date
		hasStart, hasEnd = true, true
	}

	if hasStart && hasEnd {
		if !monthRe.MatchString(start) {
			return index.Range{}, invalid("keyword 's' must be of form YYYY-MM")
		}
		if !monthRe.MatchString(end) {
			return index.Range{}, invalid("keyword 'e' must be of form YYYY-MM")
		}
		gte := monthStart(start)
		lte := monthEnd(end)
		return index.Range{Field: "epoch", GTE: gte.Unix(), LTE: lte.Unix()}, nil
	}

	if from, ok := form["dfrom"]; ok {
		to := formValue(form, "dto", "0")
		df, err := strconv.Atoi(from)
		if err != nil {
			return index.Range{}, invalid("keyword 'dfrom' must be a number of days")
		}
		dt, err := strconv.Atoi(to)
		if err != nil {
			return index.Range{}, invalid("keyword 'dto' must be a number of days")
		}
		t := now().UTC()
		gte := t.AddDate(0, 0, -df)
		lte := t.AddDate(0, 0, -dt)
		// A negative day count would push the upper bound past now.
		if lte.After(t) {
			lte = t
		}
		return index.Range{Field: "epoch", GTE: gte.Unix(), LTE: lte.Unix()}, nil
	}

	if d, ok := form["d"]; ok {
		if m := relativeRe.FindStringSubmatch(d); m != nil {
			n, _ := strconv.Atoi(m[2])
			ago := subtractUnits(now().UTC(), n, m[3])
			switch m[1] {
			case "lte":
				// Messages newer than N units ago.
				return index.Range{Field: "epoch", GTE: ago.Unix()}, nil
			case "gte":
				// Messages older than N units ago.
				return index.Range{Field: "epoch", LTE: ago.Unix()}, nil
			}
		}
		if monthRe.MatchString(d) {
			return index.Range{Field: "epoch", GTE: monthStart(d).Unix(), LTE: monthEnd(d).Unix()}, nil
		}
		if m := spanRe.FindStringSubmatch(d); m != nil {
			gte := dayStart(m[1], m[2], m[3])
			lte := dayEnd(m[4], m[5], m[6])
			return index.Range{Field: "epoch", GTE: gte.Unix(), LTE: lte.Unix()}, nil
		}
	}

	t := now().UTC()
	return index.Range{
		Field: "epoch",
		GTE:   t.AddDate(0, 0, -30).Unix(),
		LTE:   t.AddDate(0, 0, 1).Unix(),
	}, nil
}

// resolveList produces the list-scoping clause: an exact term when both
// parts are concrete, otherwise a wildcard covering the open part.
func resolveList(form map[string]string, override string) (index.Clause, error) {
	fqdn := formValue(form, "domain", "*")
	listname := formValue(form, "list", "*")
	if override != "" {
		if strings.Count(override, "@") != 1 {
			return nil, invalid("list override must contain exactly one @ character")
		}
		listname, fqdn = splitOnce(override, "@")
	}
	if fqdn == "" {
		return nil, invalid("a domain part (or *) is required")
	}
	if listname == "" {
		return nil, invalid("a list part (or *) is required")
	}
	if strings.Contains(listname, "@") {
		return nil, invalid("the list part cannot contain @, use list and domain keywords")
	}

	switch {
	case listname == "*" && fqdn == "*":
		return index.Wildcard{Field: "list_raw", Pattern: "*"}, nil
	case listname == "*":
		return index.Wildcard{Field: "list_raw", Pattern: "*." + fqdn + ">"}, nil
	case fqdn == "*":
		return index.Wildcard{Field: "list_raw", Pattern: "<" + listname + ".*>"}, nil
	default:
		return index.Term{Field: "list_raw", Value: fmt.Sprintf("<%s.%s>", listname, fqdn)}, nil
	}
}

// freeTextFields are the fields a bare search token is tested against.
var freeTextFields = []string{"subject", "from", "body"}

// splitFreeText tokenizes a free-text query. Each positive token must
// match, each "-" prefixed token must not. A "--" prefix escapes the
// negation so literal leading dashes stay searchable.
func splitFreeText(qs string) (must, mustNot []index.Clause, err error) {
	bits, err := splitTokens(strings.ReplaceAll(qs, ":", ""))
	if err != nil {
		return nil, nil, err
	}

	var positive, negative []string
	for _, bit := range bits {
		if bit == "" {
			continue
		}
		if strings.HasPrefix(bit, "--") {
			positive = append(positive, bit[1:])
			continue
		}
		if strings.HasPrefix(bit, "-") {
			negative = append(negative, bit[1:])
			continue
		}
		positive = append(positive, bit)
	}
	for _, token := range positive {
		must = append(must, index.MatchAny{Fields: freeTextFields, Phrase: token})
	}
	switch len(negative) {
	case 0:
	case 1:
		mustNot = append(mustNot, index.MatchAny{Fields: freeTextFields, Phrase: negative[0]})
	default:
		// Multiple negated tokens exclude only documents matching all of
		// them, mirroring how the positives are conjoined.
		var all []index.Clause
		for _, token := range negative {
			all = append(all, index.MatchAny{Fields: freeTextFields, Phrase: token})
		}
		mustNot = append(mustNot, index.Bool{Must: all})
	}
	return must, mustNot, nil
}

// splitTokens splits on whitespace while honoring single and double
// quotes, so quoted phrases survive as one token.
func splitTokens(s string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, invalid("unbalanced quote in query")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func subtractUnits(t time.Time, n int, unit string) time.Time {
	switch unit {
	case "w":
		return t.AddDate(0, 0, -7*n)
	case "M":
		return t.AddDate(0, -n, 0)
	case "y":
		return t.AddDate(-n, 0, 0)
	default:
		return t.AddDate(0, 0, -n)
	}
}

func monthStart(yearMonth string) time.Time {
	year, month := splitOnce(yearMonth, "-")
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC)
}

func monthEnd(yearMonth string) time.Time {
	return monthStart(yearMonth).AddDate(0, 1, 0).Add(-time.Second)
}

func dayStart(year, month, day string) time.Time {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func dayEnd(year, month, day string) time.Time {
	return dayStart(year, month, day).AddDate(0, 0, 1).Add(-time.Second)
}

func formValue(form map[string]string, key, fallback string) string {
	if v, ok := form[key]; ok {
		return v
	}
	return fallback
}

func splitOnce(s, sep string) (string, string) {
	before, after, _ := strings.Cut(s, sep)
	return before, after
}
