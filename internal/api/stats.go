package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/defuzz"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/textlib"
	"github.io/infrasutra/mailarchive/internal/threads"
)

const (
	defaultStatsHits = 100
	maxStatsHits     = 10000
	cloudTerms       = 10
)

type emailSummary struct {
	MID     string `json:"mid"`
	ListRaw string `json:"list_raw"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Epoch   int64  `json:"epoch"`
	Private bool   `json:"private"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ac := s.accessContext(r)
	form := formValues(r)

	query, err := defuzz.Defuzz(form, defuzz.Options{})
	if err != nil {
		var verr *defuzz.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "unable to build query", http.StatusInternalServerError)
		return
	}
	filtered, err := access.AccessibleFilter(r.Context(), ac, s.store, query)
	if err != nil {
		s.logger.Error("access filter", "error", err)
		http.Error(w, "unable to search", http.StatusInternalServerError)
		return
	}
	visible := withoutDeleted(filtered, ac)

	total, err := s.store.CountDocuments(r.Context(), visible)
	if err != nil {
		s.logger.Error("count documents", "error", err)
		http.Error(w, "unable to search", http.StatusInternalServerError)
		return
	}
	size := hitLimit(form["limit"])
	docs, err := s.store.SearchDocuments(r.Context(), visible, size, index.SortDescending)
	if err != nil {
		s.logger.Error("search documents", "error", err)
		http.Error(w, "unable to search", http.StatusInternalServerError)
		return
	}

	emails := make([]emailSummary, 0, len(docs))
	senders := map[string]struct{}{}
	for _, doc := range docs {
		from := doc.From
		if ac.Anonymous() {
			doc = access.Anonymize(doc)
			from = doc.From
		}
		senders[strings.ToLower(from)] = struct{}{}
		emails = append(emails, emailSummary{
			MID:     doc.MID,
			ListRaw: doc.ListRaw,
			From:    from,
			Subject: doc.Subject,
			Epoch:   doc.Epoch,
			Private: doc.Private,
		})
	}
	roots, _ := threads.Construct(docs)

	firstYear, lastYear := s.yearSpan(r, visible)

	s.respondJSON(w, http.StatusOK, map[string]any{
		"list":         form["list"],
		"domain":       form["domain"],
		"hits":         total,
		"emails":       emails,
		"participants": len(senders),
		"no_threads":   len(roots),
		"firstYear":    firstYear,
		"lastYear":     lastYear,
		"cloud":        subjectCloud(docs),
	})
}

// yearSpan finds the oldest and newest visible epochs matching the query.
// Failures degrade to the current year rather than failing the request.
func (s *Server) yearSpan(r *http.Request, query index.Clause) (int, int) {
	thisYear := time.Now().UTC().Year()
	oldest, err := s.store.SearchDocuments(r.Context(), query, 1, index.SortAscending)
	if err != nil || len(oldest) == 0 {
		return thisYear, thisYear
	}
	newest, err := s.store.SearchDocuments(r.Context(), query, 1, index.SortDescending)
	if err != nil || len(newest) == 0 {
		return thisYear, thisYear
	}
	return time.Unix(oldest[0].Epoch, 0).UTC().Year(), time.Unix(newest[0].Epoch, 0).UTC().Year()
}

var cloudStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "about": true, "not": true, "are": true,
	"was": true, "you": true, "has": true, "have": true, "will": true,
}

// subjectCloud tallies the most frequent significant subject words across
// the hits. A degraded (empty) cloud is acceptable output.
func subjectCloud(docs []*index.Document) map[string]int {
	counts := map[string]int{}
	for _, doc := range docs {
		subject := textlib.StripReplyPrefixes(doc.Subject)
		for _, word := range strings.Fields(strings.ToLower(subject)) {
			word = strings.Trim(word, ".,;:!?\"'()[]")
			if len(word) < 3 || cloudStopwords[word] {
				continue
			}
			counts[word]++
		}
	}
	if len(counts) <= cloudTerms {
		return counts
	}
	type kv struct {
		word string
		n    int
	}
	ranked := make([]kv, 0, len(counts))
	for word, n := range counts {
		ranked = append(ranked, kv{word, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].word < ranked[j].word
	})
	top := make(map[string]int, cloudTerms)
	for _, entry := range ranked[:cloudTerms] {
		top[entry.word] = entry.n
	}
	return top
}

// withoutDeleted hides soft-deleted documents from everyone but admins.
func withoutDeleted(query index.Clause, ac *access.Context) index.Clause {
	if ac.Admin() {
		return query
	}
	deleted := index.Term{Field: "deleted", Value: false}
	if query == nil {
		return deleted
	}
	return index.Bool{Must: []index.Clause{query, deleted}}
}

func hitLimit(raw string) int {
	if raw == "" {
		return defaultStatsHits
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return defaultStatsHits
	}
	if parsed > maxStatsHits {
		return maxStatsHits
	}
	return parsed
}

func formValues(r *http.Request) map[string]string {
	form := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			form[key] = values[0]
		}
	}
	return form
}
