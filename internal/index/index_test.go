package index

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store
}

func testDoc(mid string, epoch int64) *Document {
	return &Document{
		MID:        mid,
		Permalinks: []string{mid},
		DBID:       "dbid-" + mid,
		ListRaw:    "<users.example.org>",
		Forum:      "users@example.org",
		From:       "Jane Doe <jd@example.org>",
		FromRaw:    "Jane Doe <jd@example.org>",
		Subject:    "hello",
		MessageID:  "<" + mid + "@example.org>",
		Epoch:      epoch,
		Date:       UTCDate(epoch),
		Body:       "body of " + mid,
		BodyShort:  "body of " + mid,
		Gravatar:   "0123",
		Size:       100,
		ArchivedAt: epoch,
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := testDoc("abc123", 1000)
	want.Permalinks = []string{"abc123", "legacyid@123@<users.example.org>"}
	want.Notes = []string{"BADDATE: used archive time"}
	if err := store.IndexDocument(ctx, want); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	got, err := store.GetDocument(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetDocument(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIndexDocumentIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := testDoc("dup", 500)
	for i := 0; i < 3; i++ {
		if err := store.IndexDocument(ctx, doc); err != nil {
			t.Fatalf("IndexDocument #%d: %v", i, err)
		}
	}
	count, err := store.CountDocuments(ctx, Term{Field: "mid", Value: "dup"})
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestFindByPermalink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := testDoc("primary", 10)
	doc.Permalinks = []string{"primary", "alias-one", "alias-two"}
	if err := store.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	for _, id := range []string{"primary", "alias-one", "alias-two"} {
		got, err := store.FindByPermalink(ctx, id)
		if err != nil {
			t.Fatalf("FindByPermalink(%q): %v", id, err)
		}
		if got.MID != "primary" {
			t.Errorf("FindByPermalink(%q).MID = %q, want primary", id, got.MID)
		}
	}
	if _, err := store.FindByPermalink(ctx, "alias-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing alias: want ErrNotFound, got %v", err)
	}
}

func TestSearchDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		doc := testDoc(fmt.Sprintf("m%d", i), int64(100*(i+1)))
		if i >= 3 {
			doc.ListRaw = "<dev.example.org>"
		}
		if err := store.IndexDocument(ctx, doc); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	tests := []struct {
		name  string
		query Clause
		order SortOrder
		want  []string
	}{
		{
			name:  "term on list",
			query: Term{Field: "list_raw", Value: "<dev.example.org>"},
			order: SortAscending,
			want:  []string{"m3", "m4"},
		},
		{
			name:  "epoch range",
			query: Range{Field: "epoch", GTE: 200, LTE: 300},
			order: SortAscending,
			want:  []string{"m1", "m2"},
		},
		{
			name:  "descending",
			query: Wildcard{Field: "list_raw", Pattern: "<*.example.org>"},
			order: SortDescending,
			want:  []string{"m4", "m3", "m2", "m1", "m0"},
		},
		{
			name: "bool must-not",
			query: Bool{
				Must:    []Clause{Match{Field: "subject", Phrase: "HELLO"}},
				MustNot: []Clause{Term{Field: "list_raw", Value: "<dev.example.org>"}},
			},
			order: SortAscending,
			want:  []string{"m0", "m1", "m2"},
		},
		{
			name:  "match any across fields",
			query: MatchAny{Fields: []string{"subject", "body"}, Phrase: "of m4"},
			order: SortAscending,
			want:  []string{"m4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.SearchDocuments(ctx, tt.query, 0, tt.order)
			if err != nil {
				t.Fatalf("SearchDocuments: %v", err)
			}
			var got []string
			for _, d := range docs {
				got = append(got, d.MID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTermsAggregation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lists := []string{"<a.example.org>", "<a.example.org>", "<a.example.org>", "<b.example.org>"}
	for i, lid := range lists {
		doc := testDoc(fmt.Sprintf("agg%d", i), int64(i+1))
		doc.ListRaw = lid
		doc.Private = i == 3
		if err := store.IndexDocument(ctx, doc); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	buckets, err := store.TermsAggregation(ctx, Term{Field: "deleted", Value: false}, "list_raw", 10)
	if err != nil {
		t.Fatalf("TermsAggregation: %v", err)
	}
	want := []Bucket{
		{Key: "<a.example.org>", Count: 3},
		{Key: "<b.example.org>", Count: 1},
	}
	if diff := cmp.Diff(want, buckets); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}

	private, err := store.TermsAggregation(ctx, Term{Field: "private", Value: true}, "list_raw", 10)
	if err != nil {
		t.Fatalf("TermsAggregation private: %v", err)
	}
	if len(private) != 1 || private[0].Key != "<b.example.org>" {
		t.Errorf("private buckets = %+v, want only <b.example.org>", private)
	}
}

func TestScrollCoversAllWithoutDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Several documents share an epoch so the tie-breaker gets exercised.
	const total = 23
	for i := 0; i < total; i++ {
		doc := testDoc(fmt.Sprintf("s%02d", i), int64(i/3))
		if err := store.IndexDocument(ctx, doc); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	seen := make(map[string]bool)
	sc := store.Scan(Term{Field: "deleted", Value: false}, 5)
	for {
		docs, err := sc.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(docs) == 0 {
			break
		}
		for _, d := range docs {
			if seen[d.MID] {
				t.Fatalf("document %s returned twice", d.MID)
			}
			seen[d.MID] = true
		}
	}
	if len(seen) != total {
		t.Errorf("scrolled %d documents, want %d", len(seen), total)
	}
}

// Pre-epoch and zero dates produce epochs at or below zero; the keyset
// cursor must still advance strictly past them instead of rereading.
func TestScrollAdvancesPastNonPositiveEpochs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	epochs := []int64{-3, -1, 0, 0, 2, 5}
	for i, epoch := range epochs {
		if err := store.IndexDocument(ctx, testDoc(fmt.Sprintf("n%d", i), epoch)); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	seen := make(map[string]bool)
	sc := store.Scan(Term{Field: "deleted", Value: false}, 2)
	for {
		docs, err := sc.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(docs) == 0 {
			break
		}
		for _, d := range docs {
			if seen[d.MID] {
				t.Fatalf("document %s returned twice", d.MID)
			}
			seen[d.MID] = true
		}
	}
	if len(seen) != len(epochs) {
		t.Errorf("scrolled %d documents, want %d", len(seen), len(epochs))
	}
}

func TestScrollResume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.IndexDocument(ctx, testDoc(fmt.Sprintf("r%d", i), int64(i+1))); err != nil {
			t.Fatalf("IndexDocument: %v", err)
		}
	}

	query := Term{Field: "deleted", Value: false}
	first := store.Scan(query, 4)
	batch, err := first.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(batch) != 4 {
		t.Fatalf("first batch = %d docs, want 4", len(batch))
	}

	resumed, err := store.ResumeScan(query, 4, first.Cursor())
	if err != nil {
		t.Fatalf("ResumeScan: %v", err)
	}
	var rest []string
	for {
		docs, err := resumed.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(docs) == 0 {
			break
		}
		for _, d := range docs {
			rest = append(rest, d.MID)
		}
	}
	want := []string{"r4", "r5", "r6", "r7", "r8", "r9"}
	if diff := cmp.Diff(want, rest); diff != "" {
		t.Errorf("resumed mids mismatch (-want +got):\n%s", diff)
	}
}

func TestSourceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &SourceRecord{
		DBID:      "deadbeef",
		Permalink: "abc123",
		MessageID: "<x@example.org>",
		Source:    "From: jd@example.org\n\nhi\n",
	}
	if err := store.IndexSource(ctx, rec); err != nil {
		t.Fatalf("IndexSource: %v", err)
	}
	got, err := store.GetSource(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("source mismatch (-want +got):\n%s", diff)
	}

	byLink, err := store.FindSourceByPermalink(ctx, "abc123")
	if err != nil {
		t.Fatalf("FindSourceByPermalink: %v", err)
	}
	if byLink.DBID != "deadbeef" {
		t.Errorf("FindSourceByPermalink DBID = %q, want deadbeef", byLink.DBID)
	}
}

func TestAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &AuditEntry{
			ID:     fmt.Sprintf("audit-%d", i),
			Date:   UTCDate(int64(1000 + i)),
			Action: "delete",
			Remote: "127.0.0.1",
			Author: "admin@example.org",
			Target: fmt.Sprintf("doc-%d", i),
			LID:    "<users.example.org>",
			Log:    "removed document",
		}
		if err := store.AddAudit(ctx, entry); err != nil {
			t.Fatalf("AddAudit: %v", err)
		}
	}
	entries, err := store.AuditLog(ctx, 0, 2)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("page size = %d, want 2", len(entries))
	}
	if entries[0].ID != "audit-2" {
		t.Errorf("newest first: got %q, want audit-2", entries[0].ID)
	}
}
