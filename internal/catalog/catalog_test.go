package catalog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.io/infrasutra/mailarchive/internal/index"
)

type fakeStore struct {
	all     []index.Bucket
	private []index.Bucket
	calls   int
}

func (f *fakeStore) TermsAggregation(_ context.Context, query index.Clause, _ string, _ int) ([]index.Bucket, error) {
	f.calls++
	// The private aggregation nests the privacy term inside a bool query.
	if _, ok := query.(index.Bool); ok {
		return f.private, nil
	}
	return f.all, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshAndLists(t *testing.T) {
	store := &fakeStore{
		all: []index.Bucket{
			{Key: "<users.example.org>", Count: 10},
			{Key: "<private.example.org>", Count: 3},
		},
		private: []index.Bucket{{Key: "<private.example.org>", Count: 3}},
	}
	c := New(store, discard(), time.Minute)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	public := c.Lists(nil)
	wantPublic := []ListInfo{{ListRaw: "<users.example.org>", Count: 10}}
	if diff := cmp.Diff(wantPublic, public); diff != "" {
		t.Errorf("public lists mismatch (-want +got):\n%s", diff)
	}

	full := c.Lists(func(string) bool { return true })
	if len(full) != 2 {
		t.Errorf("full view has %d lists, want 2", len(full))
	}
	if !full[0].Private || full[0].ListRaw != "<private.example.org>" {
		t.Errorf("sorted first entry = %+v, want private list", full[0])
	}
}

func TestLookup(t *testing.T) {
	store := &fakeStore{all: []index.Bucket{{Key: "<dev.example.org>", Count: 7}}}
	c := New(store, discard(), time.Minute)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	info, ok := c.Lookup("<dev.example.org>")
	if !ok || info.Count != 7 {
		t.Errorf("Lookup = %+v, %v", info, ok)
	}
	if _, ok := c.Lookup("<absent.example.org>"); ok {
		t.Error("Lookup(absent) reported a hit")
	}
}
