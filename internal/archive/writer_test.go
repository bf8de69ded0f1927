package archive

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/generators"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/normalize"
)

const sampleMessage = "From: Jane Doe <jane@example.org>\r\n" +
	"To: users@example.org\r\n" +
	"Subject: hello world\r\n" +
	"Message-ID: <msg-1@example.org>\r\n" +
	"Date: Mon, 13 Feb 2023 10:00:00 +0000\r\n" +
	"List-Id: <users.example.org>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello from the mailing list.\r\n"

func newTestWriter(t *testing.T) (*Writer, *index.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := index.Open(ctx, "")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	gen, err := generators.New("dkim", false)
	if err != nil {
		t.Fatalf("generators.New: %v", err)
	}
	w, err := NewWriter(Config{
		Store:      store,
		Generators: []generators.Generator{gen},
		Normalizer: &normalize.Normalizer{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return time.Date(2023, 2, 14, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, store
}

func TestArchiveRoundTrip(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	doc, err := w.Archive(ctx, []byte(sampleMessage), Options{})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if doc.MID == "" || len(doc.MID) != 16 {
		t.Errorf("mid = %q, want 16-character id", doc.MID)
	}
	if doc.ListRaw != "<users.example.org>" {
		t.Errorf("list_raw = %q", doc.ListRaw)
	}
	if doc.Forum != "users@example.org" {
		t.Errorf("forum = %q", doc.Forum)
	}
	if doc.Epoch != time.Date(2023, 2, 13, 10, 0, 0, 0, time.UTC).Unix() {
		t.Errorf("epoch = %d", doc.Epoch)
	}
	if !strings.Contains(doc.Body, "Hello from the mailing list.") {
		t.Errorf("body = %q", doc.Body)
	}

	stored, err := store.GetDocument(ctx, doc.MID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Subject != "hello world" {
		t.Errorf("stored subject = %q", stored.Subject)
	}

	source, err := store.GetSource(ctx, doc.DBID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if source.Source != sampleMessage {
		t.Errorf("ASCII source was not stored verbatim")
	}
	if source.Permalink != doc.MID {
		t.Errorf("source permalink = %q, want %q", source.Permalink, doc.MID)
	}
}

func TestArchiveIdempotentReplay(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	first, err := w.Archive(ctx, []byte(sampleMessage), Options{})
	if err != nil {
		t.Fatalf("first Archive: %v", err)
	}
	second, err := w.Archive(ctx, []byte(sampleMessage), Options{})
	if err != nil {
		t.Fatalf("second Archive: %v", err)
	}
	if first.MID != second.MID {
		t.Errorf("replay changed mid: %q vs %q", first.MID, second.MID)
	}
	count, err := store.CountDocuments(ctx, index.Term{Field: "mid", Value: first.MID})
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	if count != 1 {
		t.Errorf("replay produced %d documents, want 1", count)
	}
}

func TestArchiveListIDOverride(t *testing.T) {
	w, _ := newTestWriter(t)

	doc, err := w.Archive(context.Background(), []byte(sampleMessage), Options{
		ListID:  "<other.example.net>",
		Private: true,
		DryRun:  true,
	})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if doc.ListRaw != "<other.example.net>" {
		t.Errorf("list_raw = %q", doc.ListRaw)
	}
	if !doc.Private {
		t.Error("private flag lost")
	}
}

func TestArchiveNoListID(t *testing.T) {
	w, _ := newTestWriter(t)
	raw := strings.Replace(sampleMessage, "List-Id: <users.example.org>\r\n", "", 1)
	if _, err := w.Archive(context.Background(), []byte(raw), Options{}); !errors.Is(err, ErrNoListID) {
		t.Fatalf("want ErrNoListID, got %v", err)
	}
}

func TestArchiveDryRunWritesNothing(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	doc, err := w.Archive(ctx, []byte(sampleMessage), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := store.GetDocument(ctx, doc.MID); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("dry run persisted the document: %v", err)
	}
}

func TestArchiveDatelessPolicies(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()
	raw := strings.Replace(sampleMessage, "Date: Mon, 13 Feb 2023 10:00:00 +0000\r\n", "", 1)

	if _, err := w.Archive(ctx, []byte(raw), Options{Dates: DatePolicy{Skip: true}}); !errors.Is(err, ErrSkipDateless) {
		t.Fatalf("skip policy: want ErrSkipDateless, got %v", err)
	}

	doc, err := w.Archive(ctx, []byte(raw), Options{DryRun: true, Dates: DatePolicy{DefaultEpoch: 1234567}})
	if err != nil {
		t.Fatalf("default-epoch policy: %v", err)
	}
	if doc.Epoch != 1234567 {
		t.Errorf("epoch = %d, want default 1234567", doc.Epoch)
	}
	found := false
	for _, note := range doc.Notes {
		if strings.HasPrefix(note, "BADDATE:") {
			found = true
		}
	}
	if !found {
		t.Errorf("no BADDATE note recorded: %v", doc.Notes)
	}
}

func TestShortBodyTruncationMark(t *testing.T) {
	long := strings.Repeat("x", 500)
	short := shortBody(long)
	if len([]rune(short)) != ShortBodyMaxLen+1 {
		t.Errorf("short body length = %d, want %d", len([]rune(short)), ShortBodyMaxLen+1)
	}
	exact := strings.Repeat("y", ShortBodyMaxLen)
	if shortBody(exact) != exact {
		t.Error("body at the limit must not be truncated")
	}
}

func TestGravatarHashLowercasesAddress(t *testing.T) {
	upper := gravatarHash("Jane Doe <Jane@Example.ORG>")
	lower := gravatarHash("jane@example.org")
	if upper != lower {
		t.Errorf("hash differs across case variants: %s vs %s", upper, lower)
	}
}

func TestEncodeSourceNonASCII(t *testing.T) {
	raw := []byte("Subject: caf\xc3\xa9\r\n\r\nbody\r\n")
	stored := encodeSource(raw)
	if stored == string(raw) {
		t.Fatal("non-ASCII source stored verbatim")
	}
	decoded, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		t.Fatalf("stored source is not base64: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Error("base64 round trip lost bytes")
	}
	if string(DecodeSource(stored)) != string(raw) {
		t.Error("DecodeSource mismatch")
	}
	if string(DecodeSource(string(raw))) != string(raw) {
		t.Error("DecodeSource mangled ASCII source")
	}
}

func TestManagerDeleteAndRestore(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	doc, err := w.Archive(ctx, []byte(sampleMessage), Options{})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	m := NewManager(store)
	admin := &access.Context{Identity: &access.Identity{Email: "admin@example.org", Authoritative: true, Admin: true}}
	actor := Actor{Email: "admin@example.org", Remote: "127.0.0.1"}

	if _, err := m.Delete(ctx, nil, actor, []string{doc.MID}); !errors.Is(err, access.ErrDenied) {
		t.Fatalf("anonymous delete: want ErrDenied, got %v", err)
	}

	n, err := m.Delete(ctx, admin, actor, []string{doc.MID, "no-such-id"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	hidden, err := store.GetDocument(ctx, doc.MID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if !hidden.Deleted {
		t.Error("document not marked deleted")
	}

	n, err = m.Restore(ctx, admin, actor, []string{doc.MID})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d, want 1", n)
	}

	entries, err := m.AuditLog(ctx, admin, 0, 10)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("audit entries = %d, want 2", len(entries))
	}
}

func TestManagerApplyEdit(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	doc, err := w.Archive(ctx, []byte(sampleMessage), Options{})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	m := NewManager(store)
	admin := &access.Context{Identity: &access.Identity{Email: "admin@example.org", Authoritative: true, Admin: true}}
	err = m.ApplyEdit(ctx, admin, Actor{Email: "admin@example.org"}, doc.MID, Edit{
		From:    "Redacted <redacted@example.org>",
		Subject: "redacted subject",
		List:    "moved@example.net",
		Private: true,
		Body:    "content removed on request",
	})
	if err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}

	edited, err := store.GetDocument(ctx, doc.MID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if edited.ListRaw != "<moved.example.net>" {
		t.Errorf("list_raw = %q", edited.ListRaw)
	}
	if edited.Subject != "redacted subject" || !edited.Private {
		t.Errorf("edit not applied: %+v", edited)
	}

	// The unmodifiable raw source is hidden once its document diverges.
	source, err := store.GetSource(ctx, doc.DBID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if !source.Deleted {
		t.Error("source record not marked deleted after edit")
	}
}
