// Package importer streams historical mail into the archive. Bulk mbox
// imports fan messages out over a worker pool; full-corpus maintenance
// jobs walk the index on a resumable scan cursor.
package importer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/normalize"
	"github.io/infrasutra/mailarchive/internal/textlib"
)

type Importer struct {
	writer  *archive.Writer
	logger  *slog.Logger
	workers int
}

// New creates an importer. Workers defaults to the CPU count; hashing and
// canonicalization are the only CPU-bound steps, everything else waits on
// the store.
func New(writer *archive.Writer, logger *slog.Logger, workers int) *Importer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Importer{writer: writer, logger: logger, workers: workers}
}

// Result tallies one import run.
type Result struct {
	Archived int
	Skipped  int
	Failed   int
}

// ImportMbox archives every message in the mbox stream. Unparseable or
// listless messages are counted and skipped; the run only aborts on
// context cancellation or a storage failure that survived retries.
// Archiving is idempotent, so re-running a partially imported mbox
// converges instead of duplicating.
func (im *Importer) ImportMbox(ctx context.Context, r io.Reader, opts archive.Options) (Result, error) {
	var (
		mu     sync.Mutex
		result Result
	)

	g, ctx := errgroup.WithContext(ctx)
	messages := make(chan []byte, im.workers)

	g.Go(func() error {
		defer close(messages)
		reader := newMboxReader(r)
		for {
			raw, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case messages <- raw:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for i := 0; i < im.workers; i++ {
		g.Go(func() error {
			for raw := range messages {
				_, err := im.writer.Archive(ctx, raw, opts)
				mu.Lock()
				switch {
				case err == nil:
					result.Archived++
				case errors.Is(err, archive.ErrNoListID),
					errors.Is(err, archive.ErrNoContent),
					errors.Is(err, archive.ErrSkipDateless):
					result.Skipped++
				default:
					var perr *normalize.ParseError
					if errors.As(err, &perr) {
						result.Failed++
					} else {
						mu.Unlock()
						return err
					}
				}
				mu.Unlock()
				if err != nil {
					im.logger.Warn("message not archived", "error", err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	return result, err
}

const maintenanceBatch = 500

// BulkPrivacy flips the private flag on every document matching the query.
// The returned cursor resumes an interrupted run; writes are idempotent so
// reprocessing a batch after a crash is harmless.
func BulkPrivacy(ctx context.Context, store *index.Store, query index.Clause, private bool, cursor string) (int, string, error) {
	return bulkUpdate(ctx, store, query, cursor, func(doc *index.Document) bool {
		if doc.Private == private {
			return false
		}
		doc.Private = private
		return true
	})
}

// BulkRelist moves every matching document to another list, rewriting the
// derived forum name alongside. The new list id is given in list@domain
// form.
func BulkRelist(ctx context.Context, store *index.Store, query index.Clause, newList string, cursor string) (int, string, error) {
	lid := textlib.NormalizeLID(newList, true)
	if lid == "" {
		return 0, "", errors.New("importer: invalid target list id")
	}
	return bulkUpdate(ctx, store, query, cursor, func(doc *index.Document) bool {
		if doc.ListRaw == lid {
			return false
		}
		doc.ListRaw = lid
		doc.Forum = textlib.ForumName(lid)
		return true
	})
}

func bulkUpdate(ctx context.Context, store *index.Store, query index.Clause, cursor string, mutate func(*index.Document) bool) (int, string, error) {
	scroll, err := store.ResumeScan(query, maintenanceBatch, cursor)
	if err != nil {
		return 0, "", err
	}
	updated := 0
	for {
		docs, err := scroll.Next(ctx)
		if err != nil {
			return updated, scroll.Cursor(), err
		}
		if len(docs) == 0 {
			return updated, "", nil
		}
		for _, doc := range docs {
			if !mutate(doc) {
				continue
			}
			if err := store.IndexDocument(ctx, doc); err != nil {
				return updated, scroll.Cursor(), err
			}
			updated++
		}
	}
}
