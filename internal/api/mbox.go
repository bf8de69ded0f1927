package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/archive"
	"github.io/infrasutra/mailarchive/internal/defuzz"
	"github.io/infrasutra/mailarchive/internal/index"
)

const (
	mboxScrollBatch  = 200
	mboxWriteTimeout = 30 * time.Second
)

// handleMbox streams every visible message matching the defuzzed query as
// one mbox file. Each write carries its own deadline so a stalled consumer
// aborts the stream instead of pinning the connection.
func (s *Server) handleMbox(w http.ResponseWriter, r *http.Request) {
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
		http.Error(w, "unable to export", http.StatusInternalServerError)
		return
	}
	visible := withoutDeleted(filtered, ac)

	w.Header().Set("Content-Type", "application/mbox")
	w.Header().Set("Content-Disposition", `attachment; filename="archive.mbox"`)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	scroll := s.store.Scan(visible, mboxScrollBatch)
	written := 0
	for {
		docs, err := scroll.Next(r.Context())
		if err != nil {
			s.logger.Error("mbox scroll", "error", err)
			return
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			raw, ok := s.exportableSource(r, doc)
			if !ok {
				continue
			}
			if err := s.writeMboxEntry(rc, w, doc, raw); err != nil {
				s.logger.Warn("mbox stream aborted", "written", written, "error", err)
				return
			}
			written++
		}
	}
	s.logger.Info("mbox export complete", "written", written)
}

// exportableSource loads the raw source behind a document. Documents whose
// source record is gone or tombstoned are silently skipped.
func (s *Server) exportableSource(r *http.Request, doc *index.Document) ([]byte, bool) {
	rec, err := s.store.FindSourceByPermalink(r.Context(), doc.MID)
	if err != nil || rec.Deleted {
		return nil, false
	}
	return archive.DecodeSource(rec.Source), true
}

var fromLineRe = regexp.MustCompile(`(?m)^(>*From )`)

func (s *Server) writeMboxEntry(rc *http.ResponseController, w http.ResponseWriter, doc *index.Document, raw []byte) error {
	if err := rc.SetWriteDeadline(time.Now().Add(mboxWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("set write deadline: %w", err)
	}
	separator := fmt.Sprintf("From MAILER-DAEMON %s\n",
		time.Unix(doc.Epoch, 0).UTC().Format("Mon Jan 02 15:04:05 2006"))
	if _, err := w.Write([]byte(separator)); err != nil {
		return fmt.Errorf("write separator: %w", err)
	}
	// mboxrd quoting keeps embedded "From " lines reversible.
	body := fromLineRe.ReplaceAll(raw, []byte(">$1"))
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if !bytes.HasSuffix(body, []byte("\n")) {
		if _, err := w.Write([]byte("\n")); err != nil {
			return fmt.Errorf("write terminator: %w", err)
		}
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write separator blank: %w", err)
	}
	return nil
}
