// Package archive files normalized messages into the index: it computes
// the document's identifiers, builds the persisted record and writes the
// attachment blobs, raw source and document in an order that keeps replays
// and retries harmless.
package archive

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.io/infrasutra/mailarchive/internal/blobs"
	"github.io/infrasutra/mailarchive/internal/generators"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/normalize"
	"github.io/infrasutra/mailarchive/internal/textlib"
)

// ShortBodyMaxLen is the visible length of body_short. One extra character
// is stored so consumers can tell a truncated body from one that is
// exactly the limit.
const ShortBodyMaxLen = 200

var (
	// ErrNoListID means no list id was supplied and the message carries no
	// usable List-Id header.
	ErrNoListID = errors.New("archive: no valid list id")
	// ErrNoContent means the message has neither a usable body nor
	// attachments and is not worth archiving.
	ErrNoContent = errors.New("archive: message has no usable content")
	// ErrSkipDateless is returned when a message has no derivable date and
	// the writer is configured to skip such messages.
	ErrSkipDateless = errors.New("archive: skipping message without derivable date")
)

// DatePolicy decides what happens when no date can be derived from a
// message at all.
type DatePolicy struct {
	// Skip refuses the message instead of guessing.
	Skip bool
	// DefaultEpoch is used when non-zero (and Skip is off); otherwise the
	// current time is used.
	DefaultEpoch int64
}

// Options configure one archive operation.
type Options struct {
	// ListID overrides the message's own List-Id header. Either this or a
	// valid header is required.
	ListID string
	// Private marks the document as restricted to authorized readers.
	Private bool
	// DryRun computes the document without writing anything.
	DryRun bool
	// Dates configures dateless-message handling.
	Dates DatePolicy
}

// Writer archives messages. Safe for concurrent use; each Archive call is
// self-contained.
type Writer struct {
	store      *index.Store
	blobs      *blobs.Store
	generators []generators.Generator
	normalizer *normalize.Normalizer
	logger     *slog.Logger
	now        func() time.Time
}

// Config assembles a Writer.
type Config struct {
	Store *index.Store
	// Blobs may be nil; attachment metadata is then still indexed but the
	// payloads are dropped.
	Blobs *blobs.Store
	// Generators produce the document's permalinks, first one canonical.
	// At least one is required.
	Generators []generators.Generator
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Store == nil {
		return nil, errors.New("archive: a document store is required")
	}
	if len(cfg.Generators) == 0 {
		return nil, errors.New("archive: at least one id generator is required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = &normalize.Normalizer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Writer{
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		generators: cfg.Generators,
		normalizer: cfg.Normalizer,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Archive normalizes raw message bytes and persists them. The returned
// document is fully populated even on a dry run.
func (w *Writer) Archive(ctx context.Context, raw []byte, opts Options) (*index.Document, error) {
	msg, err := w.normalizer.Normalize(raw)
	if err != nil {
		return nil, err
	}

	lid := opts.ListID
	if lid == "" {
		lid = textlib.NormalizeLID(msg.Headers["list-id"], true)
		if lid == "" {
			return nil, ErrNoListID
		}
	}

	if msg.Body == nil && len(msg.Attachments) == 0 {
		return nil, ErrNoContent
	}

	doc, err := w.buildDocument(msg, raw, lid, opts)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return doc, nil
	}

	// Attachment blobs and the raw source go in before the document, so a
	// failure never leaves a document pointing at missing side records.
	// All three writes are idempotent by content digest, making retries
	// and concurrent double-imports converge instead of duplicating.
	if w.blobs != nil {
		for _, att := range msg.Attachments {
			if err := w.withRetry(ctx, "store attachment", func() error {
				return w.blobs.Put(att.Hash, att.Content)
			}); err != nil {
				return nil, err
			}
		}
	}
	source := &index.SourceRecord{
		DBID:      doc.DBID,
		Permalink: doc.MID,
		MessageID: doc.MessageID,
		Source:    encodeSource(raw),
	}
	if err := w.withRetry(ctx, "store source", func() error {
		return w.store.IndexSource(ctx, source)
	}); err != nil {
		return nil, err
	}
	if err := w.withRetry(ctx, "store document", func() error {
		return w.store.IndexDocument(ctx, doc)
	}); err != nil {
		return nil, err
	}

	w.logger.Info("message archived",
		"mid", doc.MID, "list", doc.ListRaw, "epoch", doc.Epoch, "size", doc.Size)
	return doc, nil
}

func (w *Writer) buildDocument(msg *normalize.Message, raw []byte, lid string, opts Options) (*index.Document, error) {
	epoch, notes, ok := normalize.DeriveEpoch(msg, raw)
	if !ok {
		switch {
		case opts.Dates.Skip:
			return nil, ErrSkipDateless
		case opts.Dates.DefaultEpoch != 0:
			epoch = opts.Dates.DefaultEpoch
			notes = append(notes, fmt.Sprintf("BADDATE: Falling back to configured default epoch: %d", epoch))
		default:
			epoch = w.now().Unix()
			notes = append(notes, "BADDATE: Falling back to archive time")
		}
	}

	input := w.generatorInput(msg, raw, lid, epoch)
	permalinks := w.permalinks(input, msg, lid)

	var bodyText string
	htmlSource := false
	if msg.Body != nil {
		bodyText = msg.Body.Unflow()
		htmlSource = msg.Body.HTMLAsSource
	}

	var attachments []normalize.Attachment
	for _, att := range msg.Attachments {
		meta := att
		meta.Content = nil
		attachments = append(attachments, meta)
	}

	now := w.now()
	mid := permalinks[0]
	notes = append(notes, fmt.Sprintf("ARCHIVE: Email archived as %s at %d", mid, now.Unix()))

	return &index.Document{
		MID:        mid,
		Permalinks: permalinks,
		DBID:       generators.DBID(raw),
		ListRaw:    lid,
		Forum:      textlib.ForumName(lid),
		FromRaw:    msg.Headers["from"],
		From:       msg.Headers["from"],
		To:         msg.Headers["to"],
		CC:         msg.Headers["cc"],
		Subject:    msg.Headers["subject"],
		MessageID:  msg.Headers["message-id"],
		InReplyTo:  msg.Headers["in-reply-to"],
		References: msg.Headers["references"],
		Epoch:      epoch,
		Date:       index.UTCDate(epoch),
		Private:    opts.Private,
		Body:       bodyText,
		BodyShort:  shortBody(bodyText),
		HTMLSource: htmlSource,
		Gravatar:   gravatarHash(msg.Headers["from"]),
		Attachments: attachments,
		Size:       len(raw),
		Notes:      notes,
		ArchivedAt: now.Unix(),
	}, nil
}

// generatorInput assembles what the id strategies consult. The generator
// body intentionally differs from the archived body: an HTML-only message
// without conversion contributes an empty generator body.
func (w *Writer) generatorInput(msg *normalize.Message, raw []byte, lid string, epoch int64) generators.Input {
	input := generators.Input{
		Raw:       raw,
		ListID:    lid,
		MessageID: msg.Headers["message-id"],
		From:      msg.Headers["from"],
		Subject:   msg.Headers["subject"],
		Now:       w.now,
	}
	if msg.Body != nil && !msg.Body.HTMLAsSource {
		input.Body = msg.Body.Text
	}
	if date, err := mail.ParseDate(msg.Headers["date"]); err == nil {
		input.Date = date
		input.HasDate = true
	}
	if at, err := mail.ParseDate(msg.Headers["archived-at"]); err == nil {
		input.ArchivedAt = at
		input.HasArchivedAt = true
	} else {
		input.ArchivedAt = time.Unix(epoch, 0).UTC()
		input.HasArchivedAt = true
	}
	for _, att := range msg.Attachments {
		input.AttachmentHashes = append(input.AttachmentHashes, att.Hash)
	}
	return input
}

// permalinks runs every configured generator, deduplicated and in order.
// The first entry is the canonical mid. A failing generator degrades to a
// fallback id derived from the list and archival metadata rather than
// losing the message.
func (w *Writer) permalinks(input generators.Input, msg *normalize.Message, lid string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, gen := range w.generators {
		id, err := gen.ID(input)
		if err != nil {
			w.logger.Warn("id generation failed",
				"generator", gen.Name(), "message-id", msg.Headers["message-id"], "error", err)
			id = fallbackMID(lid, msg.Headers["archived-at"])
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func fallbackMID(lid, archivedAt string) string {
	return fmt.Sprintf("%x@%s", sha256.Sum224([]byte(lid+"-"+archivedAt)), lid)
}

// shortBody truncates to one rune past the display limit; consumers treat
// any body_short longer than the limit as truncated.
func shortBody(body string) string {
	runes := []rune(body)
	if len(runes) <= ShortBodyMaxLen {
		return body
	}
	return string(runes[:ShortBodyMaxLen+1])
}

// gravatarHash is the md5 of the sender's bare address, lowercased so the
// hash is stable across case variants of the same mailbox.
func gravatarHash(from string) string {
	addr := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}
	return fmt.Sprintf("%x", md5.Sum([]byte(strings.ToLower(addr))))
}

// encodeSource keeps ASCII sources verbatim and base64-encodes anything
// else, so re-encoding cycles can never corrupt the original bytes.
func encodeSource(raw []byte) string {
	for _, b := range raw {
		if b > 0x7f {
			return base64.StdEncoding.EncodeToString(raw)
		}
	}
	return string(raw)
}

// DecodeSource reverses encodeSource.
func DecodeSource(stored string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(stored); err == nil && !looksTextual(stored) {
		return decoded
	}
	return []byte(stored)
}

// looksTextual guesses whether a stored source is plain text rather than
// base64. Real messages always contain header separators, which base64
// output cannot.
func looksTextual(stored string) bool {
	return strings.ContainsAny(stored, ": \n")
}

func (w *Writer) withRetry(ctx context.Context, op string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, index.ErrUnavailable) || errors.Is(err, index.ErrTimeout)
		}),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("storage write retry", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
