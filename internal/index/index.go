// Package index is the document store the archive runs against: a
// sqlite-backed collection of archived messages, their raw sources and the
// audit log, addressed by stable string ids and queried through a small
// structured-query model.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.io/infrasutra/mailarchive/internal/normalize"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means no record exists under the given id.
	ErrNotFound = errors.New("index: not found")
	// ErrUnavailable is a transient storage failure; callers may retry.
	ErrUnavailable = errors.New("index: storage unavailable")
	// ErrTimeout means the operation exceeded its deadline. Non-critical
	// callers (aggregation summaries) may degrade to empty results.
	ErrTimeout = errors.New("index: storage timeout")
)

// classify folds driver and context errors into the store's taxonomy while
// preserving the original cause.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
}

// Document is the persisted record of one archived message.
type Document struct {
	MID        string                 `json:"mid"`
	Permalinks []string               `json:"permalinks"`
	DBID       string                 `json:"dbid"`
	ListRaw    string                 `json:"list_raw"`
	Forum      string                 `json:"forum"`
	FromRaw    string                 `json:"from_raw"`
	From       string                 `json:"from"`
	To         string                 `json:"to"`
	CC         string                 `json:"cc"`
	Subject    string                 `json:"subject"`
	MessageID  string                 `json:"message-id"`
	InReplyTo  string                 `json:"in-reply-to"`
	References string                 `json:"references"`
	Epoch      int64                  `json:"epoch"`
	Date       string                 `json:"date"`
	Private    bool                   `json:"private"`
	Deleted    bool                   `json:"deleted"`
	Body       string                 `json:"body"`
	BodyShort  string                 `json:"body_short"`
	HTMLSource bool                   `json:"html_source_only"`
	Gravatar   string                 `json:"gravatar"`
	Attachments []normalize.Attachment `json:"attachments,omitempty"`
	Size       int                    `json:"size"`
	Notes      []string               `json:"_notes,omitempty"`
	ArchivedAt int64                  `json:"_archived_at"`
}

// SourceRecord stores the literal bytes of a message, ASCII pass-through or
// base64. Its deleted flag is independent of the document's: a document can
// stay visible while its source is hidden after a content edit.
type SourceRecord struct {
	DBID      string `json:"dbid"`
	Permalink string `json:"permalink"`
	MessageID string `json:"message-id"`
	Source    string `json:"source"`
	Deleted   bool   `json:"deleted"`
}

// AuditEntry records one administrative action against the archive.
type AuditEntry struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Action string `json:"action"`
	Remote string `json:"remote"`
	Author string `json:"author"`
	Target string `json:"target"`
	LID    string `json:"lid"`
	Log    string `json:"log"`
}

// SortOrder orders result sets by epoch.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

func (o SortOrder) orderBy() string {
	if o == SortDescending {
		return " ORDER BY epoch DESC, mid DESC"
	}
	return " ORDER BY epoch ASC, mid ASC"
}

// Bucket is one terms-aggregation result.
type Bucket struct {
	Key   string
	Count int64
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the archive index. An empty path yields an
// in-memory store, which the tests lean on.
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mbox (
            mid TEXT PRIMARY KEY,
            permalinks TEXT NOT NULL,
            dbid TEXT NOT NULL,
            list_raw TEXT NOT NULL,
            forum TEXT NOT NULL,
            from_raw TEXT NOT NULL,
            from_addr TEXT NOT NULL,
            to_addrs TEXT NOT NULL,
            cc_addrs TEXT NOT NULL,
            subject TEXT NOT NULL,
            message_id TEXT NOT NULL,
            in_reply_to TEXT NOT NULL,
            references_h TEXT NOT NULL,
            epoch INTEGER NOT NULL,
            date TEXT NOT NULL,
            private INTEGER NOT NULL,
            deleted INTEGER NOT NULL DEFAULT 0,
            body TEXT NOT NULL,
            body_short TEXT NOT NULL,
            html_source_only INTEGER NOT NULL DEFAULT 0,
            gravatar TEXT NOT NULL,
            attachments TEXT,
            size INTEGER NOT NULL,
            notes TEXT,
            archived_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS source (
            dbid TEXT PRIMARY KEY,
            permalink TEXT NOT NULL,
            message_id TEXT NOT NULL,
            source TEXT NOT NULL,
            deleted INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS auditlog (
            id TEXT PRIMARY KEY,
            date TEXT NOT NULL,
            action TEXT NOT NULL,
            remote TEXT NOT NULL,
            author TEXT NOT NULL,
            target TEXT NOT NULL,
            lid TEXT NOT NULL,
            log TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_mbox_epoch ON mbox(epoch, mid);`,
		`CREATE INDEX IF NOT EXISTS idx_mbox_list ON mbox(list_raw, epoch);`,
		`CREATE INDEX IF NOT EXISTS idx_mbox_message_id ON mbox(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_mbox_in_reply_to ON mbox(in_reply_to);`,
		`CREATE INDEX IF NOT EXISTS idx_source_permalink ON source(permalink);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const docColumns = `mid, permalinks, dbid, list_raw, forum, from_raw, from_addr, to_addrs, cc_addrs,
        subject, message_id, in_reply_to, references_h, epoch, date, private, deleted,
        body, body_short, html_source_only, gravatar, attachments, size, notes, archived_at`

// IndexDocument upserts an archived document under its mid. Re-indexing the
// same content is a harmless overwrite, which is what makes replays and
// retries safe.
func (s *Store) IndexDocument(ctx context.Context, doc *Document) error {
	permalinks, err := json.Marshal(doc.Permalinks)
	if err != nil {
		return fmt.Errorf("encode permalinks: %w", err)
	}
	attachments, err := json.Marshal(doc.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	notes, err := json.Marshal(doc.Notes)
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO mbox (`+docColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		doc.MID, string(permalinks), doc.DBID, doc.ListRaw, doc.Forum, doc.FromRaw, doc.From,
		doc.To, doc.CC, doc.Subject, doc.MessageID, doc.InReplyTo, doc.References,
		doc.Epoch, doc.Date, boolInt(doc.Private), boolInt(doc.Deleted),
		doc.Body, doc.BodyShort, boolInt(doc.HTMLSource), doc.Gravatar,
		string(attachments), doc.Size, string(notes), doc.ArchivedAt,
	)
	return classify("index document", err)
}

// GetDocument fetches a document by its current canonical mid.
func (s *Store) GetDocument(ctx context.Context, mid string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM mbox WHERE mid = ?;`, mid)
	return scanDocument(row)
}

// FindByPermalink resolves a document by any id it has ever been assigned:
// first the primary key, then the historical permalink list.
func (s *Store) FindByPermalink(ctx context.Context, permalink string) (*Document, error) {
	doc, err := s.GetDocument(ctx, permalink)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM mbox WHERE instr(permalinks, ?) > 0 LIMIT 1;`,
		`"`+permalink+`"`)
	return scanDocument(row)
}

// SearchDocuments runs a structured query, epoch-sorted, capped at size.
func (s *Store) SearchDocuments(ctx context.Context, query Clause, size int, order SortOrder) ([]*Document, error) {
	where, args := whereSQL(query)
	stmt := `SELECT ` + docColumns + ` FROM mbox WHERE ` + where + order.orderBy()
	if size > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", size)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("search documents", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search documents", err)
	}
	return docs, nil
}

// CountDocuments counts matches without fetching them.
func (s *Store) CountDocuments(ctx context.Context, query Clause) (int64, error) {
	where, args := whereSQL(query)
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mbox WHERE `+where+`;`, args...).Scan(&count)
	if err != nil {
		return 0, classify("count documents", err)
	}
	return count, nil
}

// TermsAggregation buckets matching documents by a field, most frequent
// first. This backs the private-list discovery of the access filter and the
// list catalog refresh.
func (s *Store) TermsAggregation(ctx context.Context, query Clause, field string, size int) ([]Bucket, error) {
	where, args := whereSQL(query)
	col := column(field)
	stmt := fmt.Sprintf(`SELECT %s, COUNT(1) AS cnt FROM mbox WHERE %s GROUP BY %s ORDER BY cnt DESC LIMIT %d;`,
		col, where, col, size)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("terms aggregation", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, classify("terms aggregation", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("terms aggregation", err)
	}
	return buckets, nil
}

// DeleteDocument removes a document outright. Soft deletion (the usual
// path) goes through re-indexing with the deleted flag set instead.
func (s *Store) DeleteDocument(ctx context.Context, mid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mbox WHERE mid = ?;`, mid)
	return classify("delete document", err)
}

// IndexSource upserts a raw-source record under its dbid.
func (s *Store) IndexSource(ctx context.Context, rec *SourceRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO source
        (dbid, permalink, message_id, source, deleted) VALUES (?, ?, ?, ?, ?);`,
		rec.DBID, rec.Permalink, rec.MessageID, rec.Source, boolInt(rec.Deleted))
	return classify("index source", err)
}

// GetSource fetches a raw-source record by dbid.
func (s *Store) GetSource(ctx context.Context, dbid string) (*SourceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT dbid, permalink, message_id, source, deleted FROM source WHERE dbid = ?;`, dbid)
	return scanSource(row)
}

// FindSourceByPermalink resolves a raw-source record via the document id it
// was archived alongside.
func (s *Store) FindSourceByPermalink(ctx context.Context, permalink string) (*SourceRecord, error) {
	rec, err := s.GetSource(ctx, permalink)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT dbid, permalink, message_id, source, deleted FROM source WHERE permalink = ? LIMIT 1;`, permalink)
	return scanSource(row)
}

// AddAudit appends an audit-log entry.
func (s *Store) AddAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO auditlog
        (id, date, action, remote, author, target, lid, log) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		entry.ID, entry.Date, entry.Action, entry.Remote, entry.Author, entry.Target, entry.LID, entry.Log)
	return classify("add audit entry", err)
}

// AuditLog returns a page of audit entries, newest first.
func (s *Store) AuditLog(ctx context.Context, page, size int) ([]AuditEntry, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, date, action, remote, author, target, lid, log
        FROM auditlog ORDER BY date DESC, id DESC LIMIT ? OFFSET ?;`, size, page*size)
	if err != nil {
		return nil, classify("audit log", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Date, &e.Action, &e.Remote, &e.Author, &e.Target, &e.LID, &e.Log); err != nil {
			return nil, classify("audit log", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("audit log", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var permalinks, attachments, notes sql.NullString
	var private, deleted, htmlSource int
	err := row.Scan(
		&doc.MID, &permalinks, &doc.DBID, &doc.ListRaw, &doc.Forum, &doc.FromRaw, &doc.From,
		&doc.To, &doc.CC, &doc.Subject, &doc.MessageID, &doc.InReplyTo, &doc.References,
		&doc.Epoch, &doc.Date, &private, &deleted,
		&doc.Body, &doc.BodyShort, &htmlSource, &doc.Gravatar,
		&attachments, &doc.Size, &notes, &doc.ArchivedAt,
	)
	if err != nil {
		return nil, classify("scan document", err)
	}
	doc.Private = private != 0
	doc.Deleted = deleted != 0
	doc.HTMLSource = htmlSource != 0
	if permalinks.Valid && permalinks.String != "" {
		if err := json.Unmarshal([]byte(permalinks.String), &doc.Permalinks); err != nil {
			return nil, fmt.Errorf("decode permalinks: %w", err)
		}
	}
	if attachments.Valid && attachments.String != "" && attachments.String != "null" {
		if err := json.Unmarshal([]byte(attachments.String), &doc.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if notes.Valid && notes.String != "" && notes.String != "null" {
		if err := json.Unmarshal([]byte(notes.String), &doc.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
	}
	return &doc, nil
}

func scanSource(row rowScanner) (*SourceRecord, error) {
	var rec SourceRecord
	var deleted int
	if err := row.Scan(&rec.DBID, &rec.Permalink, &rec.MessageID, &rec.Source, &deleted); err != nil {
		return nil, classify("scan source", err)
	}
	rec.Deleted = deleted != 0
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UTCDate renders an epoch in the archive's canonical date-string form.
func UTCDate(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format("2006/01/02 15:04:05")
}
