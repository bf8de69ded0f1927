package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/textlib"
)

// Manager performs the administrative document operations: soft deletion,
// restoration and in-place edits. Every action lands in the audit log.
type Manager struct {
	store *index.Store
	now   func() time.Time
}

func NewManager(store *index.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Edit is the set of replacement fields for an in-place document edit.
type Edit struct {
	From    string
	Subject string
	// List is given in list@domain form and converted to the canonical
	// bracketed id.
	List    string
	Private bool
	Body    string
}

// Actor identifies who performed a management action, for the audit log.
type Actor struct {
	Email  string
	Remote string
}

// Delete soft-deletes documents by permalink. Returns how many documents
// were actually hidden; unknown ids are skipped, not errors.
func (m *Manager) Delete(ctx context.Context, ac *access.Context, actor Actor, permalinks []string) (int, error) {
	if !ac.Admin() {
		return 0, access.ErrDenied
	}
	count := 0
	for _, permalink := range permalinks {
		doc, err := m.store.FindByPermalink(ctx, permalink)
		if errors.Is(err, index.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if !ac.CanAccess(doc) {
			continue
		}
		doc.Deleted = true
		if err := m.store.IndexDocument(ctx, doc); err != nil {
			return count, err
		}
		if err := m.audit(ctx, actor, "delete", permalink, doc.ListRaw,
			fmt.Sprintf("Removed email %s from %s archives", permalink, doc.ListRaw)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Restore reverses a soft deletion.
func (m *Manager) Restore(ctx context.Context, ac *access.Context, actor Actor, permalinks []string) (int, error) {
	if !ac.Admin() {
		return 0, access.ErrDenied
	}
	count := 0
	for _, permalink := range permalinks {
		doc, err := m.store.FindByPermalink(ctx, permalink)
		if errors.Is(err, index.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}
		if !doc.Deleted {
			continue
		}
		doc.Deleted = false
		if err := m.store.IndexDocument(ctx, doc); err != nil {
			return count, err
		}
		if err := m.audit(ctx, actor, "restore", permalink, doc.ListRaw,
			fmt.Sprintf("Restored email %s to %s archives", permalink, doc.ListRaw)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ApplyEdit rewrites a document's author, subject, list, privacy and body.
// The raw source cannot be edited in place, so it is marked deleted
// instead; the document stays visible under its edited content.
func (m *Manager) ApplyEdit(ctx context.Context, ac *access.Context, actor Actor, permalink string, edit Edit) error {
	if !ac.Admin() {
		return access.ErrDenied
	}
	if permalink == "" {
		return fmt.Errorf("archive: document id is missing")
	}
	doc, err := m.store.FindByPermalink(ctx, permalink)
	if err != nil {
		return err
	}
	if !ac.CanAccess(doc) {
		return access.ErrDenied
	}

	lid := "<" + strings.ReplaceAll(strings.Trim(edit.List, "<>"), "@", ".") + ">"
	originLID := doc.ListRaw

	doc.FromRaw = edit.From
	doc.From = edit.From
	doc.Subject = edit.Subject
	doc.Private = edit.Private
	doc.ListRaw = lid
	doc.Forum = textlib.ForumName(lid)
	doc.Body = edit.Body
	doc.BodyShort = shortBody(edit.Body)

	if err := m.store.IndexDocument(ctx, doc); err != nil {
		return err
	}

	source, err := m.store.FindSourceByPermalink(ctx, doc.MID)
	if err == nil {
		source.Deleted = true
		if err := m.store.IndexSource(ctx, source); err != nil {
			return err
		}
	} else if !errors.Is(err, index.ErrNotFound) {
		return err
	}

	return m.audit(ctx, actor, "edit", permalink, lid,
		fmt.Sprintf("Edited email %s from %s archives (%s -> %s)", permalink, originLID, originLID, lid))
}

// AuditLog returns a page of the audit log, admins only.
func (m *Manager) AuditLog(ctx context.Context, ac *access.Context, page, size int) ([]index.AuditEntry, error) {
	if !ac.Admin() {
		return nil, access.ErrDenied
	}
	return m.store.AuditLog(ctx, page, size)
}

func (m *Manager) audit(ctx context.Context, actor Actor, action, target, lid, log string) error {
	return m.store.AddAudit(ctx, &index.AuditEntry{
		ID:     uuid.NewString(),
		Date:   index.UTCDate(m.now().Unix()),
		Action: action,
		Remote: actor.Remote,
		Author: actor.Email,
		Target: target,
		LID:    lid,
		Log:    log,
	})
}
