// Package threads reconstructs discussion threads: storage-side discovery
// of all replies below a root message, then nesting of a flat email set
// into a tree keyed on In-Reply-To with a subject-grouping fallback.
package threads

import (
	"context"
	"errors"
	"sort"

	"github.io/infrasutra/mailarchive/internal/access"
	"github.io/infrasutra/mailarchive/internal/index"
	"github.io/infrasutra/mailarchive/internal/textlib"
)

// Node is one message in a reconstructed thread tree. Built per query,
// never persisted.
type Node struct {
	TID       string  `json:"tid"`
	MID       string  `json:"mid"`
	MessageID string  `json:"message-id"`
	Subject   string  `json:"subject"`
	TSubject  string  `json:"tsubject"`
	From      string  `json:"from"`
	ListRaw   string  `json:"list_raw"`
	InReplyTo string  `json:"irt"`
	Epoch     int64   `json:"epoch"`
	Nest      int     `json:"nest"`
	Children  []*Node `json:"children"`
}

// Participant summarizes one sender across a thread: how many messages
// they wrote and the avatar hash of their first appearance.
type Participant struct {
	Count    int    `json:"count"`
	Gravatar string `json:"gravatar"`
}

// Construct nests a flat email set into threads. Emails are processed in
// epoch-ascending order so parents exist before their replies arrive.
// Returns the thread roots and a per-author participant summary.
func Construct(emails []*index.Document) ([]*Node, map[string]Participant) {
	sorted := make([]*index.Document, len(emails))
	copy(sorted, emails)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Epoch < sorted[j].Epoch })

	byMessageID := make(map[string]*Node)
	bySubject := make(map[string]*Node)
	authors := make(map[string]Participant)
	var roots []*Node

	for _, email := range sorted {
		p := authors[email.From]
		p.Count++
		if p.Gravatar == "" {
			p.Gravatar = email.Gravatar
		}
		authors[email.From] = p
		subject := cropSubject(email.Subject)
		tsubject := textlib.StripReplyPrefixes(subject) + "_" + email.ListRaw

		node := &Node{
			TID:       email.MID,
			MID:       email.MID,
			MessageID: email.MessageID,
			Subject:   subject,
			TSubject:  tsubject,
			From:      email.From,
			ListRaw:   email.ListRaw,
			InReplyTo: email.InReplyTo,
			Epoch:     email.Epoch,
			Nest:      1,
			Children:  []*Node{},
		}

		parent := findParentNode(byMessageID, bySubject, email.InReplyTo, subject, tsubject)
		if parent == nil {
			roots = append(roots, node)
		} else {
			node.Nest = parent.Nest + 1
			parent.Children = append(parent.Children, node)
		}

		byMessageID[email.MessageID] = node
		if _, seen := bySubject[tsubject]; !seen {
			bySubject[tsubject] = node
		}
	}
	return roots, authors
}

// findParentNode links a reply to its parent. An In-Reply-To hit only
// counts when the subjects agree, so a spoofed reference to an unrelated
// message falls through to subject grouping instead.
func findParentNode(byMessageID, bySubject map[string]*Node, inReplyTo, subject, tsubject string) *Node {
	if inReplyTo != "" {
		if candidate, ok := byMessageID[inReplyTo]; ok && candidate.Subject == subject {
			return candidate
		}
	}
	if candidate, ok := bySubject[tsubject]; ok {
		return candidate
	}
	return nil
}

func cropSubject(subject string) string {
	out := make([]rune, 0, len(subject))
	for _, r := range subject {
		if r != '\n' {
			out = append(out, r)
		}
	}
	return string(out)
}

// Searcher is the slice of the document store discovery needs.
type Searcher interface {
	SearchDocuments(ctx context.Context, query index.Clause, size int, order index.SortOrder) ([]*index.Document, error)
}

// MaxDepth bounds reply-chain descent. Deeper chains truncate silently;
// that is the defined behavior for pathological graphs, not an error.
const MaxDepth = 250

// maxParentHops bounds the upward walk of FindParent.
const maxParentHops = 50

// Discover finds every accessible reply below root, breadth-first. The
// worklist carries explicit depth and a visited set keyed on mid, so
// malformed reply graphs with cycles or duplicate references can neither
// recurse forever nor return a message twice. Soft-deleted messages are
// skipped unless the caller is an administrator.
func Discover(ctx context.Context, store Searcher, ac *access.Context, root *index.Document) ([]*index.Document, error) {
	type item struct {
		doc   *index.Document
		depth int
	}
	visited := map[string]bool{root.MID: true}
	var found []*index.Document
	queue := []item{{doc: root, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= MaxDepth {
			continue
		}
		replies, err := store.SearchDocuments(ctx, repliesTo(cur.doc.MessageID), 0, index.SortAscending)
		if err != nil {
			return nil, err
		}
		for _, reply := range replies {
			if visited[reply.MID] {
				continue
			}
			visited[reply.MID] = true
			if reply.Deleted && !ac.Admin() {
				continue
			}
			if !ac.CanAccess(reply) {
				continue
			}
			found = append(found, reply)
			queue = append(queue, item{doc: reply, depth: cur.depth + 1})
		}
	}
	return found, nil
}

// repliesTo matches any document whose In-Reply-To or References mentions
// the message id. References can hold several ids, hence containment
// rather than equality.
func repliesTo(messageID string) index.Clause {
	return index.MatchAny{Fields: []string{"in-reply-to", "references"}, Phrase: messageID}
}

// FindParent walks In-Reply-To upward to the discussion origin, at most
// maxParentHops steps, stopping when a hop resolves to nothing or to a
// message the caller cannot read.
func FindParent(ctx context.Context, store Searcher, ac *access.Context, doc *index.Document) (*index.Document, error) {
	current := doc
	for hop := 0; hop < maxParentHops; hop++ {
		ref := textlib.FirstMessageIdentifier(current.InReplyTo)
		if ref == "" {
			break
		}
		matches, err := store.SearchDocuments(ctx, index.Term{Field: "message-id", Value: ref}, 1, index.SortAscending)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			break
		}
		parent := matches[0]
		if parent.Deleted && !ac.Admin() {
			break
		}
		if !ac.CanAccess(parent) {
			break
		}
		current = parent
	}
	return current, nil
}

// ErrNoThread means the requested root message does not exist or is not
// visible to the caller.
var ErrNoThread = errors.New("threads: no such thread")
