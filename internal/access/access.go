// Package access decides what a caller may see. It builds query filters
// that partition private lists, checks individual documents, and redacts
// addresses for anonymous readers.
package access

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.io/infrasutra/mailarchive/internal/index"
)

// ErrDenied means the caller lacks rights to the requested content.
// Anonymous read paths surface it as not-found so private content is not
// confirmed to exist; admin paths surface it as forbidden.
var ErrDenied = errors.New("access: denied")

// Identity is an authenticated caller.
type Identity struct {
	UID   string
	Name  string
	Email string
	// Authoritative is true when the identity comes from a trusted
	// identity domain. Authoritative identities may read all private
	// lists.
	Authoritative bool
	// Admin allows management actions and viewing soft-deleted content.
	Admin bool
}

// Context is the caller's access context. A nil Identity is an anonymous
// caller.
type Context struct {
	Identity *Identity
}

// Anonymous reports whether no credentials are attached.
func (c *Context) Anonymous() bool {
	return c == nil || c.Identity == nil
}

// Admin reports whether the caller may perform management actions.
func (c *Context) Admin() bool {
	return !c.Anonymous() && c.Identity.Admin
}

// AuthorizedLists returns the private lists the caller may read, given the
// candidate set. Authoritative identities are granted all of them.
func (c *Context) AuthorizedLists(candidates []string) []string {
	if c.Anonymous() || !c.Identity.Authoritative {
		return nil
	}
	return candidates
}

// CanAccessList reports whether the caller may read a private list.
func (c *Context) CanAccessList(listRaw string) bool {
	return !c.Anonymous() && c.Identity.Authoritative
}

// CanAccess reports whether the caller may read a document. Public
// documents are always readable; private ones require list access.
func (c *Context) CanAccess(doc *index.Document) bool {
	if doc == nil {
		return false
	}
	if !doc.Private {
		return true
	}
	return c.CanAccessList(doc.ListRaw)
}

// Aggregator is the slice of the document store the filter needs.
type Aggregator interface {
	TermsAggregation(ctx context.Context, query index.Clause, field string, size int) ([]index.Bucket, error)
}

// privateListProbeSize bounds how many distinct private lists one query is
// expected to touch.
const privateListProbeSize = 100

// AccessibleFilter computes the privacy filter to attach to a query. It
// returns nil when the caller can see every private list the query touches,
// in which case no filtering is needed at all.
//
// Anonymous callers always get a public-only filter without a store round
// trip. Authenticated callers get a probe of which private lists the query
// actually implicates; depending on how that set intersects the caller's
// authorized lists the filter is absent, public-only, or public-plus-
// accessible.
func AccessibleFilter(ctx context.Context, ac *Context, store Aggregator, query index.Clause) (index.Clause, error) {
	if ac.Anonymous() {
		return index.Term{Field: "private", Value: false}, nil
	}

	probe := index.Bool{Must: []index.Clause{index.Term{Field: "private", Value: true}}}
	if query != nil {
		probe.Must = append([]index.Clause{query}, probe.Must...)
	}
	buckets, err := store.TermsAggregation(ctx, probe, "list_raw", privateListProbeSize)
	if err != nil {
		return nil, err
	}
	var implicated []string
	for _, b := range buckets {
		implicated = append(implicated, b.Key)
	}
	if len(implicated) == 0 {
		// The query touches nothing private.
		return nil, nil
	}

	accessible := ac.AuthorizedLists(implicated)
	switch {
	case len(accessible) == len(implicated):
		return nil, nil
	case len(accessible) == 0:
		return index.Term{Field: "private", Value: false}, nil
	default:
		return index.Bool{Should: []index.Clause{
			index.Term{Field: "private", Value: false},
			index.Terms{Field: "list_raw", Values: accessible},
		}}, nil
	}
}

// addressRe matches a bracketed address, capturing the first one or two
// characters of the local part and the domain.
var addressRe = regexp.MustCompile(`<(\S{1,2})\S*@([-a-zA-Z0-9_.]+)>`)

// bareAddressRe catches unbracketed addresses left in body text.
var bareAddressRe = regexp.MustCompile(`(\b\S{1,2})\S*@([-a-zA-Z0-9_.]+)`)

func maskAddresses(s string) string {
	s = addressRe.ReplaceAllString(s, "<$1...@$2>")
	return s
}

// Anonymize redacts addresses on a document for anonymous readers: the
// local part of From/To/Cc keeps its first characters, the rest becomes
// "...", display names survive. Bare addresses inside the body get the
// same treatment.
func Anonymize(doc *index.Document) *index.Document {
	if doc == nil {
		return nil
	}
	masked := *doc
	masked.From = maskAddresses(doc.From)
	masked.FromRaw = maskAddresses(doc.FromRaw)
	masked.To = maskAddresses(doc.To)
	masked.CC = maskAddresses(doc.CC)
	if strings.Contains(doc.Body, "@") {
		masked.Body = bareAddressRe.ReplaceAllString(doc.Body, "$1...@$2")
	}
	if strings.Contains(doc.BodyShort, "@") {
		masked.BodyShort = bareAddressRe.ReplaceAllString(doc.BodyShort, "$1...@$2")
	}
	return &masked
}
