// Package textlib holds small text-normalization helpers shared by the
// archiver and the query side: list-id canonicalization, message-id
// extraction and reply-prefix stripping.
package textlib

import (
	"regexp"
	"strings"
)

var (
	quotedDescRe  = regexp.MustCompile(`^".*"\s+(.+)$`)
	bracketRe     = regexp.MustCompile(`<(.+)>`)
	invalidLIDRe  = regexp.MustCompile(`[^-+~_<>.a-zA-Z0-9@]`)
	looseLIDRe    = regexp.MustCompile(`^<.+\..+>$`)
	replyPrefixRe = regexp.MustCompile(`^([a-zA-Z]+:\s*)+`)
	msgidRe       = regexp.MustCompile(`(<[^>]+>)`)
)

// NormalizeLID brings a List-Id header value into the canonical bracketed
// form <list.domain>. Quoted descriptions are cropped, @ becomes a dot and
// characters that would invalidate a document id are replaced with
// underscores. With strict set, values that still do not look like
// <something.something> yield an empty string.
func NormalizeLID(lid string, strict bool) string {
	if m := quotedDescRe.FindStringSubmatch(lid); m != nil {
		lid = m[1]
	}
	if m := bracketRe.FindStringSubmatch(lid); m != nil {
		lid = m[1]
	}
	lid = "<" + strings.ReplaceAll(strings.Trim(lid, " <>"), "@", ".") + ">"
	lid = invalidLIDRe.ReplaceAllString(lid, "_")
	if strict && !looseLIDRe.MatchString(lid) {
		return ""
	}
	return lid
}

// ForumName converts a canonical <list.domain> id into the list@domain form
// used for display and catalog keys.
func ForumName(lid string) string {
	return strings.Replace(strings.Trim(lid, "<>"), ".", "@", 1)
}

// StripReplyPrefixes removes any leading chain of "word:" prefixes (Re:,
// Fwd:, Sv: and friends) from a subject.
func StripReplyPrefixes(subject string) string {
	return replyPrefixRe.ReplaceAllString(subject, "")
}

// MessageIdentifiers pulls every <...> identifier out of a References or
// In-Reply-To header, in order of appearance. Reversed order is what parent
// discovery wants: the closest ancestor is listed last in References.
func MessageIdentifiers(header string, reverse bool) []string {
	ids := msgidRe.FindAllString(header, -1)
	if reverse {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	return ids
}

// FirstMessageIdentifier returns the first <...> identifier in a header, or
// an empty string.
func FirstMessageIdentifier(header string) string {
	if m := msgidRe.FindString(header); m != "" {
		return m
	}
	return ""
}
