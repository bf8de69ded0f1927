// Package normalize turns raw RFC 822 bytes into the header map, decoded
// body and attachment list the archive writer persists. Parsing is built on
// emersion/go-message; charset conversion is deliberately kept in our own
// hands so consumers can tell exact text from lossy text.
package normalize

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
)

// ParseError means the transport bytes could not be decoded as a message at
// all. Missing or malformed individual headers never cause it; those
// degrade to empty strings. The triage fields are scraped from the raw
// bytes with a loose line scan, so operators can locate the offending mail
// even when structured parsing got nowhere.
type ParseError struct {
	Reason string
	Err    error

	ReturnPath string
	MessageID  string
	Date       string
}

func (e *ParseError) Error() string {
	triage := ""
	if e.ReturnPath != "" || e.MessageID != "" || e.Date != "" {
		triage = fmt.Sprintf(" (return-path=%q message-id=%q date=%q)", e.ReturnPath, e.MessageID, e.Date)
	}
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v%s", e.Reason, e.Err, triage)
	}
	return "parse message: " + e.Reason + triage
}

// scrapeHeader pulls one header value out of raw bytes without parsing the
// message, for ParseError triage.
func scrapeHeader(raw []byte, name string) string {
	prefix := []byte(strings.ToLower(name) + ":")
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			return ""
		}
		if lowered := bytes.ToLower(line); bytes.HasPrefix(lowered, prefix) {
			return string(bytes.TrimSpace(line[len(prefix):]))
		}
	}
	return ""
}

func newParseError(raw []byte, reason string, err error) *ParseError {
	return &ParseError{
		Reason:     reason,
		Err:        err,
		ReturnPath: scrapeHeader(raw, "Return-Path"),
		MessageID:  scrapeHeader(raw, "Message-Id"),
		Date:       scrapeHeader(raw, "Date"),
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// headerKeys are the headers carried into the archived document.
var headerKeys = []string{
	"archived-at", "from", "cc", "to", "date", "list-id",
	"in-reply-to", "message-id", "subject", "references",
}

// decodedKeys are additionally run through RFC 2047 decoding.
var decodedKeys = []string{"to", "from", "subject", "message-id"}

// Body is the selected text body of a message.
type Body struct {
	Text string
	// Charset that actually decoded the bytes; empty when the text is a
	// forced UTF-8 replacement and therefore possibly lossy.
	Charset string
	Flowed  bool
	DelSp   bool
	// HTMLAsSource is set when no usable plain-text part existed and the
	// HTML part was kept verbatim instead of being converted.
	HTMLAsSource bool
}

// Attachment is one extracted MIME attachment. Content is the decoded
// payload; Hash its SHA-256 digest, which doubles as the blob-store key.
type Attachment struct {
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Filename    string `json:"filename"`
	Hash        string `json:"hash"`
	Content     []byte `json:"-"`
}

// Message is the normalized form of one inbound mail.
type Message struct {
	Headers     map[string]string
	Body        *Body
	Attachments []Attachment

	// Received keeps the raw Received headers for date recovery.
	Received []string
}

// Normalizer holds the knobs that influence body selection.
type Normalizer struct {
	// ConvertHTML enables HTML-to-text conversion when falling back to an
	// HTML part. Off, the HTML source is kept and flagged as such.
	ConvertHTML bool
	// IgnoreBody marks plain-text bodies containing this sentinel (such as
	// the empty-mail placeholder some Outlook versions emit) as unusable.
	IgnoreBody string
}

// Normalize parses raw message bytes. It fails only when the bytes are not
// a message at all.
func (n *Normalizer) Normalize(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, newParseError(raw, "unreadable message", err)
	}
	if entity == nil {
		return nil, newParseError(raw, "empty message", nil)
	}

	msg := &Message{Headers: make(map[string]string, len(headerKeys))}
	for _, key := range headerKeys {
		msg.Headers[key] = strings.TrimSpace(entity.Header.Get(key))
	}
	for _, key := range decodedKeys {
		msg.Headers[key] = decodeHeader(msg.Headers[key])
	}
	fields := entity.Header.FieldsByKey("Received")
	for fields.Next() {
		msg.Received = append(msg.Received, fields.Value())
	}

	var plain, firstHTML *Body
	walk(entity, func(part *message.Entity) {
		// A part's body stream can only be consumed once, and a part may
		// be both the message body and an inline attachment.
		payload, err := io.ReadAll(part.Body)
		if err != nil {
			return
		}
		ctype, params, _ := part.Header.ContentType()
		switch {
		case plain == nil && (ctype == "text/plain" || ctype == "text/enriched"):
			plain = readBody(payload, params)
		case firstHTML == nil && ctype == "text/html":
			firstHTML = readBody(payload, params)
		}
		if att := parseAttachment(part, ctype, payload); att != nil {
			msg.Attachments = append(msg.Attachments, *att)
		}
	})

	msg.Body = n.selectBody(plain, firstHTML)
	return msg, nil
}

// selectBody prefers the plain-text part and falls back to HTML when the
// plain text is absent, trivially short or matches the ignore sentinel.
func (n *Normalizer) selectBody(plain, firstHTML *Body) *Body {
	body := plain
	unusable := body == nil || len(body.Text) <= 1 ||
		(n.IgnoreBody != "" && strings.Contains(body.Text, n.IgnoreBody))
	if firstHTML != nil && unusable {
		body = firstHTML
		body.HTMLAsSource = true
		if n.ConvertHTML {
			if text, err := htmlToText(body.Text); err == nil {
				body.Text = text
				body.HTMLAsSource = false
			}
		}
	}
	return body
}

// walk visits every leaf part of a MIME tree in order. Nested multiparts
// that fail to parse are skipped rather than aborting the whole message.
func walk(entity *message.Entity, visit func(*message.Entity)) {
	mr := entity.MultipartReader()
	if mr == nil {
		visit(entity)
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return
		}
		if part != nil {
			walk(part, visit)
		}
	}
}

// readBody decodes one text part, resolving the charset by cascade: the
// part's declared charset, strict US-ASCII as the RFC 822 default, then
// permissive UTF-8 with replacement as the very last resort.
func readBody(payload []byte, params map[string]string) *Body {
	body := &Body{
		Flowed: strings.EqualFold(params["format"], "flowed"),
		DelSp:  strings.EqualFold(params["delsp"], "yes"),
	}
	declared := strings.ToLower(strings.TrimSpace(params["charset"]))
	if declared != "" {
		if text, ok := decodeCharset(payload, declared); ok {
			body.Text = text
			body.Charset = declared
			return body
		}
	}
	// Without a declared charset the RFC 822 default of US-ASCII applies,
	// and it also serves as the fallback when the declared one failed.
	if isASCII(payload) {
		body.Text = string(payload)
		body.Charset = "us-ascii"
		return body
	}
	// Probably undeclared UTF-8; decode with replacement but leave the
	// charset unset so consumers know the text may be lossy.
	body.Text = string(bytes.ToValidUTF8(payload, []byte("�")))
	return body
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
