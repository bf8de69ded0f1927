package generators

import (
	"bytes"
	"strings"
)

// rfc4871Subset is the header subset fed into the dkim generator: the
// signing headers recommended by RFC 4871 plus DKIM-Signature itself. None
// of these depend on the delivery path, which is what makes the resulting
// id stable across re-imports.
var rfc4871Subset = map[string]bool{
	"from": true, "sender": true, "reply-to": true, "subject": true,
	"date": true, "message-id": true, "to": true, "cc": true,
	"mime-version": true, "content-type": true,
	"content-transfer-encoding": true, "content-id": true,
	"content-description": true, "resent-date": true, "resent-from": true,
	"resent-sender": true, "resent-to": true, "resent-cc": true,
	"resent-message-id": true, "in-reply-to": true, "references": true,
	"list-id": true, "list-help": true, "list-unsubscribe": true,
	"list-subscribe": true, "list-post": true, "list-owner": true,
	"list-archive": true, "dkim-signature": true,
}

type rawHeader struct {
	key   []byte
	value []byte
}

// parseRFC822 splits raw message bytes into the kept header subset and the
// body, applying DKIM relaxed canonicalization to headers and DKIM simple
// canonicalization to the body. If the message carries no List-Id header, a
// synthetic X-Archive-List-ID carrying archiveListID is folded in so that
// list membership always participates in the hash.
func parseRFC822(suffix []byte, archiveListID string) ([]rawHeader, []byte) {
	var headers []rawHeader
	keep := true
	hasListID := false

	for len(suffix) > 0 {
		var line []byte
		if i := bytes.IndexByte(suffix, '\n'); i >= 0 {
			line, suffix = suffix[:i], suffix[i+1:]
		} else {
			line, suffix = suffix, nil
		}
		if len(line) == 0 || bytes.Equal(line, []byte("\r")) {
			break
		}
		end := []byte("\r\n")
		if line[len(line)-1] == '\r' {
			end = []byte("\n")
		}
		switch {
		case line[0] == '\t' || line[0] == ' ':
			// Folded continuation of the previous kept header.
			if len(headers) > 0 && keep {
				last := &headers[len(headers)-1]
				last.value = append(last.value, line...)
				last.value = append(last.value, end...)
			}
		case !bytes.HasPrefix(line, []byte("From ")):
			k, v := line, []byte(nil)
			if i := bytes.IndexByte(line, ':'); i >= 0 {
				k, v = line[:i], line[i+1:]
			}
			lower := strings.ToLower(string(k))
			if lower == "list-id" {
				hasListID = true
			}
			if rfc4871Subset[lower] {
				keep = true
				value := append(append([]byte(nil), v...), end...)
				headers = append(headers, rawHeader{key: append([]byte(nil), k...), value: value})
			} else {
				keep = false
			}
		}
	}

	// Body: normalize line endings to CRLF.
	body := bytes.ReplaceAll(suffix, []byte("\r\n"), []byte("\n"))
	body = bytes.ReplaceAll(body, []byte("\n"), []byte("\r\n"))

	if archiveListID != "" && !hasListID {
		headers = append(headers, rawHeader{
			key:   []byte("X-Archive-List-ID"),
			value: []byte(" " + archiveListID),
		})
	}

	// Relaxed header canonicalization: lowercase keys, unfold, tabs to
	// spaces, collapse runs, strip edges, restore the single CRLF.
	for i := range headers {
		v := headers[i].value
		crlf := bytes.HasSuffix(v, []byte("\r\n"))
		if crlf {
			v = v[:len(v)-2]
		}
		v = bytes.ReplaceAll(v, []byte("\r\n"), nil)
		v = bytes.ReplaceAll(v, []byte("\t"), []byte(" "))
		v = bytes.Trim(v, " ")
		fields := bytes.Split(v, []byte(" "))
		var parts [][]byte
		for _, f := range fields {
			if len(f) > 0 {
				parts = append(parts, f)
			}
		}
		v = bytes.Join(parts, []byte(" "))
		if crlf {
			v = append(v, '\r', '\n')
		}
		headers[i].key = bytes.ToLower(headers[i].key)
		headers[i].value = v
	}

	// Simple body canonicalization: trailing blank lines collapse into a
	// single terminating CRLF.
	for bytes.HasSuffix(body, []byte("\r\n\r\n")) {
		body = body[:len(body)-2]
	}
	return headers, body
}

// dkimID hashes the canonicalized header subset and body into a sixteen
// character pibble id. Messages differing only in delivery-path headers
// (Received, archived-at and so on) map to the same id.
func dkimID(raw []byte, listID string) string {
	headers, body := parseRFC822(raw, listID)
	var hashable []byte
	for _, h := range headers {
		hashable = append(hashable, h.key...)
		hashable = append(hashable, h.value...)
	}
	if len(body) > 0 {
		hashable = append(hashable, '\r', '\n')
		hashable = append(hashable, body...)
	}
	return Pibble(hashable, 10)
}
