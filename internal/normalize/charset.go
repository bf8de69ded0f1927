package normalize

import (
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/ianaindex"
)

// decodeCharset decodes payload bytes using a named IANA charset. UTF-8 and
// US-ASCII are validated strictly; everything else goes through x/text,
// which cannot fail for the single-byte maps that dominate real mail.
func decodeCharset(payload []byte, name string) (string, bool) {
	switch strings.ToLower(name) {
	case "utf-8", "utf8":
		if utf8.Valid(payload) {
			return string(payload), true
		}
		return "", false
	case "us-ascii", "ascii":
		if isASCII(payload) {
			return string(payload), true
		}
		return "", false
	}
	enc, err := ianaindex.MIME.Encoding(name)
	if err != nil || enc == nil {
		return "", false
	}
	decoded, err := enc.NewDecoder().Bytes(payload)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

// wordDecoder decodes RFC 2047 encoded-words, reaching into x/text for
// charsets the stdlib does not know.
var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := ianaindex.MIME.Encoding(charset)
		if err != nil || enc == nil {
			return nil, err
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// decodeHeader decodes encoded-words in a header value. Decoding failures
// degrade to the raw header rather than aborting the message.
func decodeHeader(value string) string {
	if value == "" || !strings.Contains(value, "=?") {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return strings.TrimSpace(decoded)
}
