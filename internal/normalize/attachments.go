package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"strings"

	"github.com/emersion/go-message"
)

// parseAttachment turns a MIME part with an attachment or inline
// disposition into an Attachment, or nil if the part carries no payload.
// Unnamed attachments get a synthesized name from disposition and a guessed
// extension so the UI always has something to label a download with.
func parseAttachment(part *message.Entity, ctype string, payload []byte) *Attachment {
	disposition, dparams, err := part.Header.ContentDisposition()
	if err != nil {
		return nil
	}
	disposition = strings.ToLower(disposition)
	if disposition != "attachment" && disposition != "inline" {
		return nil
	}
	if len(payload) == 0 {
		return nil
	}
	filename := dparams["filename"]
	if filename == "" {
		if _, cparams, err := part.Header.ContentType(); err == nil {
			filename = cparams["name"]
		}
	}
	filename = decodeHeader(filename)
	if filename == "" {
		filename = disposition + guessExtension(ctype)
	}
	digest := sha256.Sum256(payload)
	return &Attachment{
		ContentType: ctype,
		Size:        len(payload),
		Filename:    filename,
		Hash:        hex.EncodeToString(digest[:]),
		Content:     payload,
	}
}

func guessExtension(ctype string) string {
	exts, err := mime.ExtensionsByType(ctype)
	if err != nil || len(exts) == 0 {
		return ".txt"
	}
	return exts[0]
}
