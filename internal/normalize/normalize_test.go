package normalize

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func plainMessage(body string) string {
	return "From: Jane Doe <jane@example.org>\r\n" +
		"To: users@example.org\r\n" +
		"Subject: a test\r\n" +
		"Message-ID: <m1@example.org>\r\n" +
		"Date: Mon, 13 Feb 2023 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + body
}

func TestNormalizeHeaders(t *testing.T) {
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(plainMessage("hello\r\n")))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Headers["from"] != "Jane Doe <jane@example.org>" {
		t.Errorf("from = %q", msg.Headers["from"])
	}
	if msg.Headers["subject"] != "a test" {
		t.Errorf("subject = %q", msg.Headers["subject"])
	}
	if msg.Headers["message-id"] != "<m1@example.org>" {
		t.Errorf("message-id = %q", msg.Headers["message-id"])
	}
}

func TestNormalizeCarriesListID(t *testing.T) {
	raw := "From: Jane Doe <jane@example.org>\r\n" +
		"List-Id: Users <users.example.org>\r\n" +
		"Subject: a test\r\n" +
		"\r\nhello\r\n"
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Headers["list-id"] != "Users <users.example.org>" {
		t.Errorf("list-id = %q", msg.Headers["list-id"])
	}
}

func TestNormalizeEncodedWordHeaders(t *testing.T) {
	raw := "From: =?iso-8859-1?Q?Andr=E9?= <andre@example.org>\r\n" +
		"Subject: =?utf-8?B?aGVsbG8gd29ybGQ=?=\r\n" +
		"\r\nbody text\r\n"
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !strings.Contains(msg.Headers["from"], "André") {
		t.Errorf("from = %q", msg.Headers["from"])
	}
	if msg.Headers["subject"] != "hello world" {
		t.Errorf("subject = %q", msg.Headers["subject"])
	}
}

func TestNormalizeMalformedEncodedWordDegrades(t *testing.T) {
	raw := "Subject: =?broken?X?nonsense?=\r\n\r\nbody text\r\n"
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Headers["subject"] != "=?broken?X?nonsense?=" {
		t.Errorf("subject = %q, want the raw header preserved", msg.Headers["subject"])
	}
}

func TestNormalizeBodyCharsets(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		payload     string
		wantText    string
		wantCharset string
	}{
		{
			name:        "declared utf-8",
			contentType: "text/plain; charset=utf-8",
			payload:     "caf\xc3\xa9\r\n",
			wantText:    "café\r\n",
			wantCharset: "utf-8",
		},
		{
			name:        "declared latin-1",
			contentType: "text/plain; charset=iso-8859-1",
			payload:     "caf\xe9\r\n",
			wantText:    "café\r\n",
			wantCharset: "iso-8859-1",
		},
		{
			name:        "undeclared ascii",
			contentType: "text/plain",
			payload:     "plain ascii\r\n",
			wantText:    "plain ascii\r\n",
			wantCharset: "us-ascii",
		},
		{
			name:        "lying charset falls back to replacement",
			contentType: "text/plain; charset=utf-8",
			payload:     "bad \xff byte\r\n",
			wantText:    "bad � byte\r\n",
			wantCharset: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "From: a@example.org\r\nContent-Type: " + tt.contentType +
				"\r\nContent-Transfer-Encoding: 8bit\r\n\r\n" + tt.payload
			n := &Normalizer{}
			msg, err := n.Normalize([]byte(raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if msg.Body == nil {
				t.Fatal("no body selected")
			}
			if msg.Body.Text != tt.wantText {
				t.Errorf("text = %q, want %q", msg.Body.Text, tt.wantText)
			}
			if msg.Body.Charset != tt.wantCharset {
				t.Errorf("charset = %q, want %q", msg.Body.Charset, tt.wantCharset)
			}
		})
	}
}

func multipartAlternative(plain, html string) string {
	b := &strings.Builder{}
	fmt.Fprint(b, "From: a@example.org\r\n")
	fmt.Fprint(b, "Subject: multi\r\n")
	fmt.Fprint(b, "MIME-Version: 1.0\r\n")
	fmt.Fprint(b, "Content-Type: multipart/alternative; boundary=SEP\r\n\r\n")
	if plain != "" {
		fmt.Fprint(b, "--SEP\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n"+plain+"\r\n")
	}
	if html != "" {
		fmt.Fprint(b, "--SEP\r\nContent-Type: text/html; charset=utf-8\r\n\r\n"+html+"\r\n")
	}
	fmt.Fprint(b, "--SEP--\r\n")
	return b.String()
}

func TestBodySelectionPrefersPlain(t *testing.T) {
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(multipartAlternative("plain part", "<p>html part</p>")))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Body == nil || !strings.Contains(msg.Body.Text, "plain part") {
		t.Fatalf("body = %+v, want the plain part", msg.Body)
	}
	if msg.Body.HTMLAsSource {
		t.Error("plain body flagged as HTML source")
	}
}

func TestBodySelectionHTMLFallback(t *testing.T) {
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(multipartAlternative("", "<p>only html</p>")))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Body == nil || !msg.Body.HTMLAsSource {
		t.Fatalf("body = %+v, want HTML kept as source", msg.Body)
	}
	if !strings.Contains(msg.Body.Text, "<p>") {
		t.Errorf("html source not preserved: %q", msg.Body.Text)
	}
}

func TestBodySelectionConvertHTML(t *testing.T) {
	n := &Normalizer{ConvertHTML: true}
	msg, err := n.Normalize([]byte(multipartAlternative("", "<p>converted text</p>")))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Body == nil {
		t.Fatal("no body selected")
	}
	if msg.Body.HTMLAsSource {
		t.Error("converted body still flagged as HTML source")
	}
	if strings.Contains(msg.Body.Text, "<p>") {
		t.Errorf("tags survived conversion: %q", msg.Body.Text)
	}
	if !strings.Contains(msg.Body.Text, "converted text") {
		t.Errorf("text lost in conversion: %q", msg.Body.Text)
	}
}

func TestBodySelectionIgnoreSentinel(t *testing.T) {
	n := &Normalizer{IgnoreBody: "This message is in MIME format"}
	msg, err := n.Normalize([]byte(multipartAlternative(
		"This message is in MIME format", "<p>real content</p>")))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if msg.Body == nil || !msg.Body.HTMLAsSource {
		t.Fatalf("body = %+v, want fallback past the sentinel", msg.Body)
	}
}

func TestUnflow(t *testing.T) {
	body := &Body{
		Text:   "This line is soft \r\nwrapped.\r\n> quoted soft \r\n> wrap\r\nhard line\r\n",
		Flowed: true,
	}
	got := body.Unflow()
	if !strings.Contains(got, "This line is soft wrapped.") {
		t.Errorf("soft break not rejoined: %q", got)
	}
	if !strings.Contains(got, "> quoted soft wrap") {
		t.Errorf("quoted soft break not rejoined: %q", got)
	}
	if !strings.Contains(got, "hard line") {
		t.Errorf("hard line lost: %q", got)
	}
}

func TestUnflowSignatureSeparator(t *testing.T) {
	body := &Body{Text: "text\r\n-- \r\nsignature\r\n", Flowed: true}
	got := body.Unflow()
	if strings.Contains(got, "-- signature") {
		t.Errorf("signature separator treated as soft break: %q", got)
	}
}

func TestUnflowNotFlowed(t *testing.T) {
	body := &Body{Text: "kept as is \r\nno rejoin\r\n"}
	if got := body.Unflow(); got != body.Text {
		t.Errorf("non-flowed body rewritten: %q", got)
	}
}

func TestAttachments(t *testing.T) {
	payload := "attachment payload"
	raw := "From: a@example.org\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=SEP\r\n\r\n" +
		"--SEP\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nbody here\r\n" +
		"--SEP\r\nContent-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=report.pdf\r\n\r\n" +
		payload + "\r\n" +
		"--SEP--\r\n"
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("content type = %q", att.ContentType)
	}
	wantHash := fmt.Sprintf("%x", sha256.Sum256(att.Content))
	if att.Hash != wantHash {
		t.Errorf("hash = %q, want %q", att.Hash, wantHash)
	}
	if att.Size != len(att.Content) {
		t.Errorf("size = %d, content = %d bytes", att.Size, len(att.Content))
	}
	// The body part is still selected normally.
	if msg.Body == nil || !strings.Contains(msg.Body.Text, "body here") {
		t.Errorf("body = %+v", msg.Body)
	}
}

func TestAttachmentSynthesizedName(t *testing.T) {
	raw := "From: a@example.org\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=SEP\r\n\r\n" +
		"--SEP\r\nContent-Type: image/png\r\n" +
		"Content-Disposition: inline\r\n\r\n" +
		"fakepngbytes\r\n" +
		"--SEP--\r\n"
	n := &Normalizer{}
	msg, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	name := msg.Attachments[0].Filename
	if !strings.HasPrefix(name, "inline") {
		t.Errorf("synthesized name = %q, want disposition prefix", name)
	}
	if !strings.Contains(name, ".") {
		t.Errorf("synthesized name = %q, want an extension", name)
	}
}

func TestDeriveEpochCascade(t *testing.T) {
	wantDate := time.Date(2023, 2, 13, 10, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name      string
		headers   map[string]string
		received  []string
		raw       string
		wantEpoch int64
		wantOK    bool
		wantNotes int
	}{
		{
			name:      "date header",
			headers:   map[string]string{"date": "Mon, 13 Feb 2023 10:00:00 +0000"},
			wantEpoch: wantDate,
			wantOK:    true,
		},
		{
			name: "archived-at fallback",
			headers: map[string]string{
				"date":        "",
				"archived-at": "Mon, 13 Feb 2023 10:00:00 +0000",
			},
			wantEpoch: wantDate,
			wantOK:    true,
		},
		{
			name:      "envelope from line",
			headers:   map[string]string{"date": "not a date"},
			raw:       "From jane@example.org Mon Feb 13 10:00:00 +0000 2023\nFrom: jane@example.org\n\nbody\n",
			wantEpoch: time.Date(2023, 2, 13, 10, 0, 0, 0, time.UTC).Unix(),
			wantOK:    true,
			wantNotes: 2,
		},
		{
			name:    "received header",
			headers: map[string]string{},
			received: []string{
				"from mx1.example.org by archive.example.org; Mon, 13 Feb 2023 10:00:00 +0000",
			},
			wantEpoch: wantDate,
			wantOK:    true,
			wantNotes: 1,
		},
		{
			name:    "nothing usable",
			headers: map[string]string{"date": "garbage"},
			wantOK:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Headers: map[string]string{}, Received: tt.received}
			for k, v := range tt.headers {
				msg.Headers[k] = v
			}
			epoch, notes, ok := DeriveEpoch(msg, []byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (notes: %v)", ok, tt.wantOK, notes)
			}
			if ok && epoch != tt.wantEpoch {
				t.Errorf("epoch = %d, want %d", epoch, tt.wantEpoch)
			}
			if tt.wantNotes > 0 && len(notes) != tt.wantNotes {
				t.Errorf("notes = %v, want %d entries", notes, tt.wantNotes)
			}
		})
	}
}

func TestNormalizeUnreadable(t *testing.T) {
	n := &Normalizer{}
	_, err := n.Normalize([]byte("this first line is not a header\r\n\r\nbody\r\n"))
	var perr *ParseError
	if err == nil || !errors.As(err, &perr) {
		t.Fatalf("want ParseError, got %v", err)
	}
}

func TestParseErrorCarriesTriageHeaders(t *testing.T) {
	n := &Normalizer{}
	raw := []byte("this first line is not a header\r\n" +
		"Return-Path: <bounce@example.org>\r\n" +
		"Message-Id: <broken@example.org>\r\n" +
		"Date: Tue, 14 Feb 2023 09:30:00 +0000\r\n" +
		"\r\nbody\r\n")
	_, err := n.Normalize(raw)
	var perr *ParseError
	if err == nil || !errors.As(err, &perr) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if perr.ReturnPath != "<bounce@example.org>" {
		t.Errorf("got return path %q", perr.ReturnPath)
	}
	if perr.MessageID != "<broken@example.org>" {
		t.Errorf("got message id %q", perr.MessageID)
	}
	if perr.Date == "" {
		t.Error("date triage field empty")
	}
}
