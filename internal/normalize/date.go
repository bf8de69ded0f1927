package normalize

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// receivedDateRe extracts the timestamp clause of a Received header:
// everything after the semicolon up to the end of the line.
var receivedDateRe = regexp.MustCompile(`from[^;]+?;\s+(.+?)(?:$|[\r\n])`)

// extra layouts seen in the wild that net/mail refuses.
var fallbackLayouts = []string{
	time.ANSIC,
	time.UnixDate,
	"Mon Jan 2 15:04:05 -0700 2006",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05",
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := mail.ParseDate(value); err == nil {
		return t, true
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DeriveEpoch resolves the message timestamp by cascade: the Date header,
// then archived-at, then the envelope From line of the raw bytes, then any
// Received header. Real-world feeds garble dates often enough that every
// recovery leaves a diagnostic note on the archived document.
func DeriveEpoch(msg *Message, raw []byte) (epoch int64, notes []string, ok bool) {
	if t, found := parseDate(msg.Headers["date"]); found {
		return t.Unix(), nil, true
	}
	if t, found := parseDate(msg.Headers["archived-at"]); found {
		return t.Unix(), nil, true
	}
	if bad := msg.Headers["date"]; bad != "" {
		notes = append(notes, fmt.Sprintf("BADDATE: Original email Date: header was set to invalid value: %s", bad))
	}

	// Envelope "From " line, as written by mbox-style feeds: the date is
	// everything after the second space.
	firstLine, _, _ := strings.Cut(string(raw), "\n")
	if strings.HasPrefix(firstLine, "From ") {
		if i := strings.Index(firstLine[5:], " "); i >= 0 {
			envDate := strings.TrimRight(firstLine[5+i+1:], "\r")
			if t, found := parseDate(envDate); found {
				notes = append(notes, fmt.Sprintf("BADDATE: Used envelope FROM header for email date: %s", envDate))
				return t.Unix(), notes, true
			}
		}
	}

	for _, received := range msg.Received {
		m := receivedDateRe.FindStringSubmatch(received)
		if m == nil {
			continue
		}
		if t, found := parseDate(m[1]); found {
			notes = append(notes, fmt.Sprintf("BADDATE: Used Received header for email date: %s", m[1]))
			return t.Unix(), notes, true
		}
	}
	return 0, notes, false
}
