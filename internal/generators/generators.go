// Package generators produces the content-addressable identifiers that
// archived messages are filed under. The dkim strategy is the default for
// new imports; full is kept for pre-2020 archives and the legacy trio only
// exists so migrations can reproduce historical permalinks.
package generators

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Input carries everything a strategy may consult. Callers populate the
// header-derived fields from the normalized message; Raw is always the
// untouched wire bytes.
type Input struct {
	Raw    []byte
	ListID string // canonical <list.domain> form

	// Body is the parsed text content. Strategies that hash it document
	// explicitly that reparsing may change the id.
	Body string

	MessageID string
	From      string
	Subject   string

	Date          time.Time
	HasDate       bool
	ArchivedAt    time.Time
	HasArchivedAt bool

	AttachmentHashes []string

	// Now is used by strategies that fall back to the current time for
	// dateless messages. Left nil, time.Now is used.
	Now func() time.Time
}

func (in Input) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// Generator turns a message into its archive id. Implementations are pure:
// the same input always yields the same id.
type Generator interface {
	Name() string
	ID(in Input) (string, error)
}

// legacyNames are the deprecated strategies that are only selectable when
// legacy-compat mode is enabled. Their collision properties are too weak
// for new archives.
var legacyNames = map[string]bool{"medium": true, "cluster": true, "legacy": true}

// New resolves a strategy by name. Unknown names fail fast, and deprecated
// strategies are refused unless legacyCompat is set.
func New(name string, legacyCompat bool) (Generator, error) {
	if legacyNames[name] && !legacyCompat {
		return nil, fmt.Errorf("generator %q is deprecated; enable legacy-compat mode to select it", name)
	}
	switch name {
	case "dkim":
		return dkimGenerator{}, nil
	case "full":
		return fullGenerator{}, nil
	case "medium":
		return mediumGenerator{}, nil
	case "cluster":
		return clusterGenerator{}, nil
	case "legacy":
		return legacyGenerator{}, nil
	}
	return nil, fmt.Errorf("unknown generator %q (known: %s)", name, strings.Join(Names(), ", "))
}

// NewChain resolves a space-separated list of strategy names. The first
// entry produces the canonical id; the rest add alias permalinks.
func NewChain(names string, legacyCompat bool) ([]Generator, error) {
	fields := strings.Fields(names)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no generator named")
	}
	chain := make([]Generator, 0, len(fields))
	for _, name := range fields {
		gen, err := New(name, legacyCompat)
		if err != nil {
			return nil, err
		}
		chain = append(chain, gen)
	}
	return chain, nil
}

// Names lists every known strategy, legacy ones included.
func Names() []string {
	names := []string{"dkim", "full", "medium", "cluster", "legacy"}
	sort.Strings(names)
	return names
}

// dkimGenerator derives the id from the DKIM-canonicalized header subset
// and body; see dkim.go. Recommended default.
type dkimGenerator struct{}

func (dkimGenerator) Name() string { return "dkim" }

func (dkimGenerator) ID(in Input) (string, error) {
	return dkimID(in.Raw, in.ListID), nil
}

// fullGenerator hashes the entire message as delivered. Unique, but not
// stable across re-delivery: Received and archived-at headers differ per
// path, so the same mail re-imported elsewhere gets a different id.
type fullGenerator struct{}

func (fullGenerator) Name() string { return "full" }

func (fullGenerator) ID(in Input) (string, error) {
	return fmt.Sprintf("%x@%s", sha256.Sum224(in.Raw), in.ListID), nil
}

const idDateLayout = "2006/01/02 15:04:05"

// mediumGenerator is the historical 0.9 scheme: body + list id + a derived
// date string. The id changes if the message is reparsed differently or the
// list is renamed. Migration use only.
type mediumGenerator struct{}

func (mediumGenerator) Name() string { return "medium" }

func (g mediumGenerator) ID(in Input) (string, error) {
	if in.Body == "" {
		return "", fmt.Errorf("medium generator requires a message body")
	}
	var when time.Time
	switch {
	case in.HasDate:
		when = in.Date
	case in.HasArchivedAt:
		when = in.ArchivedAt
	default:
		when = in.now()
	}
	hashable := in.Body + in.ListID + when.UTC().Format(idDateLayout)
	return fmt.Sprintf("%x@%s", sha256.Sum224([]byte(hashable)), in.ListID), nil
}

// clusterGenerator hashes fields that replicate identically across cluster
// nodes: body, Message-Id, Date, sender, subject and attachment digests.
// The list id is deliberately excluded so renames keep ids intact.
type clusterGenerator struct{}

func (clusterGenerator) Name() string { return "cluster" }

func (clusterGenerator) ID(in Input) (string, error) {
	hashable := strings.TrimRight(in.Body, " \t\r\n")
	hashable += in.MessageID
	if in.HasDate {
		hashable += in.Date.UTC().Format(idDateLayout)
	} else {
		hashable += "(null)"
	}
	hashable += in.From
	hashable += in.Subject
	for _, h := range in.AttachmentHashes {
		hashable += h
	}
	return fmt.Sprintf("r%x@%s", sha256.Sum224([]byte(hashable)), in.ListID), nil
}

// legacyGenerator is the original scheme, kept strictly for reproducing
// pre-existing permalinks. It hashes only the body and is not unique.
type legacyGenerator struct{}

func (legacyGenerator) Name() string { return "legacy" }

func (g legacyGenerator) ID(in Input) (string, error) {
	if in.Body == "" {
		return "", fmt.Errorf("legacy generator requires a message body")
	}
	var epoch int64
	if in.HasDate {
		epoch = in.Date.Unix()
	}
	return fmt.Sprintf("%x@%d@%s", sha256.Sum224([]byte(in.Body)), epoch, in.ListID), nil
}

// DBID is the digest addressing a message's raw-source record, distinct
// from the archive id itself.
func DBID(raw []byte) string {
	return fmt.Sprintf("%x", sha3.Sum256(raw))
}
