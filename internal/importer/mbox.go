package importer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// mboxReader splits an mbox stream into individual messages. Separator
// lines start with "From " at column zero; mboxrd quoting (">From",
// ">>From", ...) inside bodies is reversed on read.
type mboxReader struct {
	scanner *bufio.Scanner
	started bool
	done    bool
}

// maxLineBytes bounds a single mbox line. Header lines this long only
// appear in hostile input.
const maxLineBytes = 4 << 20

func newMboxReader(r io.Reader) *mboxReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	return &mboxReader{scanner: scanner}
}

// Next returns the next message's raw bytes, or io.EOF when the stream is
// exhausted.
func (m *mboxReader) Next() ([]byte, error) {
	if m.done {
		return nil, io.EOF
	}
	var buf bytes.Buffer
	flushed := false
	for m.scanner.Scan() {
		line := m.scanner.Bytes()
		if bytes.HasPrefix(line, []byte("From ")) {
			if !m.started {
				// First separator of the file.
				m.started = true
				continue
			}
			flushed = true
			break
		}
		if !m.started {
			return nil, errors.New("mbox: stream does not start with a From separator")
		}
		buf.Write(unquoteFromLine(line))
		buf.WriteByte('\n')
	}
	if err := m.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mbox: %w", err)
	}
	if !flushed {
		m.done = true
	}
	message := bytes.TrimRight(buf.Bytes(), "\n")
	if len(message) == 0 {
		if m.done {
			return nil, io.EOF
		}
		return m.Next()
	}
	out := make([]byte, len(message), len(message)+1)
	copy(out, message)
	return append(out, '\n'), nil
}

func unquoteFromLine(line []byte) []byte {
	trimmed := line
	for len(trimmed) > 0 && trimmed[0] == '>' {
		trimmed = trimmed[1:]
	}
	if bytes.HasPrefix(trimmed, []byte("From ")) {
		return line[1:]
	}
	return line
}
