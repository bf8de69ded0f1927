package normalize

import "strings"

// Unflow rejoins the soft line breaks of a format=flowed body (RFC 3676),
// respecting quote-depth markers and space-stuffing. Bodies that are not
// flowed come back untouched.
func (b *Body) Unflow() string {
	if b == nil {
		return ""
	}
	if !b.Flowed {
		return b.Text
	}
	return unflow(b.Text, b.DelSp)
}

func unflow(text string, delSp bool) string {
	lines := strings.Split(text, "\n")
	var out []string
	var current strings.Builder
	currentDepth := -1 // -1 means no paragraph open

	flush := func() {
		if currentDepth >= 0 {
			out = append(out, quotePrefix(currentDepth)+current.String())
			current.Reset()
			currentDepth = -1
		}
	}

	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		depth, content := splitQuote(line)
		// Space-stuffing: one leading space protects lines starting with
		// a space, ">" or "From ".
		content = strings.TrimPrefix(content, " ")

		soft := strings.HasSuffix(content, " ") && content != "-- "
		if currentDepth >= 0 && depth != currentDepth {
			// Quote depth changed mid-flow; close the paragraph.
			flush()
		}
		if soft {
			joined := content
			if delSp {
				joined = strings.TrimSuffix(joined, " ")
			}
			if currentDepth < 0 {
				currentDepth = depth
			}
			current.WriteString(joined)
			continue
		}
		if currentDepth >= 0 {
			current.WriteString(content)
			flush()
			continue
		}
		out = append(out, quotePrefix(depth)+content)
	}
	flush()
	return strings.Join(out, "\n")
}

// splitQuote counts the leading '>' markers of a flowed line and returns
// the remaining content.
func splitQuote(line string) (int, string) {
	depth := 0
	for len(line) > 0 && line[0] == '>' {
		depth++
		line = line[1:]
	}
	return depth, line
}

func quotePrefix(depth int) string {
	if depth == 0 {
		return ""
	}
	return strings.Repeat(">", depth) + " "
}
