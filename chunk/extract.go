package chunk

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsupportedFormat marks a content type the extractor cannot read.
// Terminal for the document: no partial chunk set is produced.
var ErrUnsupportedFormat = errors.New("unsupported document format")

var (
	tagPattern    = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	blankPattern  = regexp.MustCompile(`\n{3,}`)
	spacePattern  = regexp.MustCompile(`[ \t]+`)
)

// ExtractText converts document bytes to normalized plain text based on the
// detected content type.
func ExtractText(data []byte, contentType string) (string, error) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)

	switch mediaType {
	case "text/plain", "text/markdown":
		return normalize(string(data)), nil
	case "text/html":
		return normalize(stripHTML(string(data))), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}
}

// stripHTML removes markup, keeping block boundaries as paragraph breaks so
// the splitter still sees document structure.
func stripHTML(s string) string {
	s = scriptPattern.ReplaceAllString(s, "")
	for _, block := range []string{"</p>", "</div>", "</li>", "</h1>", "</h2>", "</h3>", "</h4>", "<br>", "<br/>", "<br />"} {
		s = strings.ReplaceAll(s, block, "\n\n")
	}
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	return s
}

// normalize canonicalizes line endings and collapses runs of whitespace
// while preserving paragraph breaks.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
