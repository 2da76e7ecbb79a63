package chunk

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractPlainTextNormalizes(t *testing.T) {
	in := []byte("line one\r\nline two\r\n\r\n\r\n\r\nline three\t\tend")
	got, err := ExtractText(in, "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "\r") {
		t.Fatal("carriage returns survived normalization")
	}
	if strings.Contains(got, "\n\n\n") {
		t.Fatal("blank-line runs not collapsed")
	}
	if strings.Contains(got, "\t") {
		t.Fatal("tabs not collapsed")
	}
}

func TestExtractMarkdownPassesThrough(t *testing.T) {
	got, err := ExtractText([]byte("# Title\n\nBody text."), "text/markdown")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "# Title") {
		t.Fatalf("markdown content altered: %q", got)
	}
}

func TestExtractHTMLStripsMarkup(t *testing.T) {
	in := []byte(`<html><head><style>p{color:red}</style><script>alert(1)</script></head>` +
		`<body><p>First paragraph.</p><p>Second &amp; last.</p></body></html>`)
	got, err := ExtractText(in, "text/html; charset=utf-8")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "<") || strings.Contains(got, "alert") || strings.Contains(got, "color") {
		t.Fatalf("markup survived extraction: %q", got)
	}
	if !strings.Contains(got, "First paragraph.") || !strings.Contains(got, "Second & last.") {
		t.Fatalf("text content lost: %q", got)
	}
	if !strings.Contains(got, "\n\n") {
		t.Fatal("paragraph boundary lost")
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := ExtractText([]byte("%PDF-1.7"), "application/pdf")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
