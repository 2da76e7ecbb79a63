package gate

import (
	"bytes"
	"net/http"
	"strings"
)

// signature is one magic-byte pattern in the allow-list.
type signature struct {
	prefix      []byte
	contentType string
}

// Allowed document formats, detected by leading bytes rather than the
// declared MIME type. OOXML documents (docx, xlsx, pptx) share the zip
// signature.
var signatures = []signature{
	{[]byte("%PDF"), "application/pdf"},
	{[]byte{0x50, 0x4B, 0x03, 0x04}, "application/zip"},
	{[]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
}

// allowedTextTypes are the sniffed types accepted when no binary signature
// matches. http.DetectContentType appends charset parameters; match on the
// media type prefix.
var allowedTextTypes = []string{
	"text/plain",
	"text/html",
	"text/markdown",
}

// SniffContentType inspects the leading bytes of data and returns the
// detected content type if it is on the allow-list. The declared type is
// never trusted; it only breaks the tie between text formats that sniff
// identically.
func SniffContentType(data []byte, declared string) (string, bool) {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.contentType, true
		}
	}

	detected := http.DetectContentType(data)
	for _, allowed := range allowedTextTypes {
		if strings.HasPrefix(detected, allowed) {
			// A text payload declared as markdown keeps that declaration;
			// sniffing cannot tell markdown from plain text.
			if declared == "text/markdown" {
				return "text/markdown", true
			}
			return allowed, true
		}
	}
	return detected, false
}
