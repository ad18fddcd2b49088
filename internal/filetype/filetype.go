// Package filetype sniffs MIME types and text encodings from file content.
//
// Classification is content-based only: the filename and its extension are
// never consulted, so a renamed binary still classifies as what it is.
// Extension rules are a separate validation concern.
package filetype

import (
	"archive/zip"
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"
)

// sniffLen bounds how much of a file is inspected. Matches the window
// http.DetectContentType needs plus room for zip directory probing.
const sniffLen = 1024

// Encoding labels returned by DetectEncoding.
const (
	EncodingASCII   = "us-ascii"
	EncodingUTF8    = "utf-8"
	EncodingUTF16LE = "utf-16le"
	EncodingUTF16BE = "utf-16be"
	EncodingUnknown = "unknown"
)

// Common MIME types used by the upload validators.
const (
	MimeZip         = "application/zip"
	MimeOctetStream = "application/octet-stream"
	MimePlainText   = "text/plain"
)

// ooxmlTypes maps OOXML package directories to their office MIME types.
// Magic-number sniffing reports zip-based office formats as plain zip or
// octet-stream, so these need a second, archive-aware pass.
var ooxmlTypes = map[string]string{
	"word/": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xl/":   "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt/":  "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// DetectMimeType returns the sniffed MIME type of data, without parameters
// (no "; charset=..." suffix).
//
// The primary sniffer is magic-number based. When it reports a generic
// binary or plain zip type the archive-aware fallback inspects the zip
// central directory to distinguish real archives from zip-based office
// formats.
func DetectMimeType(data []byte) string {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}

	mime := stripParams(http.DetectContentType(head))

	if mime == MimeOctetStream || mime == MimeZip {
		if archiveMime, ok := detectArchive(data); ok {
			return archiveMime
		}
	}

	return mime
}

// DetectEncoding returns the text encoding label for data, inspecting at
// most the leading sniffLen bytes. Byte-order marks win; otherwise a UTF-8
// validity scan decides between us-ascii, utf-8 and unknown.
func DetectEncoding(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return EncodingUTF8
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return EncodingUTF16LE
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return EncodingUTF16BE
	}

	// A full window may end mid-rune whether the caller passed the whole
	// file or a bounded read of it, so the trim keys on the window being
	// filled, not on this function doing the truncating.
	head := data
	if len(head) >= sniffLen {
		head = head[:sniffLen]
		head = trimPartialRune(head)
	}

	if !utf8.Valid(head) {
		return EncodingUnknown
	}

	for _, b := range head {
		if b >= 0x80 {
			return EncodingUTF8
		}
	}
	return EncodingASCII
}

// MatchesAnyMimeType reports whether the sniffed MIME type of data matches
// any of the given patterns. A pattern may end in "*" to match a prefix,
// e.g. "image/*" or "application/vnd.openxmlformats-officedocument.*".
func MatchesAnyMimeType(data []byte, patterns ...string) bool {
	mime := DetectMimeType(data)
	for _, p := range patterns {
		if matchMime(mime, p) {
			return true
		}
	}
	return false
}

// MatchesEncoding reports whether the detected encoding of data is in the
// allowed set.
func MatchesEncoding(data []byte, allowed ...string) bool {
	enc := DetectEncoding(data)
	for _, a := range allowed {
		if enc == a {
			return true
		}
	}
	return false
}

// detectArchive classifies zip-signature data. Returns the office MIME type
// for OOXML packages, application/zip for ordinary archives, and false when
// data is not a zip at all.
func detectArchive(data []byte) (string, bool) {
	if !hasZipSignature(data) {
		return "", false
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		// Signature without a readable directory: truncated or corrupt
		return MimeZip, true
	}

	for _, f := range r.File {
		for prefix, mime := range ooxmlTypes {
			if strings.HasPrefix(f.Name, prefix) {
				return mime, true
			}
		}
	}

	return MimeZip, true
}

// hasZipSignature reports whether data starts with a zip local-file,
// empty-archive or spanned-archive signature.
func hasZipSignature(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) ||
		bytes.HasPrefix(data, []byte("PK\x05\x06")) ||
		bytes.HasPrefix(data, []byte("PK\x07\x08"))
}

// stripParams removes media type parameters: "text/plain; charset=utf-8"
// becomes "text/plain".
func stripParams(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

// matchMime matches a concrete MIME type against a pattern with an optional
// trailing wildcard.
func matchMime(mime, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*"))
	}
	return mime == pattern
}

// trimPartialRune drops trailing bytes that form an incomplete UTF-8
// sequence cut off by the sniff window.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if r, _ := utf8.DecodeRune(b[i:]); r == utf8.RuneError {
				return b[:i]
			}
			break
		}
	}
	return b
}
