package extract

import (
	"crypto/sha1" //nolint:gosec // naming only, not a security boundary
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// DefaultExtension is appended to filenames that carry none.
const DefaultExtension = ".jpg"

// Filename derives a storage-safe filename from an image URL: the last path
// segment, percent-decoded and restricted to [A-Za-z0-9._-].
func Filename(rawURL string) string {
	var segment string
	if u, err := url.Parse(rawURL); err == nil {
		segment = path.Base(u.Path)
	}
	if segment == "." || segment == "/" {
		segment = ""
	}
	name := sanitize(segment)
	if name == "" {
		sum := sha1.Sum([]byte(rawURL)) //nolint:gosec // naming only
		name = "image-" + hex.EncodeToString(sum[:])[:12]
	}
	if path.Ext(name) == "" {
		name += DefaultExtension
	}
	return name
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	// "---" is the processed-key marker and must never appear in a base name.
	for strings.Contains(out, "---") {
		out = strings.ReplaceAll(out, "---", "--")
	}
	return strings.TrimLeft(out, "._")
}
