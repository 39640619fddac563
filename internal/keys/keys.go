// Package keys implements the object-store key grammar for stored originals
// and processed images, in both the legacy flat layout and the label
// partitioned layout.
package keys

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// Key namespace prefixes.
const (
	StoredPrefix    = "stored/"
	ProcessedPrefix = "processed/"
)

const processedMarker = "---processed@"

// Layout tags which shape a processed key has.
type Layout int

// Processed key layouts.
const (
	Legacy Layout = iota + 1
	Partitioned
)

func (l Layout) String() string {
	switch l {
	case Legacy:
		return "legacy"
	case Partitioned:
		return "partitioned"
	default:
		return "unknown"
	}
}

// ProcessedKey is a parsed processed-image key.
type ProcessedKey struct {
	Layout Layout
	Base   string
	Label  string
	N      int
	Ext    string
}

var (
	legacyPattern      = regexp.MustCompile(`^processed/([^/]+)---processed@([^/]+)_(\d+)\.([A-Za-z0-9]+)$`)
	partitionedPattern = regexp.MustCompile(`^processed/([^/]+)/([^/]+)---processed@([^/]+)_(\d+)\.([A-Za-z0-9]+)$`)
)

// Parse tries the partitioned grammar first, then the legacy one.
func Parse(key string) (ProcessedKey, error) {
	if m := partitionedPattern.FindStringSubmatch(key); m != nil {
		if m[1] != m[3] {
			return ProcessedKey{}, &catalog.ParseError{
				Subject: key,
				Reason:  fmt.Sprintf("partition %q does not match embedded label %q", m[1], m[3]),
			}
		}
		return build(Partitioned, m[2], m[3], m[4], m[5], key)
	}
	if m := legacyPattern.FindStringSubmatch(key); m != nil {
		return build(Legacy, m[1], m[2], m[3], m[4], key)
	}
	return ProcessedKey{}, &catalog.ParseError{Subject: key, Reason: "not a processed image key"}
}

// ParseLegacy accepts only the legacy flat layout.
func ParseLegacy(key string) (ProcessedKey, error) {
	m := legacyPattern.FindStringSubmatch(key)
	if m == nil {
		return ProcessedKey{}, &catalog.ParseError{Subject: key, Reason: "not a legacy processed key"}
	}
	return build(Legacy, m[1], m[2], m[3], m[4], key)
}

func build(layout Layout, base, label, n, ext, raw string) (ProcessedKey, error) {
	num, err := strconv.Atoi(n)
	if err != nil {
		return ProcessedKey{}, &catalog.ParseError{Subject: raw, Reason: "bad sequence number", Err: err}
	}
	return ProcessedKey{Layout: layout, Base: base, Label: label, N: num, Ext: ext}, nil
}

// Name is the encoded file name shared by both layouts.
func (k ProcessedKey) Name() string {
	return fmt.Sprintf("%s%s%s_%d.%s", k.Base, processedMarker, k.Label, k.N, k.Ext)
}

// String renders the key in its own layout.
func (k ProcessedKey) String() string {
	if k.Layout == Partitioned {
		return k.PartitionedKey()
	}
	return k.LegacyKey()
}

// LegacyKey renders processed/<name>.
func (k ProcessedKey) LegacyKey() string {
	return ProcessedPrefix + k.Name()
}

// PartitionedKey renders processed/<label>/<name>.
func (k ProcessedKey) PartitionedKey() string {
	return ProcessedPrefix + k.Label + "/" + k.Name()
}

// IsRootProcessed reports whether key sits directly under processed/ with no
// further path segment, which is where legacy keys live.
func IsRootProcessed(key string) bool {
	rest, ok := strings.CutPrefix(key, ProcessedPrefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}

// LabelPrefix is the partition prefix for one label.
func LabelPrefix(label string) string {
	return ProcessedPrefix + label + "/"
}

// StoredKey is the object key for a content-addressed original.
func StoredKey(filename string) string {
	return StoredPrefix + filename
}
