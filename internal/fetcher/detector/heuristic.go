// Package detector decides when a statically fetched page needs a headless
// render before its images can be extracted.
package detector

import (
	"bytes"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// DefaultBodyLengthThreshold is the body size under which a script-heavy page
// is treated as an unrendered shell.
const DefaultBodyLengthThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var imageMarkers = [][]byte{
	[]byte("<img"),
	[]byte("<picture"),
	[]byte("<source"),
}

// ShouldPromote reports whether resp looks like markup that only a browser
// would turn into an image gallery.
func (h *Heuristic) ShouldPromote(resp catalog.FetchResponse) bool {
	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return false
	}
	body := bytes.ToLower(resp.Body)
	if len(body) == 0 {
		return true
	}
	if !containsAny(body, imageMarkers) {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	return containsAny(body, spaMarkers)
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of body. body must already be lowercased.
func scriptDensityHigh(body []byte) bool {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(body)
	coverage := 0
	pos := 0
	for {
		rel := bytes.Index(body[pos:], []byte(openTag))
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := bytes.IndexByte(body[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := bytes.Index(body[contentStart:], []byte(closeTag)); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage > 0 && coverage*100/total >= 25
}
