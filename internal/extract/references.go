package extract

import (
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// reference is one image URL found in markup with its declared dimensions.
type reference struct {
	URL    string
	Width  *int
	Height *int
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".avif": true,
	".tif":  true,
	".tiff": true,
}

// looksLikeImage reports whether the URL path ends in a raster image extension.
func looksLikeImage(u *url.URL) bool {
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}

// baseURL honours a <base href> element.
func baseURL(doc *goquery.Document, page *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return page
	}
	if resolved, err := page.Parse(strings.TrimSpace(href)); err == nil {
		return resolved
	}
	return page
}

// resolve turns raw into an absolute http(s) URL, rejecting data URIs and SVG.
func resolve(base *url.URL, raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
		return nil, false
	}
	u, err := base.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if strings.EqualFold(path.Ext(u.Path), ".svg") {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}

// collectReferences walks <img> and <picture><source> elements. Each <img>
// yields one reference, chosen in order: wrapping anchor href pointing at an
// image, data-src, the largest srcset candidate, src.
func collectReferences(doc *goquery.Document, base *url.URL) []reference {
	var (
		refs []reference
		seen = make(map[string]bool)
	)
	add := func(ref reference) {
		if seen[ref.URL] {
			return
		}
		seen[ref.URL] = true
		refs = append(refs, ref)
	}

	doc.Find("img, picture source").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "source" {
			if u, ok := resolve(base, bestSrcset(s.AttrOr("srcset", ""))); ok {
				w, h := declaredDims(s)
				add(reference{URL: u.String(), Width: w, Height: h})
			}
			return
		}

		if href, ok := s.Closest("a[href]").Attr("href"); ok {
			if u, ok := resolve(base, href); ok && looksLikeImage(u) {
				// The linked full-size image has unknown dimensions.
				add(reference{URL: u.String()})
				return
			}
		}

		w, h := declaredDims(s)
		for _, raw := range []string{
			s.AttrOr("data-src", ""),
			bestSrcset(s.AttrOr("srcset", "")),
			s.AttrOr("src", ""),
		} {
			if u, ok := resolve(base, raw); ok {
				add(reference{URL: u.String(), Width: w, Height: h})
				return
			}
		}
	})
	return refs
}

// declaredDims reads width/height, overridden by data-width/data-height.
func declaredDims(s *goquery.Selection) (*int, *int) {
	w := parseDim(s.AttrOr("width", ""))
	h := parseDim(s.AttrOr("height", ""))
	if dw := parseDim(s.AttrOr("data-width", "")); dw != nil {
		w = dw
	}
	if dh := parseDim(s.AttrOr("data-height", "")); dh != nil {
		h = dh
	}
	return w, h
}

func parseDim(raw string) *int {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "px")
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// bestSrcset picks the candidate with the largest width or density
// descriptor; candidates without a descriptor count as 1x.
func bestSrcset(srcset string) string {
	var (
		best      string
		bestScore float64 = -1
	)
	for _, c := range splitSrcset(srcset) {
		score := 1.0
		if desc := c.descriptor; len(desc) > 1 {
			unit := desc[len(desc)-1]
			if v, err := strconv.ParseFloat(desc[:len(desc)-1], 64); err == nil && (unit == 'w' || unit == 'x') {
				score = v
			}
		}
		if score > bestScore {
			best, bestScore = c.url, score
		}
	}
	return best
}

type srcsetCandidate struct {
	url        string
	descriptor string
}

// splitSrcset tokenizes a srcset the way browsers do: a URL runs to the next
// whitespace, so commas inside it (w_100,h_100 transform paths) are kept, and
// only a comma after the descriptors ends a candidate.
func splitSrcset(srcset string) []srcsetCandidate {
	var out []srcsetCandidate
	isSpace := func(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f' }
	i, n := 0, len(srcset)
	for i < n {
		for i < n && (isSpace(srcset[i]) || srcset[i] == ',') {
			i++
		}
		start := i
		for i < n && !isSpace(srcset[i]) {
			i++
		}
		if start == i {
			break
		}
		url := srcset[start:i]
		if trimmed := strings.TrimRight(url, ","); trimmed != url {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}
		start = i
		depth := 0
		for i < n && (depth > 0 || srcset[i] != ',') {
			switch srcset[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			i++
		}
		fields := strings.Fields(srcset[start:i])
		c := srcsetCandidate{url: url}
		if len(fields) > 0 {
			c.descriptor = fields[0]
		}
		out = append(out, c)
	}
	return out
}
