package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

var titleSelectors = []string{
	".gallery-title",
	"h1.gallery-title",
	".gallery h1",
	"h1[itemprop=name]",
}

// Title prefers a gallery heading, then <title>, then catalog.UnknownTitle.
func Title(doc *goquery.Document) string {
	for _, sel := range titleSelectors {
		if t := cleanText(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	if t := cleanText(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return catalog.UnknownTitle
}

// Metadata extracts the title plus tag, category, and model names.
func Metadata(doc *goquery.Document) catalog.PageMetadata {
	var tags orderedSet
	doc.Find(`meta[name="keywords"]`).Each(func(_ int, s *goquery.Selection) {
		for _, kw := range strings.Split(s.AttrOr("content", ""), ",") {
			tags.add(kw)
		}
	})
	collectText(doc, &tags, `a[rel~="tag"]`, ".tags a")

	var categories orderedSet
	collectText(doc, &categories, `a[rel~="category"]`, ".categories a")

	var models orderedSet
	collectText(doc, &models, ".models a", `a[href*="/models/"]`)

	return catalog.PageMetadata{
		Title:      Title(doc),
		Tags:       tags.values(),
		Categories: categories.values(),
		Models:     models.values(),
	}
}

func collectText(doc *goquery.Document, set *orderedSet, selectors ...string) {
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			set.add(s.Text())
		})
	}
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// orderedSet keeps first-seen order and drops blanks and duplicates.
type orderedSet struct {
	items []string
	seen  map[string]bool
}

func (o *orderedSet) add(v string) {
	v = cleanText(v)
	if v == "" {
		return
	}
	if o.seen == nil {
		o.seen = make(map[string]bool)
	}
	if o.seen[v] {
		return
	}
	o.seen[v] = true
	o.items = append(o.items, v)
}

func (o *orderedSet) values() []string {
	if o.items == nil {
		return []string{}
	}
	return o.items
}
