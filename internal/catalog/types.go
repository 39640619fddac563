package catalog

import "time"

// ExtractionMode selects how much work the extraction engine does per page.
type ExtractionMode string

// Extraction modes.
const (
	ModeLight ExtractionMode = "light"
	ModeHeavy ExtractionMode = "heavy"
)

// ParseExtractionMode validates a user supplied mode string.
func ParseExtractionMode(raw string) (ExtractionMode, error) {
	switch m := ExtractionMode(raw); m {
	case ModeLight, ModeHeavy:
		return m, nil
	default:
		return "", &ParseError{Subject: raw, Reason: "unknown extraction mode"}
	}
}

// SizePreset names a width/height bound applied to candidate images.
type SizePreset string

// Size presets.
const (
	SizeSmall  SizePreset = "small"
	SizeMedium SizePreset = "medium"
	SizeLarge  SizePreset = "large"
	SizeAll    SizePreset = "all"
)

// ParseSizePreset validates a user supplied preset string.
func ParseSizePreset(raw string) (SizePreset, error) {
	switch p := SizePreset(raw); p {
	case SizeSmall, SizeMedium, SizeLarge, SizeAll:
		return p, nil
	default:
		return "", &ParseError{Subject: raw, Reason: "unknown size preset"}
	}
}

// Label is a named tag.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PageReference is a user supplied collection URL.
type PageReference struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	LabelIDs  []string  `json:"label_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Scrape is the result of one extraction run against a PageReference.
type Scrape struct {
	ID              string         `json:"id"`
	PageReferenceID string         `json:"page_reference_id"`
	Mode            ExtractionMode `json:"mode"`
	Preset          SizePreset     `json:"preset"`
	Title           string         `json:"title"`
	Tags            []string       `json:"tags"`
	Categories      []string       `json:"categories"`
	Models          []string       `json:"models"`
	Errors          []URLError     `json:"errors,omitempty"`
	Stored          bool           `json:"stored"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ScrapedImage is one candidate image discovered during a Scrape.
type ScrapedImage struct {
	ID        string     `json:"id"`
	ScrapeID  string     `json:"scrape_id"`
	Position  int        `json:"position"`
	SourceURL string     `json:"source_url"`
	ImageURL  string     `json:"image_url"`
	Filename  string     `json:"filename"`
	Width     *int       `json:"width,omitempty"`
	Height    *int       `json:"height,omitempty"`
	Size      *int64     `json:"size,omitempty"`
	Format    *string    `json:"format,omitempty"`
	StoredAt  *time.Time `json:"stored_at,omitempty"`
	AssetID   *string    `json:"asset_id,omitempty"`
}

// Asset is a content-addressed stored image. At most one exists per Hash.
type Asset struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Filename  string    `json:"filename"`
	OriginURL string    `json:"origin_url"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessingRun pairs a PageReference with a Label.
type ProcessingRun struct {
	ID              string `json:"id"`
	PageReferenceID string `json:"page_reference_id"`
	LabelID         string `json:"label_id"`
}

// ProcessedAsset is an externally produced image stored under a processed key.
type ProcessedAsset struct {
	ID            string   `json:"id"`
	RunID         string   `json:"run_id"`
	SourceAssetID string   `json:"source_asset_id"`
	Filename      string   `json:"filename"`
	Bucket        string   `json:"bucket"`
	Key           string   `json:"key"`
	Hidden        bool     `json:"hidden"`
	Flagged       bool     `json:"flagged"`
	Score         *float64 `json:"score,omitempty"`
}

// AssetReferences counts the surviving references to one Asset.
type AssetReferences struct {
	PageReferences  int
	ScrapedImages   int
	ProcessedAssets int
}

// Orphaned reports whether no reference of any kind survives.
func (r AssetReferences) Orphaned() bool {
	return r.PageReferences == 0 && r.ScrapedImages == 0 && r.ProcessedAssets == 0
}

// URLError pairs a page URL with the reason it could not be scraped.
type URLError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// CandidateImage is one image reference produced by the extraction engine.
type CandidateImage struct {
	ImageURL  string  `json:"image_url"`
	SourceURL string  `json:"source_url"`
	Filename  string  `json:"filename"`
	Width     *int    `json:"width,omitempty"`
	Height    *int    `json:"height,omitempty"`
	Size      *int64  `json:"size,omitempty"`
	Format    *string `json:"format,omitempty"`
}

// PageMetadata is the page level metadata extracted alongside images.
type PageMetadata struct {
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
	Categories []string `json:"categories"`
	Models     []string `json:"models"`
}

// ScrapeResult is the aggregated output of scraping a batch of page URLs.
type ScrapeResult struct {
	Images     []CandidateImage `json:"images"`
	Tags       []string         `json:"tags"`
	Categories []string         `json:"categories"`
	Models     []string         `json:"models"`
	Title      string           `json:"title"`
	Errors     []URLError       `json:"errors"`
}

// UnknownTitle is used when no title could be resolved.
const UnknownTitle = "Unknown"
