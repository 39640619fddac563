package catalog

import (
	"context"
	"time"
)

// LabelIndex resolves labels. Labels are never created implicitly by the engines.
type LabelIndex interface {
	CreateLabel(ctx context.Context, label Label) error
	GetLabel(ctx context.Context, id string) (Label, error)
	FindLabelByName(ctx context.Context, name string) (Label, error)
}

// PageIndex manages page references and their direct asset links.
type PageIndex interface {
	CreatePageReference(ctx context.Context, ref PageReference) error
	GetPageReference(ctx context.Context, id string) (PageReference, error)
	// DeletePageReference cascades to the page's Scrape and ScrapedImages.
	DeletePageReference(ctx context.Context, id string) error
	LinkPageAsset(ctx context.Context, pageRefID, assetID string) error
	PageAssetIDs(ctx context.Context, pageRefID string) ([]string, error)
}

// ScrapeIndex manages scrapes and their ordered images.
type ScrapeIndex interface {
	// ReplaceScrape deletes any Scrape of the same PageReference and inserts
	// the new Scrape with its images, atomically.
	ReplaceScrape(ctx context.Context, scrape Scrape, images []ScrapedImage) error
	GetScrape(ctx context.Context, id string) (Scrape, error)
	GetScrapeByPageReference(ctx context.Context, pageRefID string) (Scrape, error)
	// ListScrapedImages returns images in persisted (position) order.
	ListScrapedImages(ctx context.Context, scrapeID string) ([]ScrapedImage, error)
	MarkImageStored(ctx context.Context, imageID, assetID string, at time.Time) error
	MarkScrapeStored(ctx context.Context, scrapeID string) error
	FindScrapedImageByAsset(ctx context.Context, assetID string) (ScrapedImage, error)
}

// AssetIndex manages content-addressed assets.
type AssetIndex interface {
	GetAsset(ctx context.Context, id string) (Asset, error)
	FindAssetByHash(ctx context.Context, hash string) (Asset, error)
	FindAssetByFilename(ctx context.Context, filename string) (Asset, error)
	// FindAssetByBaseName matches the filename with its extension removed.
	FindAssetByBaseName(ctx context.Context, base string) (Asset, error)
	// CreateAsset fails with a ConflictError when the hash already exists.
	CreateAsset(ctx context.Context, asset Asset) error
	DeleteAsset(ctx context.Context, id string) error
	CountAssetReferences(ctx context.Context, id string) (AssetReferences, error)
}

// ProcessingIndex manages processing runs and processed assets.
type ProcessingIndex interface {
	FindOrCreateProcessingRun(ctx context.Context, run ProcessingRun) (ProcessingRun, error)
	FindProcessedAssetByKey(ctx context.Context, bucket, key string) (ProcessedAsset, error)
	CreateProcessedAsset(ctx context.Context, asset ProcessedAsset) error
	UpdateProcessedAsset(ctx context.Context, asset ProcessedAsset) error
	DeleteProcessedAsset(ctx context.Context, id string) error
	// RepointProcessedAsset moves a row from oldKey to newKey. It reports false
	// when no row referenced oldKey and fails with a ConflictError when a row
	// already sits at newKey.
	RepointProcessedAsset(ctx context.Context, bucket, oldKey, newKey string) (bool, error)
}

// Index is the full relational index.
type Index interface {
	LabelIndex
	PageIndex
	ScrapeIndex
	AssetIndex
	ProcessingIndex
	Close() error
}
