package memory

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// Index is an in-memory catalog.Index. Every method takes the single lock, so
// compound operations such as ReplaceScrape are atomic.
type Index struct {
	mu         sync.RWMutex
	labels     map[string]catalog.Label
	pages      map[string]catalog.PageReference
	pageAssets map[string][]string
	scrapes    map[string]catalog.Scrape
	images     map[string]catalog.ScrapedImage
	assets     map[string]catalog.Asset
	runs       map[string]catalog.ProcessingRun
	processed  map[string]catalog.ProcessedAsset
}

var _ catalog.Index = (*Index)(nil)

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{
		labels:     make(map[string]catalog.Label),
		pages:      make(map[string]catalog.PageReference),
		pageAssets: make(map[string][]string),
		scrapes:    make(map[string]catalog.Scrape),
		images:     make(map[string]catalog.ScrapedImage),
		assets:     make(map[string]catalog.Asset),
		runs:       make(map[string]catalog.ProcessingRun),
		processed:  make(map[string]catalog.ProcessedAsset),
	}
}

// Close is a no-op.
func (x *Index) Close() error { return nil }

// CreateLabel inserts a label with a unique name.
func (x *Index) CreateLabel(_ context.Context, label catalog.Label) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if label.ID == "" || label.Name == "" {
		return fmt.Errorf("label id and name are required")
	}
	for _, l := range x.labels {
		if l.Name == label.Name {
			return &catalog.ConflictError{Kind: "label", Key: label.Name}
		}
	}
	if _, ok := x.labels[label.ID]; ok {
		return &catalog.ConflictError{Kind: "label", Key: label.ID}
	}
	x.labels[label.ID] = label
	return nil
}

// GetLabel fetches a label by ID.
func (x *Index) GetLabel(_ context.Context, id string) (catalog.Label, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	l, ok := x.labels[id]
	if !ok {
		return catalog.Label{}, catalog.NewNotFound("label", id)
	}
	return l, nil
}

// FindLabelByName fetches a label by its unique name.
func (x *Index) FindLabelByName(_ context.Context, name string) (catalog.Label, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, l := range x.labels {
		if l.Name == name {
			return l, nil
		}
	}
	return catalog.Label{}, catalog.NewNotFound("label", name)
}

// CreatePageReference inserts a page reference with a unique URL.
func (x *Index) CreatePageReference(_ context.Context, ref catalog.PageReference) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ref.ID == "" || ref.URL == "" {
		return fmt.Errorf("page reference id and url are required")
	}
	for _, p := range x.pages {
		if p.URL == ref.URL {
			return &catalog.ConflictError{Kind: "page reference", Key: ref.URL}
		}
	}
	for _, labelID := range ref.LabelIDs {
		if _, ok := x.labels[labelID]; !ok {
			return catalog.NewNotFound("label", labelID)
		}
	}
	ref.LabelIDs = slices.Clone(ref.LabelIDs)
	x.pages[ref.ID] = ref
	return nil
}

// GetPageReference fetches a page reference by ID.
func (x *Index) GetPageReference(_ context.Context, id string) (catalog.PageReference, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.pages[id]
	if !ok {
		return catalog.PageReference{}, catalog.NewNotFound("page reference", id)
	}
	p.LabelIDs = slices.Clone(p.LabelIDs)
	return p, nil
}

// DeletePageReference removes the page, its scrape, the scrape's images and
// its direct asset links. Processing runs are detached, not deleted.
func (x *Index) DeletePageReference(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pages[id]; !ok {
		return catalog.NewNotFound("page reference", id)
	}
	for scrapeID, s := range x.scrapes {
		if s.PageReferenceID == id {
			x.deleteScrapeLocked(scrapeID)
		}
	}
	for runID, r := range x.runs {
		if r.PageReferenceID == id {
			r.PageReferenceID = ""
			x.runs[runID] = r
		}
	}
	delete(x.pageAssets, id)
	delete(x.pages, id)
	return nil
}

// LinkPageAsset records a direct page to asset link; repeated links are no-ops.
func (x *Index) LinkPageAsset(_ context.Context, pageRefID, assetID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pages[pageRefID]; !ok {
		return catalog.NewNotFound("page reference", pageRefID)
	}
	if _, ok := x.assets[assetID]; !ok {
		return catalog.NewNotFound("asset", assetID)
	}
	if slices.Contains(x.pageAssets[pageRefID], assetID) {
		return nil
	}
	x.pageAssets[pageRefID] = append(x.pageAssets[pageRefID], assetID)
	return nil
}

// PageAssetIDs lists the assets linked directly to a page.
func (x *Index) PageAssetIDs(_ context.Context, pageRefID string) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.pageAssets[pageRefID]), nil
}

// ReplaceScrape swaps the page's scrape for a new one with its images.
func (x *Index) ReplaceScrape(_ context.Context, scrape catalog.Scrape, images []catalog.ScrapedImage) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pages[scrape.PageReferenceID]; !ok {
		return catalog.NewNotFound("page reference", scrape.PageReferenceID)
	}
	if _, ok := x.scrapes[scrape.ID]; ok {
		return &catalog.ConflictError{Kind: "scrape", Key: scrape.ID}
	}
	for _, img := range images {
		if _, ok := x.images[img.ID]; ok {
			return &catalog.ConflictError{Kind: "scraped image", Key: img.ID}
		}
	}
	for id, s := range x.scrapes {
		if s.PageReferenceID == scrape.PageReferenceID {
			x.deleteScrapeLocked(id)
		}
	}
	x.scrapes[scrape.ID] = cloneScrape(scrape)
	for _, img := range images {
		img.ScrapeID = scrape.ID
		x.images[img.ID] = img
	}
	return nil
}

func (x *Index) deleteScrapeLocked(id string) {
	for imgID, img := range x.images {
		if img.ScrapeID == id {
			delete(x.images, imgID)
		}
	}
	delete(x.scrapes, id)
}

// GetScrape fetches a scrape by ID.
func (x *Index) GetScrape(_ context.Context, id string) (catalog.Scrape, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s, ok := x.scrapes[id]
	if !ok {
		return catalog.Scrape{}, catalog.NewNotFound("scrape", id)
	}
	return cloneScrape(s), nil
}

// GetScrapeByPageReference fetches the page's scrape.
func (x *Index) GetScrapeByPageReference(_ context.Context, pageRefID string) (catalog.Scrape, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, s := range x.scrapes {
		if s.PageReferenceID == pageRefID {
			return cloneScrape(s), nil
		}
	}
	return catalog.Scrape{}, catalog.NewNotFound("scrape for page reference", pageRefID)
}

// ListScrapedImages returns a scrape's images ordered by position.
func (x *Index) ListScrapedImages(_ context.Context, scrapeID string) ([]catalog.ScrapedImage, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if _, ok := x.scrapes[scrapeID]; !ok {
		return nil, catalog.NewNotFound("scrape", scrapeID)
	}
	var out []catalog.ScrapedImage
	for _, img := range x.images {
		if img.ScrapeID == scrapeID {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// MarkImageStored links an image to its asset and stamps the stored time.
func (x *Index) MarkImageStored(_ context.Context, imageID, assetID string, at time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	img, ok := x.images[imageID]
	if !ok {
		return catalog.NewNotFound("scraped image", imageID)
	}
	if _, ok := x.assets[assetID]; !ok {
		return catalog.NewNotFound("asset", assetID)
	}
	img.AssetID = &assetID
	img.StoredAt = &at
	x.images[imageID] = img
	return nil
}

// MarkScrapeStored sets the scrape's stored flag.
func (x *Index) MarkScrapeStored(_ context.Context, scrapeID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.scrapes[scrapeID]
	if !ok {
		return catalog.NewNotFound("scrape", scrapeID)
	}
	s.Stored = true
	x.scrapes[scrapeID] = s
	return nil
}

// FindScrapedImageByAsset returns one image linked to the asset, preferring
// the lowest position and then the lowest ID.
func (x *Index) FindScrapedImageByAsset(_ context.Context, assetID string) (catalog.ScrapedImage, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var (
		best  catalog.ScrapedImage
		found bool
	)
	for _, img := range x.images {
		if img.AssetID == nil || *img.AssetID != assetID {
			continue
		}
		if !found || img.Position < best.Position || (img.Position == best.Position && img.ID < best.ID) {
			best, found = img, true
		}
	}
	if !found {
		return catalog.ScrapedImage{}, catalog.NewNotFound("scraped image for asset", assetID)
	}
	return best, nil
}

// GetAsset fetches an asset by ID.
func (x *Index) GetAsset(_ context.Context, id string) (catalog.Asset, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.assets[id]
	if !ok {
		return catalog.Asset{}, catalog.NewNotFound("asset", id)
	}
	return a, nil
}

// FindAssetByHash is the fingerprint lookup.
func (x *Index) FindAssetByHash(_ context.Context, hash string) (catalog.Asset, error) {
	return x.findAsset("asset with hash", hash, func(a catalog.Asset) bool { return a.Hash == hash })
}

// FindAssetByFilename matches the canonical filename exactly.
func (x *Index) FindAssetByFilename(_ context.Context, filename string) (catalog.Asset, error) {
	return x.findAsset("asset with filename", filename, func(a catalog.Asset) bool { return a.Filename == filename })
}

// FindAssetByBaseName matches the canonical filename without its extension.
func (x *Index) FindAssetByBaseName(_ context.Context, base string) (catalog.Asset, error) {
	return x.findAsset("asset with base name", base, func(a catalog.Asset) bool {
		return strings.TrimSuffix(a.Filename, path.Ext(a.Filename)) == base
	})
}

// findAsset returns the oldest match so lookups are deterministic.
func (x *Index) findAsset(kind, key string, match func(catalog.Asset) bool) (catalog.Asset, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var (
		best  catalog.Asset
		found bool
	)
	for _, a := range x.assets {
		if !match(a) {
			continue
		}
		if !found || a.CreatedAt.Before(best.CreatedAt) || (a.CreatedAt.Equal(best.CreatedAt) && a.ID < best.ID) {
			best, found = a, true
		}
	}
	if !found {
		return catalog.Asset{}, catalog.NewNotFound(kind, key)
	}
	return best, nil
}

// CreateAsset inserts an asset; a second asset with the same hash conflicts.
func (x *Index) CreateAsset(_ context.Context, asset catalog.Asset) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if asset.ID == "" || asset.Hash == "" {
		return fmt.Errorf("asset id and hash are required")
	}
	for _, a := range x.assets {
		if a.Hash == asset.Hash {
			return &catalog.ConflictError{Kind: "asset", Key: asset.Hash}
		}
	}
	if _, ok := x.assets[asset.ID]; ok {
		return &catalog.ConflictError{Kind: "asset", Key: asset.ID}
	}
	x.assets[asset.ID] = asset
	return nil
}

// DeleteAsset removes the asset row and any direct page links to it.
func (x *Index) DeleteAsset(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.assets[id]; !ok {
		return catalog.NewNotFound("asset", id)
	}
	for page, ids := range x.pageAssets {
		x.pageAssets[page] = slices.DeleteFunc(ids, func(v string) bool { return v == id })
	}
	delete(x.assets, id)
	return nil
}

// CountAssetReferences counts surviving references of every kind.
func (x *Index) CountAssetReferences(_ context.Context, id string) (catalog.AssetReferences, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var refs catalog.AssetReferences
	for _, ids := range x.pageAssets {
		if slices.Contains(ids, id) {
			refs.PageReferences++
		}
	}
	for _, img := range x.images {
		if img.AssetID != nil && *img.AssetID == id {
			refs.ScrapedImages++
		}
	}
	for _, p := range x.processed {
		if p.SourceAssetID == id {
			refs.ProcessedAssets++
		}
	}
	return refs, nil
}

// FindOrCreateProcessingRun returns the run for (page, label), inserting run
// when none exists.
func (x *Index) FindOrCreateProcessingRun(_ context.Context, run catalog.ProcessingRun) (catalog.ProcessingRun, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pages[run.PageReferenceID]; !ok {
		return catalog.ProcessingRun{}, catalog.NewNotFound("page reference", run.PageReferenceID)
	}
	for _, r := range x.runs {
		if r.PageReferenceID == run.PageReferenceID && r.LabelID == run.LabelID {
			return r, nil
		}
	}
	if _, ok := x.labels[run.LabelID]; !ok {
		return catalog.ProcessingRun{}, catalog.NewNotFound("label", run.LabelID)
	}
	if run.ID == "" {
		return catalog.ProcessingRun{}, fmt.Errorf("processing run id is required")
	}
	x.runs[run.ID] = run
	return run, nil
}

// FindProcessedAssetByKey fetches a processed asset by its storage key.
func (x *Index) FindProcessedAssetByKey(_ context.Context, bucket, key string) (catalog.ProcessedAsset, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.processedByKeyLocked(bucket, key)
	if !ok {
		return catalog.ProcessedAsset{}, catalog.NewNotFound("processed asset", bucket+"/"+key)
	}
	return p, nil
}

func (x *Index) processedByKeyLocked(bucket, key string) (catalog.ProcessedAsset, bool) {
	for _, p := range x.processed {
		if p.Bucket == bucket && p.Key == key {
			return p, true
		}
	}
	return catalog.ProcessedAsset{}, false
}

// CreateProcessedAsset inserts a row with a unique (bucket, key).
func (x *Index) CreateProcessedAsset(_ context.Context, asset catalog.ProcessedAsset) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if asset.ID == "" {
		return fmt.Errorf("processed asset id is required")
	}
	if _, ok := x.processedByKeyLocked(asset.Bucket, asset.Key); ok {
		return &catalog.ConflictError{Kind: "processed asset", Key: asset.Bucket + "/" + asset.Key}
	}
	if _, ok := x.runs[asset.RunID]; !ok {
		return catalog.NewNotFound("processing run", asset.RunID)
	}
	x.processed[asset.ID] = cloneProcessed(asset)
	return nil
}

// UpdateProcessedAsset overwrites an existing row.
func (x *Index) UpdateProcessedAsset(_ context.Context, asset catalog.ProcessedAsset) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.processed[asset.ID]; !ok {
		return catalog.NewNotFound("processed asset", asset.ID)
	}
	if other, ok := x.processedByKeyLocked(asset.Bucket, asset.Key); ok && other.ID != asset.ID {
		return &catalog.ConflictError{Kind: "processed asset", Key: asset.Bucket + "/" + asset.Key}
	}
	x.processed[asset.ID] = cloneProcessed(asset)
	return nil
}

// DeleteProcessedAsset removes a row by id.
func (x *Index) DeleteProcessedAsset(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.processed[id]; !ok {
		return catalog.NewNotFound("processed asset", id)
	}
	delete(x.processed, id)
	return nil
}

// RepointProcessedAsset moves a row from oldKey to newKey.
func (x *Index) RepointProcessedAsset(_ context.Context, bucket, oldKey, newKey string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.processedByKeyLocked(bucket, oldKey)
	if !ok {
		return false, nil
	}
	if _, taken := x.processedByKeyLocked(bucket, newKey); taken {
		return false, &catalog.ConflictError{Kind: "processed asset", Key: bucket + "/" + newKey}
	}
	p.Key = newKey
	x.processed[p.ID] = p
	return true, nil
}

func cloneScrape(s catalog.Scrape) catalog.Scrape {
	s.Tags = slices.Clone(s.Tags)
	s.Categories = slices.Clone(s.Categories)
	s.Models = slices.Clone(s.Models)
	s.Errors = slices.Clone(s.Errors)
	return s
}

func cloneProcessed(p catalog.ProcessedAsset) catalog.ProcessedAsset {
	if p.Score != nil {
		score := *p.Score
		p.Score = &score
	}
	return p
}
