package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

func seedPage(t *testing.T, idx *Index, id, url string) {
	t.Helper()
	require.NoError(t, idx.CreatePageReference(context.Background(), catalog.PageReference{ID: id, URL: url}))
}

func TestLabelUniqueness(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()

	require.NoError(t, idx.CreateLabel(ctx, catalog.Label{ID: "l1", Name: "red"}))
	err := idx.CreateLabel(ctx, catalog.Label{ID: "l2", Name: "red"})
	assert.ErrorIs(t, err, catalog.ErrConflict)

	got, err := idx.FindLabelByName(ctx, "red")
	require.NoError(t, err)
	assert.Equal(t, "l1", got.ID)

	_, err = idx.FindLabelByName(ctx, "blue")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestPageURLUniqueness(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	seedPage(t, idx, "p1", "https://example.com/a")
	err := idx.CreatePageReference(context.Background(), catalog.PageReference{ID: "p2", URL: "https://example.com/a"})
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestReplaceScrapeCascades(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	seedPage(t, idx, "p1", "https://example.com/a")

	first := catalog.Scrape{ID: "s1", PageReferenceID: "p1", Tags: []string{"x"}}
	require.NoError(t, idx.ReplaceScrape(ctx, first, []catalog.ScrapedImage{
		{ID: "i1", Position: 1, ImageURL: "https://cdn/b.jpg"},
		{ID: "i0", Position: 0, ImageURL: "https://cdn/a.jpg"},
	}))
	images, err := idx.ListScrapedImages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "i0", images[0].ID)
	assert.Equal(t, "s1", images[0].ScrapeID)

	second := catalog.Scrape{ID: "s2", PageReferenceID: "p1"}
	require.NoError(t, idx.ReplaceScrape(ctx, second, []catalog.ScrapedImage{{ID: "i2", Position: 0}}))

	_, err = idx.GetScrape(ctx, "s1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	got, err := idx.GetScrapeByPageReference(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.ID)
	_, err = idx.ListScrapedImages(ctx, "s1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestAssetHashUniqueness(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	require.NoError(t, idx.CreateAsset(ctx, catalog.Asset{ID: "a1", Hash: "h", Filename: "cat.jpg"}))
	err := idx.CreateAsset(ctx, catalog.Asset{ID: "a2", Hash: "h", Filename: "dog.jpg"})
	assert.ErrorIs(t, err, catalog.ErrConflict)

	got, err := idx.FindAssetByHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)

	got, err = idx.FindAssetByBaseName(ctx, "cat")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)

	_, err = idx.FindAssetByFilename(ctx, "dog.jpg")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestReferenceCountsAndDeleteCascade(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	seedPage(t, idx, "p1", "https://example.com/a")
	require.NoError(t, idx.CreateLabel(ctx, catalog.Label{ID: "l1", Name: "red"}))
	require.NoError(t, idx.CreateAsset(ctx, catalog.Asset{ID: "a1", Hash: "h1"}))
	require.NoError(t, idx.CreateAsset(ctx, catalog.Asset{ID: "a2", Hash: "h2"}))
	require.NoError(t, idx.ReplaceScrape(ctx, catalog.Scrape{ID: "s1", PageReferenceID: "p1"},
		[]catalog.ScrapedImage{{ID: "i1"}}))
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, idx.MarkImageStored(ctx, "i1", "a1", now))
	require.NoError(t, idx.LinkPageAsset(ctx, "p1", "a1"))
	require.NoError(t, idx.LinkPageAsset(ctx, "p1", "a1"))

	run, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r1", PageReferenceID: "p1", LabelID: "l1"})
	require.NoError(t, err)
	require.NoError(t, idx.CreateProcessedAsset(ctx, catalog.ProcessedAsset{
		ID: "pa1", RunID: run.ID, SourceAssetID: "a2", Bucket: "b", Key: "processed/x",
	}))

	refs, err := idx.CountAssetReferences(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, catalog.AssetReferences{PageReferences: 1, ScrapedImages: 1}, refs)

	img, err := idx.FindScrapedImageByAsset(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "i1", img.ID)
	require.NotNil(t, img.StoredAt)
	assert.Equal(t, now, *img.StoredAt)

	require.NoError(t, idx.DeletePageReference(ctx, "p1"))
	refs, err = idx.CountAssetReferences(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, refs.Orphaned())

	refs, err = idx.CountAssetReferences(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, 1, refs.ProcessedAssets)
	assert.False(t, refs.Orphaned())
}

func TestProcessingRunFindOrCreate(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	seedPage(t, idx, "p1", "https://example.com/a")
	require.NoError(t, idx.CreateLabel(ctx, catalog.Label{ID: "l1", Name: "red"}))

	first, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r1", PageReferenceID: "p1", LabelID: "l1"})
	require.NoError(t, err)
	second, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r2", PageReferenceID: "p1", LabelID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r3", PageReferenceID: "p1", LabelID: "nope"})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRepointProcessedAsset(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	seedPage(t, idx, "p1", "https://example.com/a")
	require.NoError(t, idx.CreateLabel(ctx, catalog.Label{ID: "l1", Name: "red"}))
	_, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r1", PageReferenceID: "p1", LabelID: "l1"})
	require.NoError(t, err)
	require.NoError(t, idx.CreateProcessedAsset(ctx, catalog.ProcessedAsset{ID: "pa1", RunID: "r1", Bucket: "b", Key: "old"}))

	moved, err := idx.RepointProcessedAsset(ctx, "b", "old", "new")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = idx.RepointProcessedAsset(ctx, "b", "old", "new")
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := idx.FindProcessedAssetByKey(ctx, "b", "new")
	require.NoError(t, err)
	assert.Equal(t, "pa1", got.ID)

	require.NoError(t, idx.CreateProcessedAsset(ctx, catalog.ProcessedAsset{ID: "pa2", RunID: "r1", Bucket: "b", Key: "old"}))
	_, err = idx.RepointProcessedAsset(ctx, "b", "old", "new")
	assert.ErrorIs(t, err, catalog.ErrConflict)
}

func TestDeletePageReferenceDetachesRuns(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	seedPage(t, idx, "p1", "https://example.com/a")
	require.NoError(t, idx.CreateLabel(ctx, catalog.Label{ID: "l1", Name: "red"}))
	_, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r1", PageReferenceID: "p1", LabelID: "l1"})
	require.NoError(t, err)
	require.NoError(t, idx.CreateProcessedAsset(ctx, catalog.ProcessedAsset{ID: "pa1", RunID: "r1", SourceAssetID: "a1", Bucket: "b", Key: "k"}))

	require.NoError(t, idx.DeletePageReference(ctx, "p1"))

	_, err = idx.FindProcessedAssetByKey(ctx, "b", "k")
	require.NoError(t, err)
	refs, err := idx.CountAssetReferences(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, refs.ProcessedAssets)

	seedPage(t, idx, "p2", "https://example.com/b")
	fresh, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r2", PageReferenceID: "p2", LabelID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, "r2", fresh.ID)
}

func TestDeleteProcessedAsset(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	ctx := context.Background()
	seedPage(t, idx, "p1", "https://example.com/a")
	require.NoError(t, idx.CreateLabel(ctx, catalog.Label{ID: "l1", Name: "red"}))
	_, err := idx.FindOrCreateProcessingRun(ctx, catalog.ProcessingRun{ID: "r1", PageReferenceID: "p1", LabelID: "l1"})
	require.NoError(t, err)
	require.NoError(t, idx.CreateProcessedAsset(ctx, catalog.ProcessedAsset{ID: "pa1", RunID: "r1", Bucket: "b", Key: "k"}))

	require.NoError(t, idx.DeleteProcessedAsset(ctx, "pa1"))
	_, err = idx.FindProcessedAssetByKey(ctx, "b", "k")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.ErrorIs(t, idx.DeleteProcessedAsset(ctx, "pa1"), catalog.ErrNotFound)
}
