package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

func newMockIndex(t *testing.T) (*Index, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	idx, err := NewWithDB(mock)
	require.NoError(t, err)
	return idx, mock
}

func TestNewWithDBRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithDB(nil)
	assert.Error(t, err)
}

func TestCreateAssetInsertsRow(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)
	now := time.Unix(1700000000, 0).UTC()
	asset := catalog.Asset{
		ID:        "a1",
		Hash:      "abc123",
		Filename:  "cat.jpg",
		OriginURL: "https://cdn.example.com/cat.jpg",
		Bucket:    "vault",
		Key:       "stored/cat.jpg",
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO assets").
		WithArgs(asset.ID, asset.Hash, asset.Filename, asset.OriginURL, asset.Bucket, asset.Key, asset.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, idx.CreateAsset(context.Background(), asset))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAssetDuplicateHashConflicts(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectExec("INSERT INTO assets").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "assets_hash_key"})

	err := idx.CreateAsset(context.Background(), catalog.Asset{ID: "a2", Hash: "abc123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrConflict)
	var conflict *catalog.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "abc123", conflict.Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAssetByHash(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{"id", "hash", "filename", "origin_url", "bucket", "key", "created_at"}).
		AddRow("a1", "abc123", "cat.jpg", "https://cdn.example.com/cat.jpg", "vault", "stored/cat.jpg", now)
	mock.ExpectQuery("FROM assets WHERE hash").WithArgs("abc123").WillReturnRows(rows)

	got, err := idx.FindAssetByHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "stored/cat.jpg", got.Key)
	assert.Equal(t, now, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAssetByHashMissing(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectQuery("FROM assets WHERE hash").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := idx.FindAssetByHash(context.Background(), "nope")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceScrapeRunsInTransaction(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)
	now := time.Unix(1700000000, 0).UTC()
	scrape := catalog.Scrape{
		ID:              "s2",
		PageReferenceID: "p1",
		Mode:            catalog.ModeLight,
		Preset:          catalog.SizeAll,
		Title:           "Gallery",
		Tags:            []string{"cats"},
		CreatedAt:       now,
	}
	images := []catalog.ScrapedImage{
		{ID: "i1", Position: 0, SourceURL: "https://example.com/g", ImageURL: "https://cdn/a.jpg", Filename: "a.jpg"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM scrapes WHERE page_reference_id").
		WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO scrapes").
		WithArgs("s2", "p1", "light", "all", "Gallery", []string{"cats"}, []string{}, []string{},
			[]byte(`[]`), false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO scraped_images").
		WithArgs("i1", "s2", 0, "https://example.com/g", "https://cdn/a.jpg", "a.jpg",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, idx.ReplaceScrape(context.Background(), scrape, images))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceScrapeRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM scrapes WHERE page_reference_id").
		WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO scrapes").
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	err := idx.ReplaceScrape(context.Background(), catalog.Scrape{ID: "s1", PageReferenceID: "p1"}, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAssetReferences(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectQuery("SELECT").
		WithArgs("a1").
		WillReturnRows(pgxmock.NewRows([]string{"pages", "images", "processed"}).AddRow(0, 2, 1))

	refs, err := idx.CountAssetReferences(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, catalog.AssetReferences{ScrapedImages: 2, ProcessedAssets: 1}, refs)
	assert.False(t, refs.Orphaned())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePageReferenceMissing(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectExec("DELETE FROM page_references").
		WithArgs("p9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := idx.DeletePageReference(context.Background(), "p9")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepointProcessedAsset(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectExec("UPDATE processed_assets SET key").
		WithArgs("vault", "processed/a---processed@red_1.webp", "processed/red/a---processed@red_1.webp").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE processed_assets SET key").
		WithArgs("vault", "processed/b---processed@red_1.webp", "processed/red/b---processed@red_1.webp").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	moved, err := idx.RepointProcessedAsset(context.Background(), "vault",
		"processed/a---processed@red_1.webp", "processed/red/a---processed@red_1.webp")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = idx.RepointProcessedAsset(context.Background(), "vault",
		"processed/b---processed@red_1.webp", "processed/red/b---processed@red_1.webp")
	require.NoError(t, err)
	assert.False(t, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProcessedAsset(t *testing.T) {
	t.Parallel()
	idx, mock := newMockIndex(t)

	mock.ExpectExec("DELETE FROM processed_assets").
		WithArgs("pa1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM processed_assets").
		WithArgs("pa1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, idx.DeleteProcessedAsset(context.Background(), "pa1"))
	assert.ErrorIs(t, idx.DeleteProcessedAsset(context.Background(), "pa1"), catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()
	got, err := migrateURL("postgres://u:p@localhost:5432/vault?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://u:p@localhost:5432/vault?sslmode=disable", got)

	got, err = migrateURL("postgresql://localhost/vault")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://localhost/vault", got)

	_, err = migrateURL("host=localhost dbname=vault")
	assert.Error(t, err)
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	t.Parallel()
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_create_catalog.up.sql")
	assert.Contains(t, names, "000001_create_catalog.down.sql")
	assert.Contains(t, names, "000002_keep_processing_runs.up.sql")

	up, err := migrationFS.ReadFile("migrations/000002_keep_processing_runs.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "ON DELETE SET NULL")
}
