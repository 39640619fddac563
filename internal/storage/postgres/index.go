// Package postgres provides the Postgres-backed relational index.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of a pgx pool the index needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Index implements catalog.Index on Postgres.
type Index struct {
	db DB
}

var _ catalog.Index = (*Index)(nil)

// New opens a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Index{db: pool}, nil
}

// NewWithDB constructs an index from an existing pool (primarily for testing).
func NewWithDB(db DB) (*Index, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Index{db: db}, nil
}

// Close releases the underlying pool resources.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	x.db.Close()
	return nil
}

// classify maps driver errors onto the catalog taxonomy.
func classify(err error, kind, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.NewNotFound(kind, key)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &catalog.ConflictError{Kind: kind, Key: key, Err: err}
	}
	return fmt.Errorf("%s %q: %w", kind, key, err)
}

// CreateLabel inserts a label.
func (x *Index) CreateLabel(ctx context.Context, label catalog.Label) error {
	_, err := x.db.Exec(ctx, `INSERT INTO labels (id, name) VALUES ($1, $2)`, label.ID, label.Name)
	if err != nil {
		return classify(err, "label", label.Name)
	}
	return nil
}

// GetLabel fetches a label by ID.
func (x *Index) GetLabel(ctx context.Context, id string) (catalog.Label, error) {
	var l catalog.Label
	err := x.db.QueryRow(ctx, `SELECT id, name FROM labels WHERE id = $1`, id).Scan(&l.ID, &l.Name)
	if err != nil {
		return catalog.Label{}, classify(err, "label", id)
	}
	return l, nil
}

// FindLabelByName fetches a label by name.
func (x *Index) FindLabelByName(ctx context.Context, name string) (catalog.Label, error) {
	var l catalog.Label
	err := x.db.QueryRow(ctx, `SELECT id, name FROM labels WHERE name = $1`, name).Scan(&l.ID, &l.Name)
	if err != nil {
		return catalog.Label{}, classify(err, "label", name)
	}
	return l, nil
}

// CreatePageReference inserts a page and its label links in one transaction.
func (x *Index) CreatePageReference(ctx context.Context, ref catalog.PageReference) error {
	tx, err := x.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO page_references (id, url, created_at) VALUES ($1, $2, $3)`,
		ref.ID, ref.URL, ref.CreatedAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		return classify(err, "page reference", ref.URL)
	}
	for _, labelID := range ref.LabelIDs {
		_, err = tx.Exec(ctx, `INSERT INTO page_reference_labels (page_reference_id, label_id) VALUES ($1, $2)`,
			ref.ID, labelID)
		if err != nil {
			_ = tx.Rollback(ctx)
			return classify(err, "page reference label", labelID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit page reference: %w", err)
	}
	return nil
}

// GetPageReference fetches a page and its label IDs.
func (x *Index) GetPageReference(ctx context.Context, id string) (catalog.PageReference, error) {
	var ref catalog.PageReference
	err := x.db.QueryRow(ctx, `SELECT id, url, created_at FROM page_references WHERE id = $1`, id).
		Scan(&ref.ID, &ref.URL, &ref.CreatedAt)
	if err != nil {
		return catalog.PageReference{}, classify(err, "page reference", id)
	}
	ref.LabelIDs, err = x.queryStrings(ctx,
		`SELECT label_id FROM page_reference_labels WHERE page_reference_id = $1 ORDER BY label_id`, id)
	if err != nil {
		return catalog.PageReference{}, err
	}
	return ref, nil
}

// DeletePageReference deletes the page; foreign keys cascade to its scrape,
// the scrape's images, label links and direct asset links. Processing runs are
// detached, so their processed assets keep source assets alive.
func (x *Index) DeletePageReference(ctx context.Context, id string) error {
	tag, err := x.db.Exec(ctx, `DELETE FROM page_references WHERE id = $1`, id)
	if err != nil {
		return classify(err, "page reference", id)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NewNotFound("page reference", id)
	}
	return nil
}

// LinkPageAsset records a direct page to asset link.
func (x *Index) LinkPageAsset(ctx context.Context, pageRefID, assetID string) error {
	_, err := x.db.Exec(ctx,
		`INSERT INTO page_reference_assets (page_reference_id, asset_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		pageRefID, assetID)
	if err != nil {
		return classify(err, "page asset link", pageRefID+"/"+assetID)
	}
	return nil
}

// PageAssetIDs lists the assets linked directly to a page.
func (x *Index) PageAssetIDs(ctx context.Context, pageRefID string) ([]string, error) {
	return x.queryStrings(ctx,
		`SELECT asset_id FROM page_reference_assets WHERE page_reference_id = $1 ORDER BY asset_id`, pageRefID)
}

func (x *Index) queryStrings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := x.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	return out, nil
}

// ReplaceScrape deletes the page's previous scrape (cascading to its images)
// and inserts the new one in a single transaction.
func (x *Index) ReplaceScrape(ctx context.Context, scrape catalog.Scrape, images []catalog.ScrapedImage) error {
	errorsJSON, err := json.Marshal(nonNilErrors(scrape.Errors))
	if err != nil {
		return fmt.Errorf("marshal scrape errors: %w", err)
	}
	tx, err := x.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	fail := func(err error) error {
		_ = tx.Rollback(ctx)
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scrapes WHERE page_reference_id = $1`, scrape.PageReferenceID); err != nil {
		return fail(fmt.Errorf("delete previous scrape: %w", err))
	}
	_, err = tx.Exec(ctx, `
INSERT INTO scrapes (
	id, page_reference_id, mode, preset, title, tags, categories, models, errors, stored, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		scrape.ID,
		scrape.PageReferenceID,
		string(scrape.Mode),
		string(scrape.Preset),
		scrape.Title,
		nonNil(scrape.Tags),
		nonNil(scrape.Categories),
		nonNil(scrape.Models),
		errorsJSON,
		scrape.Stored,
		scrape.CreatedAt,
	)
	if err != nil {
		return fail(classify(err, "scrape", scrape.ID))
	}
	for _, img := range images {
		_, err = tx.Exec(ctx, `
INSERT INTO scraped_images (
	id, scrape_id, position, source_url, image_url, filename, width, height, size, format, stored_at, asset_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			img.ID,
			scrape.ID,
			img.Position,
			img.SourceURL,
			img.ImageURL,
			img.Filename,
			img.Width,
			img.Height,
			img.Size,
			img.Format,
			img.StoredAt,
			img.AssetID,
		)
		if err != nil {
			return fail(classify(err, "scraped image", img.ID))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit scrape: %w", err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilErrors(values []catalog.URLError) []catalog.URLError {
	if values == nil {
		return []catalog.URLError{}
	}
	return values
}

const scrapeColumns = `id, page_reference_id, mode, preset, title, tags, categories, models, errors, stored, created_at`

func scanScrape(row pgx.Row) (catalog.Scrape, error) {
	var (
		s          catalog.Scrape
		mode       string
		preset     string
		errorsJSON []byte
	)
	if err := row.Scan(&s.ID, &s.PageReferenceID, &mode, &preset, &s.Title,
		&s.Tags, &s.Categories, &s.Models, &errorsJSON, &s.Stored, &s.CreatedAt); err != nil {
		return catalog.Scrape{}, err
	}
	s.Mode = catalog.ExtractionMode(mode)
	s.Preset = catalog.SizePreset(preset)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &s.Errors); err != nil {
			return catalog.Scrape{}, fmt.Errorf("decode scrape errors: %w", err)
		}
	}
	return s, nil
}

// GetScrape fetches a scrape by ID.
func (x *Index) GetScrape(ctx context.Context, id string) (catalog.Scrape, error) {
	s, err := scanScrape(x.db.QueryRow(ctx, `SELECT `+scrapeColumns+` FROM scrapes WHERE id = $1`, id))
	if err != nil {
		return catalog.Scrape{}, classify(err, "scrape", id)
	}
	return s, nil
}

// GetScrapeByPageReference fetches the page's scrape.
func (x *Index) GetScrapeByPageReference(ctx context.Context, pageRefID string) (catalog.Scrape, error) {
	s, err := scanScrape(x.db.QueryRow(ctx,
		`SELECT `+scrapeColumns+` FROM scrapes WHERE page_reference_id = $1`, pageRefID))
	if err != nil {
		return catalog.Scrape{}, classify(err, "scrape for page reference", pageRefID)
	}
	return s, nil
}

const imageColumns = `id, scrape_id, position, source_url, image_url, filename, width, height, size, format, stored_at, asset_id`

func scanImage(row pgx.Row) (catalog.ScrapedImage, error) {
	var img catalog.ScrapedImage
	err := row.Scan(&img.ID, &img.ScrapeID, &img.Position, &img.SourceURL, &img.ImageURL, &img.Filename,
		&img.Width, &img.Height, &img.Size, &img.Format, &img.StoredAt, &img.AssetID)
	return img, err
}

// ListScrapedImages returns a scrape's images ordered by position.
func (x *Index) ListScrapedImages(ctx context.Context, scrapeID string) ([]catalog.ScrapedImage, error) {
	rows, err := x.db.Query(ctx,
		`SELECT `+imageColumns+` FROM scraped_images WHERE scrape_id = $1 ORDER BY position`, scrapeID)
	if err != nil {
		return nil, fmt.Errorf("list scraped images: %w", err)
	}
	defer rows.Close()
	var out []catalog.ScrapedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scraped image: %w", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scraped images: %w", err)
	}
	return out, nil
}

// MarkImageStored links an image to its asset and stamps the stored time.
func (x *Index) MarkImageStored(ctx context.Context, imageID, assetID string, at time.Time) error {
	tag, err := x.db.Exec(ctx, `UPDATE scraped_images SET asset_id = $2, stored_at = $3 WHERE id = $1`,
		imageID, assetID, at)
	if err != nil {
		return classify(err, "scraped image", imageID)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NewNotFound("scraped image", imageID)
	}
	return nil
}

// MarkScrapeStored sets the scrape's stored flag.
func (x *Index) MarkScrapeStored(ctx context.Context, scrapeID string) error {
	tag, err := x.db.Exec(ctx, `UPDATE scrapes SET stored = TRUE WHERE id = $1`, scrapeID)
	if err != nil {
		return classify(err, "scrape", scrapeID)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NewNotFound("scrape", scrapeID)
	}
	return nil
}

// FindScrapedImageByAsset returns one image linked to the asset.
func (x *Index) FindScrapedImageByAsset(ctx context.Context, assetID string) (catalog.ScrapedImage, error) {
	img, err := scanImage(x.db.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM scraped_images WHERE asset_id = $1 ORDER BY position, id LIMIT 1`, assetID))
	if err != nil {
		return catalog.ScrapedImage{}, classify(err, "scraped image for asset", assetID)
	}
	return img, nil
}

const assetColumns = `id, hash, filename, origin_url, bucket, key, created_at`

func scanAsset(row pgx.Row) (catalog.Asset, error) {
	var a catalog.Asset
	err := row.Scan(&a.ID, &a.Hash, &a.Filename, &a.OriginURL, &a.Bucket, &a.Key, &a.CreatedAt)
	return a, err
}

// GetAsset fetches an asset by ID.
func (x *Index) GetAsset(ctx context.Context, id string) (catalog.Asset, error) {
	a, err := scanAsset(x.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		return catalog.Asset{}, classify(err, "asset", id)
	}
	return a, nil
}

// FindAssetByHash is the fingerprint lookup.
func (x *Index) FindAssetByHash(ctx context.Context, hash string) (catalog.Asset, error) {
	a, err := scanAsset(x.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE hash = $1`, hash))
	if err != nil {
		return catalog.Asset{}, classify(err, "asset with hash", hash)
	}
	return a, nil
}

// FindAssetByFilename matches the canonical filename exactly.
func (x *Index) FindAssetByFilename(ctx context.Context, filename string) (catalog.Asset, error) {
	a, err := scanAsset(x.db.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE filename = $1 ORDER BY created_at, id LIMIT 1`, filename))
	if err != nil {
		return catalog.Asset{}, classify(err, "asset with filename", filename)
	}
	return a, nil
}

// FindAssetByBaseName matches the canonical filename with its extension removed.
func (x *Index) FindAssetByBaseName(ctx context.Context, base string) (catalog.Asset, error) {
	a, err := scanAsset(x.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets
WHERE regexp_replace(filename, '\.[^./]*$', '') = $1 ORDER BY created_at, id LIMIT 1`, base))
	if err != nil {
		return catalog.Asset{}, classify(err, "asset with base name", base)
	}
	return a, nil
}

// CreateAsset inserts an asset; the unique hash index turns a duplicate into
// a ConflictError.
func (x *Index) CreateAsset(ctx context.Context, asset catalog.Asset) error {
	_, err := x.db.Exec(ctx, `
INSERT INTO assets (id, hash, filename, origin_url, bucket, key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		asset.ID, asset.Hash, asset.Filename, asset.OriginURL, asset.Bucket, asset.Key, asset.CreatedAt)
	if err != nil {
		return classify(err, "asset", asset.Hash)
	}
	return nil
}

// DeleteAsset removes the asset row; direct page links cascade.
func (x *Index) DeleteAsset(ctx context.Context, id string) error {
	tag, err := x.db.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return classify(err, "asset", id)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NewNotFound("asset", id)
	}
	return nil
}

// CountAssetReferences counts surviving references of every kind.
func (x *Index) CountAssetReferences(ctx context.Context, id string) (catalog.AssetReferences, error) {
	var refs catalog.AssetReferences
	err := x.db.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM page_reference_assets WHERE asset_id = $1),
	(SELECT count(*) FROM scraped_images WHERE asset_id = $1),
	(SELECT count(*) FROM processed_assets WHERE source_asset_id = $1)`, id).
		Scan(&refs.PageReferences, &refs.ScrapedImages, &refs.ProcessedAssets)
	if err != nil {
		return catalog.AssetReferences{}, fmt.Errorf("count references for asset %q: %w", id, err)
	}
	return refs, nil
}

// FindOrCreateProcessingRun inserts the run unless (page, label) already
// has one, then returns the surviving row.
func (x *Index) FindOrCreateProcessingRun(ctx context.Context, run catalog.ProcessingRun) (catalog.ProcessingRun, error) {
	_, err := x.db.Exec(ctx, `
INSERT INTO processing_runs (id, page_reference_id, label_id) VALUES ($1,$2,$3)
ON CONFLICT (page_reference_id, label_id) DO NOTHING`,
		run.ID, run.PageReferenceID, run.LabelID)
	if err != nil {
		return catalog.ProcessingRun{}, classify(err, "processing run", run.PageReferenceID+"/"+run.LabelID)
	}
	var out catalog.ProcessingRun
	err = x.db.QueryRow(ctx, `
SELECT id, page_reference_id, label_id FROM processing_runs
WHERE page_reference_id = $1 AND label_id = $2`, run.PageReferenceID, run.LabelID).
		Scan(&out.ID, &out.PageReferenceID, &out.LabelID)
	if err != nil {
		return catalog.ProcessingRun{}, classify(err, "processing run", run.PageReferenceID+"/"+run.LabelID)
	}
	return out, nil
}

// FindProcessedAssetByKey fetches a processed asset by its storage key.
func (x *Index) FindProcessedAssetByKey(ctx context.Context, bucket, key string) (catalog.ProcessedAsset, error) {
	var p catalog.ProcessedAsset
	err := x.db.QueryRow(ctx, `
SELECT id, run_id, source_asset_id, filename, bucket, key, hidden, flagged, score
FROM processed_assets WHERE bucket = $1 AND key = $2`, bucket, key).
		Scan(&p.ID, &p.RunID, &p.SourceAssetID, &p.Filename, &p.Bucket, &p.Key, &p.Hidden, &p.Flagged, &p.Score)
	if err != nil {
		return catalog.ProcessedAsset{}, classify(err, "processed asset", bucket+"/"+key)
	}
	return p, nil
}

// CreateProcessedAsset inserts a processed asset row.
func (x *Index) CreateProcessedAsset(ctx context.Context, asset catalog.ProcessedAsset) error {
	_, err := x.db.Exec(ctx, `
INSERT INTO processed_assets (id, run_id, source_asset_id, filename, bucket, key, hidden, flagged, score)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		asset.ID, asset.RunID, asset.SourceAssetID, asset.Filename, asset.Bucket, asset.Key,
		asset.Hidden, asset.Flagged, asset.Score)
	if err != nil {
		return classify(err, "processed asset", asset.Bucket+"/"+asset.Key)
	}
	return nil
}

// UpdateProcessedAsset overwrites an existing row.
func (x *Index) UpdateProcessedAsset(ctx context.Context, asset catalog.ProcessedAsset) error {
	tag, err := x.db.Exec(ctx, `
UPDATE processed_assets
SET run_id = $2, source_asset_id = $3, filename = $4, bucket = $5, key = $6, hidden = $7, flagged = $8, score = $9
WHERE id = $1`,
		asset.ID, asset.RunID, asset.SourceAssetID, asset.Filename, asset.Bucket, asset.Key,
		asset.Hidden, asset.Flagged, asset.Score)
	if err != nil {
		return classify(err, "processed asset", asset.Bucket+"/"+asset.Key)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NewNotFound("processed asset", asset.ID)
	}
	return nil
}

// DeleteProcessedAsset removes a row by id.
func (x *Index) DeleteProcessedAsset(ctx context.Context, id string) error {
	tag, err := x.db.Exec(ctx, `DELETE FROM processed_assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete processed asset %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.NewNotFound("processed asset", id)
	}
	return nil
}

// RepointProcessedAsset moves a row from oldKey to newKey.
func (x *Index) RepointProcessedAsset(ctx context.Context, bucket, oldKey, newKey string) (bool, error) {
	tag, err := x.db.Exec(ctx, `UPDATE processed_assets SET key = $3 WHERE bucket = $1 AND key = $2`,
		bucket, oldKey, newKey)
	if err != nil {
		return false, classify(err, "processed asset", bucket+"/"+newKey)
	}
	return tag.RowsAffected() > 0, nil
}
