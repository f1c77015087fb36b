package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

const contentColumns = `id, job_id, url, title, content, markdown, COALESCE(raw_html, ''),
	COALESCE(blob_uri, ''), COALESCE(screenshot_uri, ''), content_hash, metadata, structured_data,
	ai_analysis, COALESCE(ai_error, ''), confidence, content_type, status, created_at, updated_at`

// ContentStore persists scraped pages and documents.
type ContentStore struct {
	db *DB
}

// NewContentStore creates a ContentStore on db.
func NewContentStore(db *DB) *ContentStore {
	return &ContentStore{db: db}
}

// UpsertContent inserts or replaces the row keyed by (job_id, url).
func (s *ContentStore) UpsertContent(ctx context.Context, content crawler.ScrapedContent) (crawler.ScrapedContent, error) {
	metadata, err := marshalJSON(content.Metadata)
	if err != nil {
		return crawler.ScrapedContent{}, err
	}
	structured, err := marshalJSON(content.StructuredData)
	if err != nil {
		return crawler.ScrapedContent{}, err
	}
	analysis, err := marshalJSON(content.AIAnalysis)
	if err != nil {
		return crawler.ScrapedContent{}, err
	}
	if content.UpdatedAt.IsZero() {
		content.UpdatedAt = content.CreatedAt
	}

	const query = `
INSERT INTO scraped_content (
	id, job_id, url, title, content, markdown, raw_html, blob_uri, screenshot_uri,
	content_hash, metadata, structured_data, ai_analysis, ai_error, confidence,
	content_type, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (job_id, url) DO UPDATE SET
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	markdown = EXCLUDED.markdown,
	raw_html = EXCLUDED.raw_html,
	blob_uri = EXCLUDED.blob_uri,
	screenshot_uri = EXCLUDED.screenshot_uri,
	content_hash = EXCLUDED.content_hash,
	metadata = EXCLUDED.metadata,
	structured_data = EXCLUDED.structured_data,
	ai_analysis = EXCLUDED.ai_analysis,
	ai_error = EXCLUDED.ai_error,
	confidence = EXCLUDED.confidence,
	content_type = EXCLUDED.content_type,
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at
RETURNING id, created_at`

	err = s.db.pool.QueryRow(ctx, query,
		content.ID,
		content.JobID,
		content.URL,
		content.Title,
		content.Content,
		content.Markdown,
		nullString(content.RawHTML),
		nullString(content.BlobURI),
		nullString(content.ScreenshotURI),
		content.ContentHash,
		metadata,
		structured,
		analysis,
		nullString(content.AIError),
		crawler.Clamp01(content.Confidence),
		string(content.ContentType),
		string(content.Status),
		content.CreatedAt,
		content.UpdatedAt,
	).Scan(&content.ID, &content.CreatedAt)
	if err != nil {
		return crawler.ScrapedContent{}, fmt.Errorf("upsert content: %w", err)
	}
	content.Confidence = crawler.Clamp01(content.Confidence)
	return content, nil
}

// GetContent fetches a row by ID.
func (s *ContentStore) GetContent(ctx context.Context, contentID string) (crawler.ScrapedContent, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+contentColumns+` FROM scraped_content WHERE id = $1`, contentID)
	content, err := scanContent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ScrapedContent{}, crawler.ErrNotFound
		}
		return crawler.ScrapedContent{}, fmt.Errorf("get content: %w", err)
	}
	return content, nil
}

// ListContent returns a page of content rows in creation order.
func (s *ContentStore) ListContent(ctx context.Context, filter crawler.ContentFilter) ([]crawler.ScrapedContent, int, error) {
	var where whereBuilder
	if filter.JobID != "" {
		where.add("job_id = $%d", filter.JobID)
	}
	if filter.ContentType != "" {
		where.add("content_type = $%d", string(filter.ContentType))
	}

	var total int
	if err := s.db.pool.QueryRow(ctx, `SELECT count(*) FROM scraped_content`+where.sql(), where.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count content: %w", err)
	}

	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	n := where.next()
	query := fmt.Sprintf(`SELECT %s FROM scraped_content%s ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`,
		contentColumns, where.sql(), n, n+1)
	rows, err := s.db.pool.Query(ctx, query, append(where.args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.ScrapedContent, 0, limit)
	for rows.Next() {
		content, err := scanContent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate content: %w", err)
	}
	return out, total, nil
}

// LatestForURL returns the newest row for url written by another job.
func (s *ContentStore) LatestForURL(ctx context.Context, url, excludeJobID string) (crawler.ScrapedContent, error) {
	query := `SELECT ` + contentColumns + ` FROM scraped_content
WHERE url = $1 AND job_id <> $2
ORDER BY updated_at DESC
LIMIT 1`
	content, err := scanContent(s.db.pool.QueryRow(ctx, query, url, excludeJobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ScrapedContent{}, crawler.ErrNotFound
		}
		return crawler.ScrapedContent{}, fmt.Errorf("latest content for url: %w", err)
	}
	return content, nil
}

func scanContent(row pgx.Row) (crawler.ScrapedContent, error) {
	var (
		c           crawler.ScrapedContent
		metadata    []byte
		structured  []byte
		analysis    []byte
		contentType string
		status      string
	)
	err := row.Scan(
		&c.ID,
		&c.JobID,
		&c.URL,
		&c.Title,
		&c.Content,
		&c.Markdown,
		&c.RawHTML,
		&c.BlobURI,
		&c.ScreenshotURI,
		&c.ContentHash,
		&metadata,
		&structured,
		&analysis,
		&c.AIError,
		&c.Confidence,
		&contentType,
		&status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return crawler.ScrapedContent{}, err
	}
	c.ContentType = crawler.ContentType(contentType)
	c.Status = crawler.ContentStatus(status)
	if err := unmarshalJSON(metadata, &c.Metadata); err != nil {
		return crawler.ScrapedContent{}, err
	}
	if err := unmarshalJSON(structured, &c.StructuredData); err != nil {
		return crawler.ScrapedContent{}, err
	}
	if err := unmarshalJSON(analysis, &c.AIAnalysis); err != nil {
		return crawler.ScrapedContent{}, err
	}
	return c, nil
}
