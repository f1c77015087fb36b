package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

const recordColumns = `id, content_id, job_id, title, COALESCE(description, ''), amount_min, amount_max,
	COALESCE(currency, ''), deadline, eligibility, categories, contact_info, confidence, ai_metadata, created_at`

// RecordStore persists extracted records.
type RecordStore struct {
	db *DB
}

// NewRecordStore creates a RecordStore on db.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// InsertRecord writes a record. Records without a title are rejected before reaching the database.
func (s *RecordStore) InsertRecord(ctx context.Context, record crawler.ExtractedRecord) (crawler.ExtractedRecord, error) {
	if strings.TrimSpace(record.Title) == "" {
		return crawler.ExtractedRecord{}, fmt.Errorf("record title is required")
	}
	record.Confidence = crawler.Clamp01(record.Confidence)

	eligibility, err := marshalJSON(record.Eligibility)
	if err != nil {
		return crawler.ExtractedRecord{}, err
	}
	categories, err := marshalJSON(record.Categories)
	if err != nil {
		return crawler.ExtractedRecord{}, err
	}
	contact, err := marshalJSON(record.ContactInfo)
	if err != nil {
		return crawler.ExtractedRecord{}, err
	}
	metadata, err := marshalJSON(record.AIMetadata)
	if err != nil {
		return crawler.ExtractedRecord{}, err
	}

	const query = `
INSERT INTO extracted_records (
	id, content_id, job_id, title, description, amount_min, amount_max, currency,
	deadline, eligibility, categories, contact_info, confidence, ai_metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = s.db.pool.Exec(ctx, query,
		record.ID,
		record.ContentID,
		record.JobID,
		record.Title,
		nullString(record.Description),
		record.AmountMin,
		record.AmountMax,
		nullString(record.Currency),
		record.Deadline,
		eligibility,
		categories,
		contact,
		record.Confidence,
		metadata,
		record.CreatedAt,
	)
	if err != nil {
		return crawler.ExtractedRecord{}, fmt.Errorf("insert record: %w", err)
	}
	return record, nil
}

// ListRecords returns records ordered by confidence desc then recency.
func (s *RecordStore) ListRecords(ctx context.Context, filter crawler.RecordFilter) ([]crawler.ExtractedRecord, int, error) {
	var where whereBuilder
	if filter.JobID != "" {
		where.add("job_id = $%d", filter.JobID)
	}
	if filter.MinConfidence != nil {
		where.add("confidence >= $%d", *filter.MinConfidence)
	}
	if filter.DeadlineAfter != nil {
		where.add("deadline >= $%d", *filter.DeadlineAfter)
	}
	if filter.DeadlineBefore != nil {
		where.add("deadline <= $%d", *filter.DeadlineBefore)
	}

	var total int
	if err := s.db.pool.QueryRow(ctx, `SELECT count(*) FROM extracted_records`+where.sql(), where.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	n := where.next()
	query := fmt.Sprintf(`SELECT %s FROM extracted_records%s ORDER BY confidence DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where.sql(), n, n+1)
	rows, err := s.db.pool.Query(ctx, query, append(where.args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.ExtractedRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate records: %w", err)
	}
	return out, total, nil
}

func scanRecord(row pgx.Row) (crawler.ExtractedRecord, error) {
	var (
		rec         crawler.ExtractedRecord
		deadline    *time.Time
		eligibility []byte
		categories  []byte
		contact     []byte
		metadata    []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.ContentID,
		&rec.JobID,
		&rec.Title,
		&rec.Description,
		&rec.AmountMin,
		&rec.AmountMax,
		&rec.Currency,
		&deadline,
		&eligibility,
		&categories,
		&contact,
		&rec.Confidence,
		&metadata,
		&rec.CreatedAt,
	)
	if err != nil {
		return crawler.ExtractedRecord{}, err
	}
	rec.Deadline = deadline
	for _, pair := range []struct {
		data []byte
		dst  any
	}{
		{eligibility, &rec.Eligibility},
		{categories, &rec.Categories},
		{contact, &rec.ContactInfo},
		{metadata, &rec.AIMetadata},
	} {
		if err := unmarshalJSON(pair.data, pair.dst); err != nil {
			return crawler.ExtractedRecord{}, err
		}
	}
	return rec, nil
}
