package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

const jobColumns = `id, source_url, job_type, status, progress,
	pages_scraped, documents_processed, links_discovered, records_found,
	errors_encountered, processing_time_ms, ai_analyzed,
	config, COALESCE(webhook_url, ''), priority, COALESCE(owner_id, ''), COALESCE(org_id, ''),
	COALESCE(error_message, ''), result, created_at, started_at, completed_at`

var terminalStatuses = []string{
	string(crawler.JobStatusCompleted),
	string(crawler.JobStatusFailed),
	string(crawler.JobStatusCancelled),
}

// JobStore persists jobs in the jobs table.
type JobStore struct {
	db *DB
}

// NewJobStore creates a JobStore on db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	configJSON, err := marshalJSON(job.Config)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO jobs (
	id, source_url, job_type, status, progress, config, webhook_url,
	priority, owner_id, org_id, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.db.pool.Exec(ctx, query,
		job.ID,
		job.SourceURL,
		string(job.Type),
		string(job.Status),
		job.Progress,
		configJSON,
		nullString(job.WebhookURL),
		job.Priority,
		nullString(job.OwnerID),
		nullString(job.OrgID),
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Job{}, crawler.ErrNotFound
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns a page of jobs ordered by priority desc then creation time desc.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	var where whereBuilder
	if filter.OwnerID != "" {
		where.add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Status != "" {
		where.add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		where.add("job_type = $%d", string(filter.Type))
	}

	var total int
	if err := s.db.pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+where.sql(), where.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	n := where.next()
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY priority DESC, created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where.sql(), n, n+1)
	rows, err := s.db.pool.Query(ctx, query, append(where.args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]crawler.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// TransitionJob applies a status change when the job is in one of from.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	jobID string,
	from []crawler.JobStatus,
	next crawler.JobTransition,
) (crawler.Job, error) {
	var resultJSON []byte
	if next.Result != nil {
		data, err := marshalJSON(next.Result)
		if err != nil {
			return crawler.Job{}, err
		}
		resultJSON = data
	}
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}

	query := `
UPDATE jobs SET
	status = $2::text,
	started_at = CASE WHEN $2::text = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
	completed_at = CASE WHEN $2::text = ANY($4::text[]) THEN $3 ELSE completed_at END,
	error_message = COALESCE(NULLIF($5::text, ''), error_message),
	progress = GREATEST(progress, COALESCE($6::int, progress)),
	result = COALESCE($7::jsonb, result)
WHERE id = $1 AND status = ANY($8::text[])
RETURNING ` + jobColumns
	row := s.db.pool.QueryRow(ctx, query,
		jobID,
		string(next.Status),
		next.At,
		terminalStatuses,
		next.ErrorMessage,
		next.Progress,
		resultJSON,
		allowed,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("transition job: %w", err)
	}
	return crawler.Job{}, s.missOrConflict(ctx, jobID)
}

// UpdateProgress raises the progress of a running job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int) (crawler.Job, error) {
	query := `UPDATE jobs SET progress = GREATEST(progress, $2) WHERE id = $1 AND status = 'running' RETURNING ` + jobColumns
	job, err := scanJob(s.db.pool.QueryRow(ctx, query, jobID, progress))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("update progress: %w", err)
	}
	return crawler.Job{}, s.missOrConflict(ctx, jobID)
}

// AddStats adds delta to a non-terminal job's counters.
func (s *JobStore) AddStats(ctx context.Context, jobID string, delta crawler.JobStats) error {
	delta = crawler.JobStats{}.Add(delta)
	const query = `
UPDATE jobs SET
	pages_scraped = pages_scraped + $2,
	documents_processed = documents_processed + $3,
	links_discovered = links_discovered + $4,
	records_found = records_found + $5,
	errors_encountered = errors_encountered + $6,
	processing_time_ms = processing_time_ms + $7,
	ai_analyzed = ai_analyzed + $8
WHERE id = $1 AND NOT (status = ANY($9::text[]))`
	tag, err := s.db.pool.Exec(ctx, query,
		jobID,
		delta.PagesScraped,
		delta.DocumentsProcessed,
		delta.LinksDiscovered,
		delta.RecordsFound,
		delta.ErrorsEncountered,
		delta.ProcessingTimeMs,
		delta.AIAnalyzed,
		terminalStatuses,
	)
	if err != nil {
		return fmt.Errorf("add job stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, jobID)
	}
	return nil
}

// Statistics aggregates counters across matching jobs.
func (s *JobStore) Statistics(ctx context.Context, filter crawler.StatsFilter) (crawler.Statistics, error) {
	var where whereBuilder
	if filter.OwnerID != "" {
		where.add("owner_id = $%d", filter.OwnerID)
	}
	if filter.From != nil {
		where.add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		where.add("created_at <= $%d", *filter.To)
	}
	query := `
SELECT
	count(*),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed'),
	COALESCE(sum(pages_scraped), 0),
	COALESCE(sum(documents_processed), 0),
	COALESCE(sum(records_found), 0),
	COALESCE(avg(processing_time_ms) FILTER (WHERE status = 'completed'), 0)::float8
FROM jobs` + where.sql()

	var (
		out                          crawler.Statistics
		total, completed, failed     int64
		pages, documents, recordsSum int64
	)
	err := s.db.pool.QueryRow(ctx, query, where.args...).Scan(
		&total, &completed, &failed, &pages, &documents, &recordsSum, &out.AverageProcessingTimeMs,
	)
	if err != nil {
		return crawler.Statistics{}, fmt.Errorf("job statistics: %w", err)
	}
	out.TotalJobs = int(total)
	out.CompletedJobs = int(completed)
	out.FailedJobs = int(failed)
	out.TotalPages = int(pages)
	out.TotalDocuments = int(documents)
	out.TotalRecords = int(recordsSum)
	return out, nil
}

func (s *JobStore) missOrConflict(ctx context.Context, jobID string) error {
	var status string
	err := s.db.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return crawler.ErrNotFound
	case err != nil:
		return fmt.Errorf("lookup job status: %w", err)
	default:
		return crawler.ErrStatusConflict
	}
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job        crawler.Job
		jobType    string
		status     string
		configJSON []byte
		resultJSON []byte
		started    *time.Time
		completed  *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&jobType,
		&status,
		&job.Progress,
		&job.Stats.PagesScraped,
		&job.Stats.DocumentsProcessed,
		&job.Stats.LinksDiscovered,
		&job.Stats.RecordsFound,
		&job.Stats.ErrorsEncountered,
		&job.Stats.ProcessingTimeMs,
		&job.Stats.AIAnalyzed,
		&configJSON,
		&job.WebhookURL,
		&job.Priority,
		&job.OwnerID,
		&job.OrgID,
		&job.ErrorMessage,
		&resultJSON,
		&job.CreatedAt,
		&started,
		&completed,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Type = crawler.JobType(jobType)
	job.Status = crawler.JobStatus(status)
	job.StartedAt = started
	job.CompletedAt = completed
	if err := unmarshalJSON(configJSON, &job.Config); err != nil {
		return crawler.Job{}, err
	}
	if len(resultJSON) > 0 {
		var result crawler.JobResult
		if err := unmarshalJSON(resultJSON, &result); err != nil {
			return crawler.Job{}, err
		}
		job.Result = &result
	}
	return job, nil
}
