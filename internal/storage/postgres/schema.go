package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	source_url          TEXT NOT NULL,
	job_type            TEXT NOT NULL,
	status              TEXT NOT NULL,
	progress            INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	pages_scraped       INTEGER NOT NULL DEFAULT 0,
	documents_processed INTEGER NOT NULL DEFAULT 0,
	links_discovered    INTEGER NOT NULL DEFAULT 0,
	records_found       INTEGER NOT NULL DEFAULT 0,
	errors_encountered  INTEGER NOT NULL DEFAULT 0,
	processing_time_ms  BIGINT NOT NULL DEFAULT 0,
	ai_analyzed         INTEGER NOT NULL DEFAULT 0,
	config              JSONB NOT NULL,
	webhook_url         TEXT,
	priority            INTEGER NOT NULL DEFAULT 0,
	owner_id            TEXT,
	org_id              TEXT,
	error_message       TEXT,
	result              JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS jobs_schedule_idx ON jobs (status, priority DESC, created_at)`,
	`CREATE INDEX IF NOT EXISTS jobs_owner_idx ON jobs (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS scraped_content (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	url             TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL DEFAULT '',
	markdown        TEXT NOT NULL DEFAULT '',
	raw_html        TEXT,
	blob_uri        TEXT,
	screenshot_uri  TEXT,
	content_hash    TEXT NOT NULL DEFAULT '',
	metadata        JSONB,
	structured_data JSONB,
	ai_analysis     JSONB,
	ai_error        TEXT,
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (confidence BETWEEN 0 AND 1),
	content_type    TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, url)
)`,
	`CREATE INDEX IF NOT EXISTS scraped_content_url_idx ON scraped_content (url, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS extracted_records (
	id           TEXT PRIMARY KEY,
	content_id   TEXT NOT NULL REFERENCES scraped_content(id) ON DELETE CASCADE,
	job_id       TEXT NOT NULL,
	title        TEXT NOT NULL CHECK (length(btrim(title)) > 0),
	description  TEXT,
	amount_min   DOUBLE PRECISION,
	amount_max   DOUBLE PRECISION,
	currency     TEXT,
	deadline     TIMESTAMPTZ,
	eligibility  JSONB,
	categories   JSONB,
	contact_info JSONB,
	confidence   DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	ai_metadata  JSONB,
	created_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS extracted_records_rank_idx ON extracted_records (confidence DESC, created_at DESC)`,
}
