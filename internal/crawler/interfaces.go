package crawler

import (
	"context"
	"time"
)

// JobStore persists jobs and their lifecycle.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, int, error)
	// TransitionJob moves a job from one of the allowed statuses to next and
	// returns the stored row. ErrNotFound is returned when no job matches and
	// ErrStatusConflict when its current status is not in from.
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, next JobTransition) (Job, error)
	// UpdateProgress raises the progress of a running job. Lower values are ignored.
	UpdateProgress(ctx context.Context, jobID string, progress int) (Job, error)
	// AddStats adds delta to the counters of a non-terminal job.
	AddStats(ctx context.Context, jobID string, delta JobStats) error
	Statistics(ctx context.Context, filter StatsFilter) (Statistics, error)
}

// JobTransition describes the fields written alongside a status change.
type JobTransition struct {
	Status       JobStatus
	At           time.Time
	ErrorMessage string
	Progress     *int
	Result       *JobResult
}

// ContentStore persists scraped pages and documents.
type ContentStore interface {
	// UpsertContent inserts or replaces the row keyed by (JobID, URL) and
	// returns the stored row with its ID populated.
	UpsertContent(ctx context.Context, content ScrapedContent) (ScrapedContent, error)
	GetContent(ctx context.Context, contentID string) (ScrapedContent, error)
	ListContent(ctx context.Context, filter ContentFilter) ([]ScrapedContent, int, error)
	// LatestForURL returns the newest row for url written by any job other than excludeJobID.
	LatestForURL(ctx context.Context, url, excludeJobID string) (ScrapedContent, error)
}

// RecordStore persists extracted records.
type RecordStore interface {
	InsertRecord(ctx context.Context, record ExtractedRecord) (ExtractedRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]ExtractedRecord, int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher is the external crawling provider.
type Fetcher interface {
	// Crawl walks from the seed URL and returns every unit it reached in
	// crawl order. Units that failed individually carry Page.Err.
	Crawl(ctx context.Context, request CrawlRequest) ([]Page, error)
	// Scrape fetches exactly one URL.
	Scrape(ctx context.Context, url string) (Page, error)
}

// Renderer drives a headless browser.
type Renderer interface {
	// Screenshot returns a PNG of the rendered page.
	Screenshot(ctx context.Context, url string) ([]byte, error)
	// Render returns the DOM after scripts ran.
	Render(ctx context.Context, url string) (string, error)
}

// Extractor is the external AI extraction capability.
type Extractor interface {
	Extract(ctx context.Context, text string, prompt string) (AnalysisResult, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
