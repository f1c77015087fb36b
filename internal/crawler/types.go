// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobType selects the pipeline strategy used to execute a job.
type JobType string

// Job types accepted at submission.
const (
	JobTypeFullCrawl       JobType = "full_crawl"
	JobTypeTargetedScrape  JobType = "targeted_scrape"
	JobTypeDocumentHarvest JobType = "document_harvest"
	JobTypeLinkDiscovery   JobType = "link_discovery"
	JobTypeAIExtract       JobType = "ai_extract"
	JobTypeMonitor         JobType = "monitor"
)

// JobTypes lists every supported job type.
var JobTypes = []JobType{
	JobTypeFullCrawl,
	JobTypeTargetedScrape,
	JobTypeDocumentHarvest,
	JobTypeLinkDiscovery,
	JobTypeAIExtract,
	JobTypeMonitor,
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobConfig is the validated crawl configuration attached to a job.
type JobConfig struct {
	MaxDepth              int      `json:"max_depth"`
	IncludePatterns       []string `json:"include_patterns"`
	ExcludePatterns       []string `json:"exclude_patterns"`
	FollowExternalLinks   bool     `json:"follow_external_links"`
	CaptureScreenshots    bool     `json:"capture_screenshots"`
	ExtractStructuredData bool     `json:"extract_structured_data"`
	ProcessDocuments      bool     `json:"process_documents"`
	RateLimitMs           int      `json:"rate_limit_ms"`
	AIExtraction          bool     `json:"ai_extraction"`
	ExtractionPrompt      string   `json:"extraction_prompt,omitempty"`
}

// RateLimit returns the inter-page delay as a duration.
func (c JobConfig) RateLimit() time.Duration {
	return time.Duration(c.RateLimitMs) * time.Millisecond
}

// JobStats tracks monotonically increasing counters per job.
type JobStats struct {
	PagesScraped       int   `json:"pages_scraped"`
	DocumentsProcessed int   `json:"documents_processed"`
	LinksDiscovered    int   `json:"links_discovered"`
	RecordsFound       int   `json:"records_found"`
	ErrorsEncountered  int   `json:"errors_encountered"`
	ProcessingTimeMs   int64 `json:"processing_time_ms"`
	AIAnalyzed         int   `json:"ai_analyzed"`
}

// Add returns the element-wise sum of s and delta. Negative deltas are ignored.
func (s JobStats) Add(delta JobStats) JobStats {
	s.PagesScraped += max(delta.PagesScraped, 0)
	s.DocumentsProcessed += max(delta.DocumentsProcessed, 0)
	s.LinksDiscovered += max(delta.LinksDiscovered, 0)
	s.RecordsFound += max(delta.RecordsFound, 0)
	s.ErrorsEncountered += max(delta.ErrorsEncountered, 0)
	s.ProcessingTimeMs += max(delta.ProcessingTimeMs, 0)
	s.AIAnalyzed += max(delta.AIAnalyzed, 0)
	return s
}

// JobResult summarizes a finished pipeline run.
type JobResult struct {
	PagesAttempted  int      `json:"pages_attempted"`
	PagesSucceeded  int      `json:"pages_succeeded"`
	SuccessRate     float64  `json:"success_rate"`
	Errors          []string `json:"errors,omitempty"`
	ContentChanged  bool     `json:"content_changed"`
	LinksDiscovered []string `json:"links_discovered,omitempty"`
	RecordsFound    int      `json:"records_found"`
}

// Job represents the metadata persisted for each submitted harvest request.
type Job struct {
	ID           string     `json:"id"`
	SourceURL    string     `json:"source_url"`
	Type         JobType    `json:"job_type"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Stats        JobStats   `json:"stats"`
	Config       JobConfig  `json:"config"`
	WebhookURL   string     `json:"webhook_url,omitempty"`
	Priority     int        `json:"priority"`
	OwnerID      string     `json:"owner_id,omitempty"`
	OrgID        string     `json:"org_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ContentType tags the origin of a ScrapedContent row.
type ContentType string

// Content types.
const (
	ContentTypePage         ContentType = "page"
	ContentTypeDocument     ContentType = "document"
	ContentTypeAIExtraction ContentType = "ai_extraction"
)

// ContentStatus tracks a content row through the ingestion stages.
type ContentStatus string

// Content processing states.
const (
	ContentStatusPending    ContentStatus = "pending"
	ContentStatusProcessing ContentStatus = "processing"
	ContentStatusProcessed  ContentStatus = "processed"
	ContentStatusAIAnalyzed ContentStatus = "ai_analyzed"
	ContentStatusAIFailed   ContentStatus = "ai_failed"
)

// ScrapedContent is persisted once per fetched page or document within a job.
type ScrapedContent struct {
	ID             string           `json:"id"`
	JobID          string           `json:"job_id"`
	URL            string           `json:"url"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	Markdown       string           `json:"markdown"`
	RawHTML        string           `json:"raw_html,omitempty"`
	BlobURI        string           `json:"blob_uri,omitempty"`
	ScreenshotURI  string           `json:"screenshot_uri,omitempty"`
	ContentHash    string           `json:"content_hash"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	StructuredData []map[string]any `json:"structured_data,omitempty"`
	AIAnalysis     map[string]any   `json:"ai_analysis,omitempty"`
	AIError        string           `json:"ai_error,omitempty"`
	Confidence     float64          `json:"confidence"`
	ContentType    ContentType      `json:"content_type"`
	Status         ContentStatus    `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ExtractedRecord is a candidate structured item recognized inside scraped content.
type ExtractedRecord struct {
	ID          string            `json:"id"`
	ContentID   string            `json:"content_id"`
	JobID       string            `json:"job_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	AmountMin   *float64          `json:"amount_min,omitempty"`
	AmountMax   *float64          `json:"amount_max,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Eligibility []string          `json:"eligibility,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	ContactInfo map[string]string `json:"contact_info,omitempty"`
	Confidence  float64           `json:"confidence"`
	AIMetadata  map[string]any    `json:"ai_metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	OwnerID string
	Status  JobStatus
	Type    JobType
	Limit   int
	Offset  int
}

// ContentFilter narrows ListContent.
type ContentFilter struct {
	JobID       string
	ContentType ContentType
	Limit       int
	Offset      int
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	JobID          string
	MinConfidence  *float64
	DeadlineAfter  *time.Time
	DeadlineBefore *time.Time
	Limit          int
	Offset         int
}

// StatsFilter narrows statistics aggregation.
type StatsFilter struct {
	OwnerID string
	From    *time.Time
	To      *time.Time
}

// Statistics aggregates job outcomes.
type Statistics struct {
	TotalJobs               int     `json:"total_jobs"`
	CompletedJobs           int     `json:"completed_jobs"`
	FailedJobs              int     `json:"failed_jobs"`
	TotalPages              int     `json:"total_pages"`
	TotalDocuments          int     `json:"total_documents"`
	TotalRecords            int     `json:"total_records"`
	AverageProcessingTimeMs float64 `json:"average_processing_time_ms"`
}

// Page is a single unit returned by the fetch provider.
type Page struct {
	URL         string
	Title       string
	Text        string
	HTML        string
	Body        []byte
	ContentType string
	StatusCode  int
	Depth       int
	Links       []string
	Document    bool
	FetchedAt   time.Time
	// Err is set when this unit failed while its siblings succeeded.
	Err error
}

// CrawlRequest captures everything needed to crawl from a seed URL.
type CrawlRequest struct {
	JobID          string
	URL            string
	MaxDepth       int
	MaxPages       int
	Include        []string
	Exclude        []string
	FollowExternal bool
	DocumentsOnly  bool
	LinksOnly      bool
	Delay          time.Duration
}

// AnalysisResult is the response of the external AI extraction capability.
type AnalysisResult struct {
	Records           []CandidateRecord `json:"records"`
	OverallConfidence float64           `json:"overall_confidence"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// CandidateRecord is an unvalidated record returned by the AI capability.
type CandidateRecord struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	AmountMin   *float64          `json:"amount_min"`
	AmountMax   *float64          `json:"amount_max"`
	Currency    string            `json:"currency"`
	Deadline    string            `json:"deadline"`
	Eligibility []string          `json:"eligibility"`
	Categories  []string          `json:"categories"`
	ContactInfo map[string]string `json:"contact_info"`
	Confidence  float64           `json:"confidence"`
	Metadata    map[string]any    `json:"metadata"`
}
