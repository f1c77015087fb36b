// Package service exposes the job operations used by the HTTP API, the
// monitor cron and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/lifecycle"
	"github.com/JakeFAU/grant-harvester/internal/progress"
	"github.com/JakeFAU/grant-harvester/internal/scheduler"
)

// Submission bounds.
const (
	MinPriority  = 0
	MaxPriority  = 10
	MaxBatchSize = 100
)

// Scheduler receives new jobs and cancellations.
type Scheduler interface {
	Submit(ctx context.Context, job crawler.Job) error
	Cancel(ctx context.Context, jobID string) (scheduler.CancelResult, error)
}

// Subscriber registers per-job event handlers.
type Subscriber interface {
	Subscribe(jobID string, handler progress.Handler) func()
}

// CreateRequest is a single job submission.
type CreateRequest struct {
	SourceURL  string
	Type       crawler.JobType
	Config     crawler.PartialConfig
	OwnerID    string
	OrgID      string
	WebhookURL string
	Priority   int
}

// BatchItem is one entry of a batch submission.
type BatchItem struct {
	SourceURL string
	Type      crawler.JobType
	Config    crawler.PartialConfig
	Priority  int
}

// JobList is a page of jobs and the unpaginated total.
type JobList struct {
	Jobs  []crawler.Job `json:"jobs"`
	Total int           `json:"total"`
}

// ContentList is a page of content rows.
type ContentList struct {
	Content []crawler.ScrapedContent `json:"content"`
	Total   int                      `json:"total"`
}

// RecordList is a page of extracted records.
type RecordList struct {
	Records []crawler.ExtractedRecord `json:"records"`
	Total   int                       `json:"total"`
}

// JobService validates, persists and controls jobs.
type JobService struct {
	jobs      crawler.JobStore
	contents  crawler.ContentStore
	records   crawler.RecordStore
	machine   *lifecycle.Machine
	scheduler Scheduler
	events    Subscriber
	ids       crawler.IDGenerator
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewJobService wires a JobService.
func NewJobService(
	jobs crawler.JobStore,
	contents crawler.ContentStore,
	records crawler.RecordStore,
	machine *lifecycle.Machine,
	sched Scheduler,
	events Subscriber,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *JobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{
		jobs:      jobs,
		contents:  contents,
		records:   records,
		machine:   machine,
		scheduler: sched,
		events:    events,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// CreateJob validates req, persists a pending job and hands it to the scheduler.
func (s *JobService) CreateJob(ctx context.Context, req CreateRequest) (crawler.Job, error) {
	job, err := s.build(req, "")
	if err != nil {
		return crawler.Job{}, err
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, crawler.Persistence("create job", err)
	}
	s.submit(ctx, job)
	return job, nil
}

// CreateBatchJobs validates every item before persisting any of them.
func (s *JobService) CreateBatchJobs(ctx context.Context, items []BatchItem, ownerID string) ([]crawler.Job, error) {
	if len(items) == 0 {
		return nil, crawler.NewValidationError("jobs", "at least one job is required")
	}
	if len(items) > MaxBatchSize {
		return nil, crawler.NewValidationError("jobs", "at most %d jobs per batch, got %d", MaxBatchSize, len(items))
	}
	jobs := make([]crawler.Job, 0, len(items))
	for i, item := range items {
		job, err := s.build(CreateRequest{
			SourceURL: item.SourceURL,
			Type:      item.Type,
			Config:    item.Config,
			OwnerID:   ownerID,
			Priority:  item.Priority,
		}, fmt.Sprintf("jobs[%d].", i))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		if err := s.jobs.CreateJob(ctx, job); err != nil {
			return nil, crawler.Persistence("create job", err)
		}
	}
	for _, job := range jobs {
		s.submit(ctx, job)
	}
	return jobs, nil
}

func (s *JobService) build(req CreateRequest, fieldPrefix string) (crawler.Job, error) {
	sourceURL, err := crawler.ValidateSourceURL(fieldPrefix+"source_url", req.SourceURL)
	if err != nil {
		return crawler.Job{}, err
	}
	if !req.Type.Valid() {
		return crawler.Job{}, crawler.NewValidationError(fieldPrefix+"job_type", "unknown job type %q", req.Type)
	}
	cfg, err := crawler.NormalizeConfig(req.Config)
	if err != nil {
		var ve *crawler.ValidationError
		if errors.As(err, &ve) && fieldPrefix != "" {
			ve.Field = fieldPrefix + ve.Field
		}
		return crawler.Job{}, err
	}
	webhook := ""
	if req.WebhookURL != "" {
		if webhook, err = crawler.ValidateSourceURL(fieldPrefix+"webhook_url", req.WebhookURL); err != nil {
			return crawler.Job{}, err
		}
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return crawler.Job{}, crawler.NewValidationError(fieldPrefix+"priority", "must be between %d and %d, got %d", MinPriority, MaxPriority, req.Priority)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job id: %w", err)
	}
	return crawler.Job{
		ID:         id,
		SourceURL:  sourceURL,
		Type:       req.Type,
		Status:     crawler.JobStatusPending,
		Config:     cfg,
		WebhookURL: webhook,
		Priority:   req.Priority,
		OwnerID:    req.OwnerID,
		OrgID:      req.OrgID,
		CreatedAt:  s.clock.Now(),
	}, nil
}

// submit hands a persisted job to the scheduler. A job the scheduler did not
// take stays pending and is picked up by the next startup recovery.
func (s *JobService) submit(ctx context.Context, job crawler.Job) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Submit(ctx, job); err != nil {
		s.logger.Warn("job persisted but not scheduled",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("priority", job.Priority),
	)
}

// GetJob returns a job or crawler.ErrNotFound.
func (s *JobService) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, crawler.Persistence("get job", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered by priority desc then creation time desc.
func (s *JobService) ListJobs(ctx context.Context, filter crawler.JobFilter) (JobList, error) {
	if filter.Status != "" && !validStatus(filter.Status) {
		return JobList{}, crawler.NewValidationError("status", "unknown status %q", filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return JobList{}, crawler.NewValidationError("job_type", "unknown job type %q", filter.Type)
	}
	jobs, total, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return JobList{}, crawler.Persistence("list jobs", err)
	}
	return JobList{Jobs: jobs, Total: total}, nil
}

// GetJobContent returns the content rows of an existing job.
func (s *JobService) GetJobContent(ctx context.Context, jobID string, filter crawler.ContentFilter) (ContentList, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return ContentList{}, err
	}
	filter.JobID = jobID
	rows, total, err := s.contents.ListContent(ctx, filter)
	if err != nil {
		return ContentList{}, crawler.Persistence("list content", err)
	}
	return ContentList{Content: rows, Total: total}, nil
}

// GetExtractedRecords returns records ordered by confidence desc then recency.
func (s *JobService) GetExtractedRecords(ctx context.Context, filter crawler.RecordFilter) (RecordList, error) {
	if filter.MinConfidence != nil && (*filter.MinConfidence < 0 || *filter.MinConfidence > 1) {
		return RecordList{}, crawler.NewValidationError("min_confidence", "must be between 0 and 1")
	}
	if filter.DeadlineAfter != nil && filter.DeadlineBefore != nil && filter.DeadlineBefore.Before(*filter.DeadlineAfter) {
		return RecordList{}, crawler.NewValidationError("deadline", "range end is before its start")
	}
	records, total, err := s.records.ListRecords(ctx, filter)
	if err != nil {
		return RecordList{}, crawler.Persistence("list records", err)
	}
	return RecordList{Records: records, Total: total}, nil
}

// CancelJob persists the cancelled status, then drops the job from the queue
// or interrupts its pipeline.
func (s *JobService) CancelJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.machine.Cancel(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if s.scheduler != nil {
		result, err := s.scheduler.Cancel(ctx, jobID)
		if err != nil {
			s.logger.Warn("scheduler cancel failed", zap.String("job_id", jobID), zap.Error(err))
		} else {
			s.logger.Info("job cancelled", zap.String("job_id", jobID), zap.Int("scheduler_result", int(result)))
		}
	}
	return job, nil
}

// RetryJob submits a fresh copy of a failed or cancelled job. The original
// row is left untouched.
func (s *JobService) RetryJob(ctx context.Context, jobID string) (crawler.Job, error) {
	original, err := s.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	if original.Status != crawler.JobStatusFailed && original.Status != crawler.JobStatusCancelled {
		return crawler.Job{}, fmt.Errorf("%w: cannot retry %s job", lifecycle.ErrIllegalTransition, original.Status)
	}
	return s.CreateJob(ctx, CreateRequest{
		SourceURL:  original.SourceURL,
		Type:       original.Type,
		Config:     original.Config.Partial(),
		OwnerID:    original.OwnerID,
		OrgID:      original.OrgID,
		WebhookURL: original.WebhookURL,
		Priority:   original.Priority,
	})
}

// UpdateJobStatus applies a status change through the state machine.
func (s *JobService) UpdateJobStatus(ctx context.Context, jobID string, status crawler.JobStatus, message string) (crawler.Job, error) {
	if !validStatus(status) {
		return crawler.Job{}, crawler.NewValidationError("status", "unknown status %q", status)
	}
	if status == crawler.JobStatusCancelled {
		return s.CancelJob(ctx, jobID)
	}
	return s.machine.Transition(ctx, jobID, status, message)
}

// UpdateJobProgress raises a running job's progress.
func (s *JobService) UpdateJobProgress(ctx context.Context, jobID string, pct int) (crawler.Job, error) {
	return s.machine.Progress(ctx, jobID, pct)
}

// SubscribeToJobUpdates registers handler for jobID's events. Events
// published before the call are not replayed.
func (s *JobService) SubscribeToJobUpdates(jobID string, handler progress.Handler) func() {
	if s.events == nil {
		return func() {}
	}
	return s.events.Subscribe(jobID, handler)
}

// GetStatistics aggregates job outcomes.
func (s *JobService) GetStatistics(ctx context.Context, filter crawler.StatsFilter) (crawler.Statistics, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return crawler.Statistics{}, crawler.NewValidationError("date_range", "range end is before its start")
	}
	stats, err := s.jobs.Statistics(ctx, filter)
	if err != nil {
		return crawler.Statistics{}, crawler.Persistence("statistics", err)
	}
	return stats, nil
}

func validStatus(status crawler.JobStatus) bool {
	switch status {
	case crawler.JobStatusPending, crawler.JobStatusRunning, crawler.JobStatusPaused,
		crawler.JobStatusCompleted, crawler.JobStatusFailed, crawler.JobStatusCancelled:
		return true
	default:
		return false
	}
}
