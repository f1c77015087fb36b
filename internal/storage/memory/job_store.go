package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns a page of jobs ordered by priority desc then creation time desc.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, int, error) {
	s.mu.RLock()
	matched := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

// TransitionJob applies a status change when the job is in one of from.
func (s *JobStore) TransitionJob(
	_ context.Context,
	jobID string,
	from []crawler.JobStatus,
	next crawler.JobTransition,
) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if !slices.Contains(from, job.Status) {
		return cloneJob(job), crawler.ErrStatusConflict
	}
	job.Status = next.Status
	if next.Status == crawler.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = pointerTime(next.At)
	}
	if next.Status.Terminal() {
		job.CompletedAt = pointerTime(next.At)
	}
	if next.ErrorMessage != "" {
		job.ErrorMessage = next.ErrorMessage
	}
	if next.Progress != nil && *next.Progress > job.Progress {
		job.Progress = *next.Progress
	}
	if next.Result != nil {
		result := *next.Result
		job.Result = &result
	}
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// UpdateProgress raises the progress of a running job.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress int) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if job.Status != crawler.JobStatusRunning {
		return cloneJob(job), crawler.ErrStatusConflict
	}
	if progress > job.Progress {
		job.Progress = progress
		s.jobs[jobID] = job
	}
	return cloneJob(job), nil
}

// AddStats adds delta to a non-terminal job's counters.
func (s *JobStore) AddStats(_ context.Context, jobID string, delta crawler.JobStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	if job.Status.Terminal() {
		return crawler.ErrStatusConflict
	}
	job.Stats = job.Stats.Add(delta)
	s.jobs[jobID] = job
	return nil
}

// Statistics aggregates counters across matching jobs.
func (s *JobStore) Statistics(_ context.Context, filter crawler.StatsFilter) (crawler.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		out       crawler.Statistics
		totalTime int64
		timed     int
	)
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.From != nil && job.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && job.CreatedAt.After(*filter.To) {
			continue
		}
		out.TotalJobs++
		switch job.Status {
		case crawler.JobStatusCompleted:
			out.CompletedJobs++
			totalTime += job.Stats.ProcessingTimeMs
			timed++
		case crawler.JobStatusFailed:
			out.FailedJobs++
		}
		out.TotalPages += job.Stats.PagesScraped
		out.TotalDocuments += job.Stats.DocumentsProcessed
		out.TotalRecords += job.Stats.RecordsFound
	}
	if timed > 0 {
		out.AverageProcessingTimeMs = float64(totalTime) / float64(timed)
	}
	return out, nil
}

func cloneJob(job crawler.Job) crawler.Job {
	job.Config.IncludePatterns = slices.Clone(job.Config.IncludePatterns)
	job.Config.ExcludePatterns = slices.Clone(job.Config.ExcludePatterns)
	if job.Result != nil {
		result := *job.Result
		result.Errors = slices.Clone(result.Errors)
		result.LinksDiscovered = slices.Clone(result.LinksDiscovered)
		job.Result = &result
	}
	return job
}
