package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusPending, CreatedAt: base}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job), "duplicate ids are rejected")

	running, err := store.TransitionJob(ctx, job.ID,
		[]crawler.JobStatus{crawler.JobStatusPending},
		crawler.JobTransition{Status: crawler.JobStatusRunning, At: base.Add(time.Second)},
	)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	_, err = store.UpdateProgress(ctx, job.ID, 40)
	require.NoError(t, err)
	updated, err := store.UpdateProgress(ctx, job.ID, 20)
	require.NoError(t, err)
	require.Equal(t, 40, updated.Progress, "progress never decreases")

	require.NoError(t, store.AddStats(ctx, job.ID, crawler.JobStats{PagesScraped: 2}))
	require.NoError(t, store.AddStats(ctx, job.ID, crawler.JobStats{PagesScraped: 1, ErrorsEncountered: 1}))

	hundred := 100
	done, err := store.TransitionJob(ctx, job.ID,
		[]crawler.JobStatus{crawler.JobStatusRunning},
		crawler.JobTransition{
			Status:   crawler.JobStatusCompleted,
			At:       base.Add(time.Minute),
			Progress: &hundred,
			Result:   &crawler.JobResult{PagesSucceeded: 3},
		},
	)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 3, done.Stats.PagesScraped)
	require.Equal(t, 1, done.Stats.ErrorsEncountered)
	require.Equal(t, 3, done.Result.PagesSucceeded)

	require.ErrorIs(t, store.AddStats(ctx, job.ID, crawler.JobStats{PagesScraped: 1}), crawler.ErrStatusConflict)
	_, err = store.UpdateProgress(ctx, job.ID, 10)
	require.ErrorIs(t, err, crawler.ErrStatusConflict)
	_, err = store.TransitionJob(ctx, job.ID,
		[]crawler.JobStatus{crawler.JobStatusRunning},
		crawler.JobTransition{Status: crawler.JobStatusFailed, At: base},
	)
	require.ErrorIs(t, err, crawler.ErrStatusConflict)

	_, err = store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestJobStoreListJobsOrderingAndFilters(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	jobs := []crawler.Job{
		{ID: "low-old", Priority: 1, CreatedAt: base, OwnerID: "u1", Status: crawler.JobStatusPending, Type: crawler.JobTypeFullCrawl},
		{ID: "low-new", Priority: 1, CreatedAt: base.Add(time.Hour), OwnerID: "u1", Status: crawler.JobStatusPending, Type: crawler.JobTypeMonitor},
		{ID: "high", Priority: 10, CreatedAt: base, OwnerID: "u2", Status: crawler.JobStatusFailed, Type: crawler.JobTypeFullCrawl},
	}
	for _, job := range jobs {
		require.NoError(t, store.CreateJob(ctx, job))
	}

	all, total, err := store.ListJobs(ctx, crawler.JobFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"high", "low-new", "low-old"}, ids(all))

	owned, total, err := store.ListJobs(ctx, crawler.JobFilter{OwnerID: "u1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, []string{"low-old"}, ids(owned))

	monitors, _, err := store.ListJobs(ctx, crawler.JobFilter{Type: crawler.JobTypeMonitor})
	require.NoError(t, err)
	require.Equal(t, []string{"low-new"}, ids(monitors))

	failed, _, err := store.ListJobs(ctx, crawler.JobFilter{Status: crawler.JobStatusFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"high"}, ids(failed))
}

func TestJobStoreStatistics(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "a", Status: crawler.JobStatusCompleted, CreatedAt: base,
		Stats: crawler.JobStats{PagesScraped: 4, RecordsFound: 2, ProcessingTimeMs: 1000}}))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "b", Status: crawler.JobStatusCompleted, CreatedAt: base,
		Stats: crawler.JobStats{PagesScraped: 1, DocumentsProcessed: 3, ProcessingTimeMs: 3000}}))
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "c", Status: crawler.JobStatusFailed, CreatedAt: base.Add(48 * time.Hour)}))

	stats, err := store.Statistics(ctx, crawler.StatsFilter{})
	require.NoError(t, err)
	require.Equal(t, crawler.Statistics{
		TotalJobs:               3,
		CompletedJobs:           2,
		FailedJobs:              1,
		TotalPages:              5,
		TotalDocuments:          3,
		TotalRecords:            2,
		AverageProcessingTimeMs: 2000,
	}, stats)

	to := base.Add(time.Hour)
	windowed, err := store.Statistics(ctx, crawler.StatsFilter{To: &to})
	require.NoError(t, err)
	require.Equal(t, 2, windowed.TotalJobs)
	require.Zero(t, windowed.FailedJobs)
}

func ids(jobs []crawler.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.ID)
	}
	return out
}
