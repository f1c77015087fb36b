package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms move with the job lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Second)
	job := crawler.Job{ID: "job-1", StartedAt: &start, CompletedAt: &end}

	batch := []progress.Event{
		{Kind: progress.KindStatus, JobID: "job-1", Status: crawler.JobStatusRunning, TS: start},
		{Kind: progress.KindStatus, JobID: "job-1", Status: crawler.JobStatusRunning, TS: start},
		{
			Kind:       progress.KindPage,
			JobID:      "job-1",
			URL:        "https://grants.example.org/a",
			StatusCode: 200,
			Bytes:      2048,
			Dur:        150 * time.Millisecond,
			TS:         start.Add(time.Second),
		},
		{Kind: progress.KindContentChanged, JobID: "job-1", URL: "https://grants.example.org/a", TS: end},
		{Kind: progress.KindCompleted, JobID: "job-1", Job: &job, Progress: 100, TS: end},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.contentChanged))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pageFetches.WithLabelValues("grants.example.org", "2xx")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.pageBytes.WithLabelValues("grants.example.org")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "harvester_job_runtime_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "harvester_page_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
