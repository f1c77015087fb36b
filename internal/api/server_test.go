package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/clock/system"
	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/id/uuid"
	"github.com/JakeFAU/grant-harvester/internal/lifecycle"
	"github.com/JakeFAU/grant-harvester/internal/progress"
	"github.com/JakeFAU/grant-harvester/internal/scheduler"
	"github.com/JakeFAU/grant-harvester/internal/service"
	"github.com/JakeFAU/grant-harvester/internal/storage/memory"
)

type nopScheduler struct{}

func (nopScheduler) Submit(context.Context, crawler.Job) error { return nil }

func (nopScheduler) Cancel(context.Context, string) (scheduler.CancelResult, error) {
	return scheduler.NotTracked, nil
}

type apiFixture struct {
	server  *Server
	machine *lifecycle.Machine
	records *memory.RecordStore
	jobs    *memory.JobStore
}

func newFixture(t *testing.T, cfg Config, checks ...ReadinessCheck) *apiFixture {
	t.Helper()
	jobs := memory.NewJobStore()
	contents := memory.NewContentStore()
	records := memory.NewRecordStore()
	clock := system.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := progress.NewBus(nil, nil)
	machine := lifecycle.NewMachine(jobs, bus, nil, clock, nil)
	svc := service.NewJobService(jobs, contents, records, machine, nopScheduler{}, bus, uuid.New(), clock, nil)
	return &apiFixture{
		server:  NewServer(svc, cfg, nil, checks...),
		machine: machine,
		records: records,
		jobs:    jobs,
	}
}

func (f *apiFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createJob(t *testing.T, body string) crawler.Job {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var payload struct {
		Job crawler.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Job
}

func TestCreateJobAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	job := f.createJob(t, `{"source_url":"https://grants.example.org/calls","job_type":"full_crawl","priority":4,"config":{"max_depth":2}}`)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, 2, job.Config.MaxDepth)
	require.Equal(t, 4, job.Priority)

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), job.ID)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateJobRejectsBadRequests(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body  string
		field string
	}{
		"invalid json":     {body: `{invalid`, field: "body"},
		"unknown field":    {body: `{"source_url":"https://x.org","job_type":"monitor","urls":[]}`, field: "body"},
		"missing url":      {body: `{"job_type":"monitor"}`, field: "source_url"},
		"priority range":   {body: `{"source_url":"https://x.org","job_type":"monitor","priority":11}`, field: "priority"},
		"depth bound":      {body: `{"source_url":"https://x.org","job_type":"full_crawl","config":{"max_depth":11}}`, field: "max_depth"},
		"rate limit bound": {body: `{"source_url":"https://x.org","job_type":"full_crawl","config":{"rate_limit_ms":-1}}`, field: "rate_limit_ms"},
		"unknown type":     {body: `{"source_url":"https://x.org","job_type":"everything"}`, field: "job_type"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			rec := f.do(t, http.MethodPost, "/v1/jobs", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.field)

			list, _, err := f.jobs.ListJobs(context.Background(), crawler.JobFilter{})
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}
}

func TestCreateBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/jobs/batch",
		`{"owner_id":"o1","jobs":[{"source_url":"https://a.org","job_type":"monitor"},{"source_url":"","job_type":"monitor"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "jobs[1].source_url")

	rec = f.do(t, http.MethodPost, "/v1/jobs/batch",
		`{"owner_id":"o1","jobs":[{"source_url":"https://a.org","job_type":"monitor"},{"source_url":"https://b.org","job_type":"link_discovery","priority":9}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs?owner_id=o1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list service.JobList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Total)
	require.Len(t, list.Jobs, 1)
	require.Equal(t, "https://b.org", list.Jobs[0].SourceURL)
}

func TestJobControlStatusCodes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	job := f.createJob(t, `{"source_url":"https://x.org","job_type":"targeted_scrape"}`)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/nope", "").Code)
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/retry", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "").Code)
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "").Code)

	rec := f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/retry", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotContains(t, rec.Body.String(), `"id":"`+job.ID+`"`)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/nope/content", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/content?content_type=page", "").Code)
}

func TestQueryValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	for _, target := range []string{
		"/v1/jobs?status=exploded",
		"/v1/jobs?job_type=everything",
		"/v1/jobs?limit=0",
		"/v1/jobs?offset=-1",
		"/v1/records?min_confidence=high",
		"/v1/records?min_confidence=2",
		"/v1/records?deadline_after=2026-06-01&deadline_before=2026-05-01",
		"/v1/statistics?from=yesterday",
	} {
		require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, target, "").Code, target)
	}
}

func TestListRecordsAndStatistics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	deadline := time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)
	_, err := f.records.InsertRecord(context.Background(), crawler.ExtractedRecord{
		ID: "r1", JobID: "j1", Title: "Community Fund", Confidence: 0.8, Deadline: &deadline,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/records?min_confidence=0.5&deadline_after=2026-05-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records service.RecordList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Equal(t, 1, records.Total)

	f.createJob(t, `{"source_url":"https://x.org","job_type":"monitor"}`)
	rec = f.do(t, http.MethodGet, "/v1/statistics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats crawler.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalJobs)
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{APIKey: "s3cret"})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs", "").Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs?api_key=wrong", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs?api_key=s3cret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/statistics", nil)
	req.Header.Set("X-API-Key", "s3cret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	healthy := newFixture(t, Config{}, func(context.Context) error { return nil })
	require.Equal(t, http.StatusOK, healthy.do(t, http.MethodGet, "/readyz", "").Code)

	down := newFixture(t, Config{}, func(context.Context) error { return errors.New("database unreachable") })
	rec := down.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "database unreachable")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.do(t, http.MethodGet, "/healthz", "")
	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# TYPE")
}

type sseEvent struct {
	name string
	data string
}

// readEvents collects events until the stream closes.
func readEvents(t *testing.T, resp *http.Response, out chan<- sseEvent, heartbeats chan<- struct{}) {
	t.Helper()
	defer close(out)
	scanner := bufio.NewScanner(resp.Body)
	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ": heartbeat"):
			select {
			case heartbeats <- struct{}{}:
			default:
			}
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			out <- current
			current = sseEvent{}
		}
	}
}

func TestStreamEventsRelaysUntilTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{HeartbeatInterval: time.Hour})
	job := f.createJob(t, `{"source_url":"https://x.org","job_type":"targeted_scrape"}`)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readEvents(t, resp, events, nil)

	first := <-events
	require.Equal(t, "snapshot", first.name)
	require.Contains(t, first.data, job.ID)

	ctx := context.Background()
	_, err = f.machine.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.machine.Progress(ctx, job.ID, 50)
	require.NoError(t, err)
	_, err = f.machine.Complete(ctx, job.ID, crawler.JobResult{PagesAttempted: 1, PagesSucceeded: 1, SuccessRate: 1})
	require.NoError(t, err)

	var names []string
	for evt := range events {
		names = append(names, evt.name)
	}
	require.Equal(t, []string{"status", "progress", "completed"}, names)
}

func TestStreamEventsHeartbeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	job := f.createJob(t, `{"source_url":"https://x.org","job_type":"monitor"}`)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	heartbeats := make(chan struct{}, 1)
	go readEvents(t, resp, make(chan sseEvent, 16), heartbeats)

	select {
	case <-heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestStreamEventsForFinishedOrMissingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	job := f.createJob(t, `{"source_url":"https://x.org","job_type":"monitor"}`)
	_, err := f.machine.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	events := make(chan sseEvent, 4)
	readEvents(t, resp, events, nil)
	_ = resp.Body.Close()
	got := <-events
	require.Equal(t, "snapshot", got.name)
	require.Contains(t, got.data, `"status":"cancelled"`)

	missing, err := http.Get(srv.URL + "/v1/jobs/nope/events")
	require.NoError(t, err)
	_ = missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}
