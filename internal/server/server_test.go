package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/grant-harvester/internal/config"
	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Scheduler.TickInterval = 20 * time.Millisecond
	cfg.Crawler.RespectRobots = false
	cfg.Crawler.HostRPS = 0
	cfg.Pipeline.FetchBaseDelay = time.Millisecond
	cfg.Pipeline.FetchMaxDelay = time.Millisecond
	cfg.Storage.Backend = "memory"
	return cfg
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Open Calls</title></head><body>
<h1>Research grant 2026</h1><p>Applications close on 1 June 2026. Funding up to 50,000 EUR.</p>
</body></html>`))
	}))
	t.Cleanup(site.Close)
	return site
}

func TestBuildRunsJobEndToEnd(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunWorkers(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		app.Close(context.Background())
	})

	api := httptest.NewServer(app.Handler())
	t.Cleanup(api.Close)
	site := newSite(t)

	require.Eventually(t, func() bool {
		resp, err := http.Get(api.URL + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	body := `{"source_url":"` + site.URL + `/calls","job_type":"targeted_scrape"}`
	resp, err := http.Post(api.URL+"/v1/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var created struct {
		Job crawler.Job `json:"job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		job, err := app.Service().GetJob(context.Background(), created.Job.ID)
		return err == nil && job.Status == crawler.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	content, err := app.Service().GetJobContent(context.Background(), created.Job.ID, crawler.ContentFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, content.Total)
	require.Equal(t, "Open Calls", content.Content[0].Title)
	require.True(t, strings.HasPrefix(content.Content[0].BlobURI, "memory://"), content.Content[0].BlobURI)
}

func TestBuildRejectsBadMonitorSchedule(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Monitors = []config.MonitorConfig{{URL: "https://grants.example.org", Schedule: "whenever"}}
	_, err := Build(context.Background(), cfg, nil, WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "monitor init failed")
}

func TestBuildRequiresLocalDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = ""
	_, err := Build(context.Background(), cfg, nil, WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	t.Parallel()

	err := Migrate(context.Background(), testConfig(t), nil)
	require.ErrorContains(t, err, "db.driver=postgres")
}
