package sinks

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/progress"
)

// PrometheusSink turns job events into Prometheus collectors.
type PrometheusSink struct {
	jobsStarted    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	contentChanged prometheus.Counter

	pageFetches  *prometheus.CounterVec
	pageBytes    *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_jobs_started_total",
			Help: "Jobs that entered running.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_jobs_finished_total",
			Help: "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_jobs_running",
			Help: "Jobs currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_job_runtime_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		contentChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_monitor_content_changed_total",
			Help: "Monitor runs that detected changed content.",
		}),
		pageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_page_fetches_total",
			Help: "Fetched pages by host and status class.",
		}, []string{"host", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_page_bytes_total",
			Help: "Bytes downloaded per host.",
		}, []string{"host"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_page_duration_seconds",
			Help:    "Page fetch latency by host.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.contentChanged,
		s.pageFetches,
		s.pageBytes,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindStatus:
			if evt.Status == crawler.JobStatusRunning && s.tracker.start(evt.JobID) {
				s.jobsStarted.Inc()
				s.jobsRunning.Inc()
			}
		case progress.KindCompleted, progress.KindFailed, progress.KindCancelled:
			s.finish(evt)
		case progress.KindContentChanged:
			s.contentChanged.Inc()
		case progress.KindPage:
			s.page(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event) {
	status := string(evt.Kind)
	s.jobsFinished.WithLabelValues(status).Inc()
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
	if evt.Job != nil && evt.Job.StartedAt != nil && evt.Job.CompletedAt != nil {
		s.jobRuntime.WithLabelValues(status).Observe(evt.Job.CompletedAt.Sub(*evt.Job.StartedAt).Seconds())
	}
}

func (s *PrometheusSink) page(evt progress.Event) {
	host := "unknown"
	if u, err := url.Parse(evt.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	s.pageFetches.WithLabelValues(host, string(evt.StatusClass())).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(host).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
