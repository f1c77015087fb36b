// Package monitor submits monitor jobs on cron schedules.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/service"
)

// Submitter creates jobs.
type Submitter interface {
	CreateJob(ctx context.Context, req service.CreateRequest) (crawler.Job, error)
}

// Entry is one watched URL.
type Entry struct {
	URL      string
	Schedule string
	Priority int
	OwnerID  string
}

// Monitor owns a cron instance with one entry per watched URL.
type Monitor struct {
	cron      *cron.Cron
	submitter Submitter
	entries   []Entry
	ids       []cron.EntryID
	logger    *zap.Logger
}

// parser accepts standard five-field expressions and descriptors such as
// "@hourly" or "@every 6h".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates every schedule and registers it. Nothing fires until Run.
func New(entries []Entry, submitter Submitter, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		submitter: submitter,
		entries:   append([]Entry(nil), entries...),
		logger:    logger,
	}
	adapter := cronLogger{logger: logger.Sugar()}
	m.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter)),
	)
	for i, entry := range m.entries {
		schedule, err := parser.Parse(entry.Schedule)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: parse schedule %q: %w", entry.URL, entry.Schedule, err)
		}
		id := m.cron.Schedule(schedule, cron.FuncJob(func() {
			if _, err := m.Trigger(context.Background(), m.entries[i]); err != nil {
				m.logger.Warn("monitor submission failed", zap.String("url", entry.URL), zap.Error(err))
			}
		}))
		m.ids = append(m.ids, id)
		logger.Info("monitor scheduled",
			zap.String("url", entry.URL),
			zap.String("schedule", entry.Schedule),
			zap.Time("next_run", schedule.Next(time.Now().UTC())),
		)
	}
	return m, nil
}

// Trigger submits one monitor job for entry.
func (m *Monitor) Trigger(ctx context.Context, entry Entry) (crawler.Job, error) {
	job, err := m.submitter.CreateJob(ctx, service.CreateRequest{
		SourceURL: entry.URL,
		Type:      crawler.JobTypeMonitor,
		OwnerID:   entry.OwnerID,
		Priority:  entry.Priority,
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("submit monitor job: %w", err)
	}
	m.logger.Info("monitor job submitted", zap.String("url", entry.URL), zap.String("job_id", job.ID))
	return job, nil
}

// Next reports the next firing time per URL. It is only meaningful while Run is active.
func (m *Monitor) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(m.ids))
	for i, id := range m.ids {
		out[m.entries[i].URL] = m.cron.Entry(id).Next
	}
	return out
}

// Run starts the schedules and blocks until ctx ends, then waits for
// in-flight submissions.
func (m *Monitor) Run(ctx context.Context) error {
	if len(m.entries) == 0 {
		<-ctx.Done()
		return nil
	}
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
