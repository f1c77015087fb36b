// Package lifecycle owns job status transitions. Every change is written to
// the job store first and only then announced on the event bus.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/progress"
)

// ErrIllegalTransition is returned when the job's current status does not
// allow the requested change. Callers treat it as a no-op.
var ErrIllegalTransition = errors.New("illegal job status transition")

// MaxRunningProgress is the highest progress a running job can report; 100
// is reserved for completion.
const MaxRunningProgress = 99

var transitions = map[crawler.JobStatus][]crawler.JobStatus{
	crawler.JobStatusPending: {crawler.JobStatusRunning, crawler.JobStatusCancelled},
	crawler.JobStatusRunning: {
		crawler.JobStatusCompleted,
		crawler.JobStatusFailed,
		crawler.JobStatusCancelled,
		crawler.JobStatusPaused,
	},
	crawler.JobStatusPaused: {crawler.JobStatusRunning, crawler.JobStatusCancelled},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to crawler.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sources lists every status that may move to target.
func sources(target crawler.JobStatus) []crawler.JobStatus {
	var out []crawler.JobStatus
	for _, from := range []crawler.JobStatus{
		crawler.JobStatusPending,
		crawler.JobStatusRunning,
		crawler.JobStatusPaused,
	} {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

// CompletionNotifier is told about every completed job before the completed
// event is published.
type CompletionNotifier interface {
	JobCompleted(ctx context.Context, job crawler.Job) error
}

// Machine applies transitions and publishes the matching events.
type Machine struct {
	store    crawler.JobStore
	events   progress.Publisher
	notifier CompletionNotifier
	clock    crawler.Clock
	logger   *zap.Logger
}

// NewMachine wires a Machine. events and notifier may be nil.
func NewMachine(
	store crawler.JobStore,
	events progress.Publisher,
	notifier CompletionNotifier,
	clock crawler.Clock,
	logger *zap.Logger,
) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, events: events, notifier: notifier, clock: clock, logger: logger}
}

// Start moves a pending (or paused) job to running and records its start time.
func (m *Machine) Start(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := m.transition(ctx, jobID, crawler.JobTransition{Status: crawler.JobStatusRunning})
	if err != nil {
		return crawler.Job{}, err
	}
	m.publish(progress.Event{Kind: progress.KindStatus, Job: &job})
	return job, nil
}

// Pause moves a running job to paused.
func (m *Machine) Pause(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := m.transition(ctx, jobID, crawler.JobTransition{Status: crawler.JobStatusPaused})
	if err != nil {
		return crawler.Job{}, err
	}
	m.publish(progress.Event{Kind: progress.KindStatus, Job: &job})
	return job, nil
}

// Progress raises a running job's progress, clamped to [0, MaxRunningProgress].
// Values below the stored progress leave it unchanged.
func (m *Machine) Progress(ctx context.Context, jobID string, pct int) (crawler.Job, error) {
	pct = min(max(pct, 0), MaxRunningProgress)
	job, err := m.store.UpdateProgress(ctx, jobID, pct)
	if err != nil {
		return crawler.Job{}, m.storeError(ctx, jobID, "progress", err)
	}
	m.publish(progress.Event{Kind: progress.KindProgress, Job: &job})
	return job, nil
}

// AddStats adds delta to a running job's counters.
func (m *Machine) AddStats(ctx context.Context, jobID string, delta crawler.JobStats) error {
	if err := m.store.AddStats(ctx, jobID, delta); err != nil {
		return m.storeError(ctx, jobID, "stats", err)
	}
	return nil
}

// Complete marks a running job completed with progress 100 and result. The
// completion notifier runs after the write and before the completed event.
func (m *Machine) Complete(ctx context.Context, jobID string, result crawler.JobResult) (crawler.Job, error) {
	full := 100
	job, err := m.transition(ctx, jobID, crawler.JobTransition{
		Status:   crawler.JobStatusCompleted,
		Progress: &full,
		Result:   &result,
	})
	if err != nil {
		return crawler.Job{}, err
	}
	if m.notifier != nil {
		// The outcome is already durable, so notify even if the caller is going away.
		if err := m.notifier.JobCompleted(context.WithoutCancel(ctx), job); err != nil {
			m.logger.Debug("completion notifier failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	m.publish(progress.Event{Kind: progress.KindCompleted, Job: &job, Result: job.Result})
	return job, nil
}

// Fail marks a running job failed with cause's message. result may be nil.
func (m *Machine) Fail(ctx context.Context, jobID string, cause error, result *crawler.JobResult) (crawler.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	job, err := m.transition(ctx, jobID, crawler.JobTransition{
		Status:       crawler.JobStatusFailed,
		ErrorMessage: msg,
		Result:       result,
	})
	if err != nil {
		return crawler.Job{}, err
	}
	m.publish(progress.Event{Kind: progress.KindFailed, Job: &job, Error: msg, Result: job.Result})
	return job, nil
}

// Cancel marks a pending, running or paused job cancelled.
func (m *Machine) Cancel(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := m.transition(ctx, jobID, crawler.JobTransition{Status: crawler.JobStatusCancelled})
	if err != nil {
		return crawler.Job{}, err
	}
	m.publish(progress.Event{Kind: progress.KindCancelled, Job: &job})
	return job, nil
}

// Transition applies an arbitrary status change through the matching method.
func (m *Machine) Transition(ctx context.Context, jobID string, to crawler.JobStatus, message string) (crawler.Job, error) {
	switch to {
	case crawler.JobStatusRunning:
		return m.Start(ctx, jobID)
	case crawler.JobStatusPaused:
		return m.Pause(ctx, jobID)
	case crawler.JobStatusCompleted:
		current, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return crawler.Job{}, m.storeError(ctx, jobID, "complete", err)
		}
		result := crawler.JobResult{}
		if current.Result != nil {
			result = *current.Result
		}
		return m.Complete(ctx, jobID, result)
	case crawler.JobStatusFailed:
		var cause error
		if message != "" {
			cause = errors.New(message)
		}
		return m.Fail(ctx, jobID, cause, nil)
	case crawler.JobStatusCancelled:
		return m.Cancel(ctx, jobID)
	default:
		return crawler.Job{}, crawler.NewValidationError("status", "cannot transition to %q", to)
	}
}

// Job returns the stored job.
func (m *Machine) Job(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, crawler.Persistence("get job", err)
	}
	return job, nil
}

// ContentChanged announces that a monitored URL changed since its previous fetch.
func (m *Machine) ContentChanged(jobID, url string) {
	m.publish(progress.Event{Kind: progress.KindContentChanged, JobID: jobID, URL: url})
}

// PageFetched reports a single fetched unit for metrics.
func (m *Machine) PageFetched(jobID string, page crawler.Page, bytes int64) {
	m.publish(progress.Event{
		Kind:       progress.KindPage,
		JobID:      jobID,
		URL:        page.URL,
		StatusCode: page.StatusCode,
		Bytes:      bytes,
	})
}

func (m *Machine) transition(ctx context.Context, jobID string, next crawler.JobTransition) (crawler.Job, error) {
	next.At = m.clock.Now()
	job, err := m.store.TransitionJob(ctx, jobID, sources(next.Status), next)
	if err != nil {
		return crawler.Job{}, m.storeError(ctx, jobID, string(next.Status), err)
	}
	m.logger.Info("job status changed",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
	)
	return job, nil
}

func (m *Machine) storeError(ctx context.Context, jobID, op string, err error) error {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return err
	case errors.Is(err, crawler.ErrStatusConflict):
		current := crawler.JobStatus("unknown")
		if job, getErr := m.store.GetJob(ctx, jobID); getErr == nil {
			current = job.Status
		}
		m.logger.Warn("ignoring illegal job transition",
			zap.String("job_id", jobID),
			zap.String("from", string(current)),
			zap.String("op", op),
		)
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, op, current)
	default:
		return crawler.Persistence("job "+op, err)
	}
}

func (m *Machine) publish(evt progress.Event) {
	if m.events == nil {
		return
	}
	if evt.Job != nil {
		evt.JobID = evt.Job.ID
		evt.Status = evt.Job.Status
		evt.Progress = evt.Job.Progress
	}
	evt.TS = m.clock.Now()
	m.events.Publish(evt)
}
