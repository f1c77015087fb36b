// Package scheduler admits pending jobs under a concurrency cap. A single
// goroutine owns the priority queue and the set of running jobs; every other
// caller talks to it over channels.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/lifecycle"
	"github.com/JakeFAU/grant-harvester/internal/logging"
	"github.com/JakeFAU/grant-harvester/internal/metrics"
	"github.com/JakeFAU/grant-harvester/internal/queue/memory"
)

// ErrStopped is returned by calls made after the scheduler loop exited.
var ErrStopped = errors.New("scheduler stopped")

// RestartMessage is recorded on jobs a previous process left running.
const RestartMessage = "interrupted by restart"

const (
	defaultTick          = 5 * time.Second
	defaultMaxConcurrent = 3
	recoveryPageSize     = 200
)

// Runner executes a job already moved to running.
type Runner interface {
	Run(ctx context.Context, job crawler.Job) error
}

// Config controls admission.
type Config struct {
	TickInterval  time.Duration
	MaxConcurrent int
}

// CancelResult reports what Cancel found.
type CancelResult int

// Cancel results.
const (
	NotTracked CancelResult = iota
	Dequeued
	Interrupted
)

// Snapshot is the scheduler's view at one instant.
type Snapshot struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
}

// completion is sent by a job goroutine when it returns. retry is set when the
// job could not be started and should be queued again on the next tick.
type completion struct {
	jobID string
	retry *crawler.Job
}

type cancelRequest struct {
	jobID string
	reply chan CancelResult
}

// Scheduler admits jobs from an in-memory priority queue.
type Scheduler struct {
	cfg     Config
	store   crawler.JobStore
	machine *lifecycle.Machine
	runner  Runner
	logger  *zap.Logger

	submitCh   chan crawler.Job
	cancelCh   chan cancelRequest
	snapshotCh chan chan Snapshot
	doneCh     chan completion
	quit       chan struct{}
	ready      chan struct{}
	readyOnce  sync.Once

	// Owned by the loop goroutine.
	queue    *memory.PriorityQueue
	active   map[string]context.CancelFunc
	deferred []crawler.Job
	wg       sync.WaitGroup
}

// New builds a Scheduler. Run must be called to start admitting jobs.
func New(cfg Config, store crawler.JobStore, machine *lifecycle.Machine, runner Runner, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTick
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		machine:    machine,
		runner:     runner,
		logger:     logger,
		submitCh:   make(chan crawler.Job),
		cancelCh:   make(chan cancelRequest),
		snapshotCh: make(chan chan Snapshot),
		doneCh:     make(chan completion),
		quit:       make(chan struct{}),
		ready:      make(chan struct{}),
		queue:      memory.NewPriorityQueue(),
		active:     make(map[string]context.CancelFunc),
	}
}

// Ready is closed once startup recovery finished and the loop accepts work.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Run recovers persisted jobs and then admits work until ctx is done.
// Submitted jobs wait for the next tick and are admitted highest priority
// first. A finishing job also triggers admission.
// On exit it cancels every running job and waits for them to return.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.quit)
	if err := s.recover(ctx); err != nil {
		return err
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.admit(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case job := <-s.submitCh:
			if _, running := s.active[job.ID]; running {
				s.logger.Debug("ignoring submit of running job", zap.String("job_id", job.ID))
				continue
			}
			s.queue.Push(job)
			metrics.SetScheduler(s.queue.Len(), len(s.active))
		case req := <-s.cancelCh:
			req.reply <- s.cancel(req.jobID)
		case reply := <-s.snapshotCh:
			reply <- Snapshot{Queued: s.queue.Len() + len(s.deferred), Active: len(s.active)}
		case done := <-s.doneCh:
			delete(s.active, done.jobID)
			if done.retry != nil {
				s.deferred = append(s.deferred, *done.retry)
			}
			s.admit(ctx)
		case <-ticker.C:
			for _, job := range s.deferred {
				s.queue.Push(job)
			}
			s.deferred = nil
			s.admit(ctx)
		}
	}
}

// Submit queues a pending job.
func (s *Scheduler) Submit(ctx context.Context, job crawler.Job) error {
	select {
	case s.submitCh <- job:
		return nil
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("submit job %s: %w", job.ID, ctx.Err())
	}
}

// Cancel removes a queued job or interrupts a running one. Persisting the
// cancelled status is the caller's job.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (CancelResult, error) {
	req := cancelRequest{jobID: jobID, reply: make(chan CancelResult, 1)}
	select {
	case s.cancelCh <- req:
	case <-s.quit:
		return NotTracked, ErrStopped
	case <-ctx.Done():
		return NotTracked, fmt.Errorf("cancel job %s: %w", jobID, ctx.Err())
	}
	return <-req.reply, nil
}

// Snapshot returns queue and active counts.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.snapshotCh <- reply:
	case <-s.quit:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("scheduler snapshot: %w", ctx.Err())
	}
	return <-reply, nil
}

func (s *Scheduler) recover(ctx context.Context) error {
	running, err := s.listAll(ctx, crawler.JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		if _, err := s.machine.Fail(ctx, job.ID, errors.New(RestartMessage), nil); err != nil &&
			!errors.Is(err, lifecycle.ErrIllegalTransition) {
			return fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
	}
	pending, err := s.listAll(ctx, crawler.JobStatusPending)
	if err != nil {
		return err
	}
	for _, job := range pending {
		s.queue.Push(job)
	}
	s.logger.Info("scheduler recovered jobs",
		zap.Int("requeued", len(pending)),
		zap.Int("interrupted", len(running)),
	)
	return nil
}

func (s *Scheduler) listAll(ctx context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	var out []crawler.Job
	for offset := 0; ; offset += recoveryPageSize {
		page, total, err := s.store.ListJobs(ctx, crawler.JobFilter{Status: status, Limit: recoveryPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", status, err)
		}
		out = append(out, page...)
		if len(page) == 0 || len(out) >= total {
			return out, nil
		}
	}
}

func (s *Scheduler) admit(ctx context.Context) {
	for len(s.active) < s.cfg.MaxConcurrent {
		job, ok := s.queue.Pop()
		if !ok {
			break
		}
		s.launch(ctx, job)
	}
	metrics.SetScheduler(s.queue.Len(), len(s.active))
}

func (s *Scheduler) launch(ctx context.Context, job crawler.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.active[job.ID] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		done := completion{jobID: job.ID}
		if !s.execute(jobCtx, job) {
			done.retry = &job
		}
		select {
		case s.doneCh <- done:
		case <-s.quit:
		}
	}()
}

// execute starts and runs job. It returns false when the job is still
// pending because its start could not be persisted.
func (s *Scheduler) execute(ctx context.Context, job crawler.Job) (started bool) {
	started = true
	logger := logging.ForJob(s.logger, job)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			cause := fmt.Errorf("panic: %v", r)
			if _, err := s.machine.Fail(context.WithoutCancel(ctx), job.ID, cause, nil); err != nil &&
				!errors.Is(err, lifecycle.ErrIllegalTransition) {
				logger.Error("fail panicked job", zap.Error(err))
			}
		}
	}()

	running, err := s.machine.Start(ctx, job.ID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrIllegalTransition) || errors.Is(err, crawler.ErrNotFound) {
			logger.Debug("skipping job no longer pending", zap.Error(err))
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		logger.Error("start job, requeueing", zap.Error(err))
		return false
	}
	if err := s.runner.Run(ctx, running); err != nil {
		logger.Debug("job run returned error", zap.Error(err))
	}
	return true
}

func (s *Scheduler) cancel(jobID string) CancelResult {
	for i, job := range s.deferred {
		if job.ID == jobID {
			s.deferred = append(s.deferred[:i], s.deferred[i+1:]...)
			return Dequeued
		}
	}
	if s.queue.Remove(jobID) {
		metrics.SetScheduler(s.queue.Len(), len(s.active))
		return Dequeued
	}
	if cancel, ok := s.active[jobID]; ok {
		cancel()
		return Interrupted
	}
	return NotTracked
}

func (s *Scheduler) shutdown() {
	for id, cancel := range s.active {
		s.logger.Info("interrupting job for shutdown", zap.String("job_id", id))
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	// Job goroutines may be blocked sending on doneCh; drain until they exit.
	for {
		select {
		case <-done:
			return
		case done := <-s.doneCh:
			delete(s.active, done.jobID)
		}
	}
}
