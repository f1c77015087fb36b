// Package pipeline executes admitted jobs: it selects the strategy for the
// job type, fetches through the configured provider, ingests every unit and
// finishes the job through the lifecycle machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/analysis"
	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/lifecycle"
	"github.com/JakeFAU/grant-harvester/internal/logging"
)

var tracer = otel.Tracer("github.com/JakeFAU/grant-harvester/internal/pipeline")

// Progress reserved for completion bookkeeping: page loops report at most 90.
const crawlProgressCeiling = 90

// Strategy runs one job type.
type Strategy interface {
	Execute(ctx context.Context, run *Run) (crawler.JobResult, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, run *Run) (crawler.JobResult, error)

// Execute implements Strategy.
func (f StrategyFunc) Execute(ctx context.Context, run *Run) (crawler.JobResult, error) {
	return f(ctx, run)
}

// Analyzer is the AI-analysis stage as seen by ingestion.
type Analyzer interface {
	Analyze(ctx context.Context, content crawler.ScrapedContent, opts analysis.Options) (crawler.ScrapedContent, analysis.Outcome, error)
}

// RenderDetector decides when a fetched page should be re-rendered headless.
type RenderDetector interface {
	ShouldRender(page crawler.Page) bool
}

// Config controls Executor behavior.
type Config struct {
	// BlobPrefix is prepended to archived object paths.
	BlobPrefix string
	// MaxPages bounds crawl-type strategies.
	MaxPages int
	// FetchAttempts, FetchBaseDelay and FetchMaxDelay shape the fetch retry.
	FetchAttempts  int
	FetchBaseDelay time.Duration
	FetchMaxDelay  time.Duration
}

// Deps are the collaborators of an Executor. Renderer, Detector, Blobs and
// Analyzer may be nil.
type Deps struct {
	Fetcher  crawler.Fetcher
	Renderer crawler.Renderer
	Detector RenderDetector
	Contents crawler.ContentStore
	Blobs    crawler.BlobStore
	Hasher   crawler.Hasher
	Analyzer Analyzer
	Machine  *lifecycle.Machine
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
}

// Executor runs jobs that the scheduler already moved to running.
type Executor struct {
	deps       Deps
	cfg        Config
	retry      *crawler.ExponentialRetryPolicy
	strategies map[crawler.JobType]Strategy
	logger     *zap.Logger
}

// NewExecutor wires an Executor with the built-in strategies.
func NewExecutor(deps Deps, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		deps:   deps,
		cfg:    cfg,
		retry:  crawler.NewExponentialRetryPolicy(cfg.FetchAttempts, cfg.FetchBaseDelay, cfg.FetchMaxDelay),
		logger: logger,
	}
	e.strategies = map[crawler.JobType]Strategy{
		crawler.JobTypeFullCrawl:       StrategyFunc(fullCrawl),
		crawler.JobTypeTargetedScrape:  StrategyFunc(targetedScrape),
		crawler.JobTypeAIExtract:       StrategyFunc(aiExtract),
		crawler.JobTypeDocumentHarvest: StrategyFunc(documentHarvest),
		crawler.JobTypeLinkDiscovery:   StrategyFunc(linkDiscovery),
		crawler.JobTypeMonitor:         StrategyFunc(monitor),
	}
	return e
}

// WithSleep replaces the fetch retry wait, mainly for tests.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.retry.WithSleep(sleep)
	return e
}

// Run executes job and records its outcome. It returns the error that failed
// the job, or the context error when the run was interrupted.
func (e *Executor) Run(ctx context.Context, job crawler.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
	))
	defer span.End()

	err := e.run(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Executor) run(ctx context.Context, job crawler.Job) error {
	strategy, ok := e.strategies[job.Type]
	if !ok {
		err := crawler.NewValidationError("job_type", "no strategy for %q", job.Type)
		e.fail(ctx, job.ID, err, nil)
		return err
	}

	run := &Run{Job: job, exec: e, logger: logging.ForJob(e.logger, job)}
	started := e.deps.Clock.Now()
	run.logger.Info("job started", zap.String("url", job.SourceURL))

	result, err := strategy.Execute(ctx, run)
	elapsed := e.deps.Clock.Now().Sub(started)
	run.addStats(context.WithoutCancel(ctx), crawler.JobStats{ProcessingTimeMs: elapsed.Milliseconds()})

	if ctxErr := ctx.Err(); ctxErr != nil {
		run.logger.Info("job interrupted", zap.Error(ctxErr))
		return ctxErr
	}
	if err != nil {
		run.logger.Warn("job failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		e.fail(ctx, job.ID, err, &result)
		return err
	}
	if _, err := e.deps.Machine.Complete(ctx, job.ID, result); err != nil && !errors.Is(err, lifecycle.ErrIllegalTransition) {
		run.logger.Error("complete job", zap.Error(err))
		return err
	}
	run.logger.Info("job completed",
		zap.Int("pages_attempted", result.PagesAttempted),
		zap.Int("pages_succeeded", result.PagesSucceeded),
		zap.Int("records", result.RecordsFound),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func (e *Executor) fail(ctx context.Context, jobID string, cause error, result *crawler.JobResult) {
	if _, err := e.deps.Machine.Fail(ctx, jobID, cause, result); err != nil && !errors.Is(err, lifecycle.ErrIllegalTransition) {
		e.logger.Error("fail job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (e *Executor) blobPath(jobID, hash, ext string) string {
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.%s", jobID, hash, ext)
	}
	return fmt.Sprintf("%s/%s/%s.%s", prefix, jobID, hash, ext)
}

// Run is the per-job state handed to a strategy.
type Run struct {
	Job    crawler.Job
	exec   *Executor
	logger *zap.Logger
	result crawler.JobResult
}

func (r *Run) crawlRequest() crawler.CrawlRequest {
	cfg := r.Job.Config
	return crawler.CrawlRequest{
		JobID:          r.Job.ID,
		URL:            r.Job.SourceURL,
		MaxDepth:       cfg.MaxDepth,
		MaxPages:       r.exec.cfg.MaxPages,
		Include:        cfg.IncludePatterns,
		Exclude:        cfg.ExcludePatterns,
		FollowExternal: cfg.FollowExternalLinks,
	}
}

// crawl runs the provider crawl under the fetch retry policy.
func (r *Run) crawl(ctx context.Context, req crawler.CrawlRequest) ([]crawler.Page, error) {
	var pages []crawler.Page
	attempts, err := r.exec.retry.Do(ctx, func(ctx context.Context) error {
		var crawlErr error
		pages, crawlErr = r.exec.deps.Fetcher.Crawl(ctx, req)
		return crawlErr
	})
	if err != nil {
		return nil, fetchFailure(req.URL, attempts, err)
	}
	return pages, nil
}

// scrape fetches a single URL under the fetch retry policy.
func (r *Run) scrape(ctx context.Context, url string) (crawler.Page, error) {
	var page crawler.Page
	attempts, err := r.exec.retry.Do(ctx, func(ctx context.Context) error {
		var scrapeErr error
		page, scrapeErr = r.exec.deps.Fetcher.Scrape(ctx, url)
		return scrapeErr
	})
	if err != nil {
		return crawler.Page{}, fetchFailure(url, attempts, err)
	}
	return page, nil
}

func fetchFailure(url string, attempts int, err error) error {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		err = fe.Err
	}
	return &crawler.FetchError{URL: url, Attempts: attempts, Err: err}
}

func (r *Run) progress(ctx context.Context, pct int) {
	if _, err := r.exec.deps.Machine.Progress(ctx, r.Job.ID, pct); err != nil && !errors.Is(err, lifecycle.ErrIllegalTransition) {
		r.logger.Warn("progress update failed", zap.Int("progress", pct), zap.Error(err))
	}
}

// addStats drops deltas for jobs that left running, such as cancelled ones.
func (r *Run) addStats(ctx context.Context, delta crawler.JobStats) {
	if err := r.exec.deps.Machine.AddStats(ctx, r.Job.ID, delta); err != nil && !errors.Is(err, lifecycle.ErrIllegalTransition) {
		r.logger.Warn("stats update failed", zap.Error(err))
	}
}
