package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// ErrAnalysisUnavailable fails ai_extract jobs when no extractor is configured.
var ErrAnalysisUnavailable = errors.New("ai extraction is not configured")

func fullCrawl(ctx context.Context, run *Run) (crawler.JobResult, error) {
	pages, err := run.crawl(ctx, run.crawlRequest())
	if err != nil {
		return run.result, err
	}
	return run.ingestAll(ctx, pages, ingestOptions{})
}

func documentHarvest(ctx context.Context, run *Run) (crawler.JobResult, error) {
	req := run.crawlRequest()
	req.DocumentsOnly = true
	pages, err := run.crawl(ctx, req)
	if err != nil {
		return run.result, err
	}
	return run.ingestAll(ctx, pages, ingestOptions{})
}

func targetedScrape(ctx context.Context, run *Run) (crawler.JobResult, error) {
	return run.single(ctx, ingestOptions{})
}

func aiExtract(ctx context.Context, run *Run) (crawler.JobResult, error) {
	if run.exec.deps.Analyzer == nil {
		return run.result, ErrAnalysisUnavailable
	}
	return run.single(ctx, ingestOptions{direct: true})
}

func linkDiscovery(ctx context.Context, run *Run) (crawler.JobResult, error) {
	req := run.crawlRequest()
	req.LinksOnly = true
	pages, err := run.crawl(ctx, req)
	if err != nil {
		return run.result, err
	}

	seen := make(map[string]struct{})
	for _, page := range pages {
		run.result.PagesAttempted++
		if page.Err != nil {
			run.recordFailure(ctx, page.URL, page.Err)
			continue
		}
		run.result.PagesSucceeded++
		for _, link := range page.Links {
			seen[link] = struct{}{}
		}
	}
	links := make([]string, 0, len(seen))
	for link := range seen {
		links = append(links, link)
	}
	sort.Strings(links)
	run.result.LinksDiscovered = links
	run.result.SuccessRate = crawler.SuccessRate(run.result.PagesSucceeded, run.result.PagesAttempted)
	run.addStats(ctx, crawler.JobStats{PagesScraped: run.result.PagesSucceeded, LinksDiscovered: len(links)})
	run.progress(ctx, crawlProgressCeiling)
	return run.result, run.allFailed()
}

// monitor re-fetches the source URL and ingests it only when its normalized
// content differs from the newest copy stored by another job.
func monitor(ctx context.Context, run *Run) (crawler.JobResult, error) {
	page, err := run.scrape(ctx, run.Job.SourceURL)
	if err != nil {
		return run.result, err
	}
	run.result.PagesAttempted = 1
	run.progress(ctx, 30)

	content, page, err := run.prepare(ctx, page, ingestOptions{})
	if err != nil {
		run.recordFailure(ctx, page.URL, err)
		return run.result, err
	}

	previous, err := run.exec.deps.Contents.LatestForURL(ctx, content.URL, run.Job.ID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		run.logger.Info("monitor baseline captured", zap.String("url", content.URL))
	case err != nil:
		return run.result, crawler.Persistence("latest content", err)
	case previous.ContentHash == content.ContentHash:
		run.logger.Info("monitored content unchanged", zap.String("url", content.URL))
		run.result.PagesSucceeded = 1
		run.result.SuccessRate = 1
		run.progress(ctx, crawlProgressCeiling)
		return run.result, nil
	default:
		content.Metadata["previous_content_id"] = previous.ID
		content.Metadata["previous_content_hash"] = previous.ContentHash
	}
	run.progress(ctx, 60)

	if _, err := run.store(ctx, content, page, ingestOptions{}); err != nil {
		run.recordFailure(ctx, page.URL, err)
		if !isAnalysisFailure(err) {
			return run.result, err
		}
	} else {
		run.result.PagesSucceeded = 1
	}
	run.result.ContentChanged = true
	run.result.SuccessRate = crawler.SuccessRate(run.result.PagesSucceeded, run.result.PagesAttempted)
	run.collectRecords(ctx)
	if previous.ID != "" {
		run.exec.deps.Machine.ContentChanged(run.Job.ID, content.URL)
	}
	run.progress(ctx, crawlProgressCeiling)
	return run.result, run.allFailed()
}

// single fetches and ingests exactly the source URL.
func (r *Run) single(ctx context.Context, opts ingestOptions) (crawler.JobResult, error) {
	page, err := r.scrape(ctx, r.Job.SourceURL)
	if err != nil {
		return r.result, err
	}
	r.progress(ctx, 40)
	return r.ingestAll(ctx, []crawler.Page{page}, opts)
}

// ingestAll ingests pages in order, pacing ingestions by the job's rate
// limit. Individual failures are collected; the job fails only when every
// unit failed.
func (r *Run) ingestAll(ctx context.Context, pages []crawler.Page, opts ingestOptions) (crawler.JobResult, error) {
	var limiter *rate.Limiter
	if delay := r.Job.Config.RateLimit(); delay > 0 && len(pages) > 1 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	total := len(pages)
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return r.result, fmt.Errorf("ingest canceled: %w", err)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return r.result, fmt.Errorf("ingest delay: %w", err)
			}
		}
		r.result.PagesAttempted++
		if page.Err != nil {
			r.recordFailure(ctx, page.URL, page.Err)
		} else if _, err := r.ingest(ctx, page, opts); err != nil {
			if ctx.Err() != nil {
				return r.result, fmt.Errorf("ingest canceled: %w", ctx.Err())
			}
			r.recordFailure(ctx, page.URL, err)
		} else {
			r.result.PagesSucceeded++
		}
		if len(page.Links) > 0 && page.Err == nil {
			r.addStats(ctx, crawler.JobStats{LinksDiscovered: len(page.Links)})
		}
		r.progress(ctx, crawlProgressCeiling*(i+1)/total)
	}
	r.result.SuccessRate = crawler.SuccessRate(r.result.PagesSucceeded, r.result.PagesAttempted)
	r.collectRecords(ctx)
	return r.result, r.allFailed()
}

// recordFailure notes a failed unit. Analysis failures already counted
// themselves in the job stats.
func (r *Run) recordFailure(ctx context.Context, url string, err error) {
	r.result.Errors = append(r.result.Errors, fmt.Sprintf("%s: %v", url, err))
	if !isAnalysisFailure(err) {
		r.addStats(ctx, crawler.JobStats{ErrorsEncountered: 1})
	}
	r.logger.Warn("unit failed", zap.String("url", url), zap.Error(err))
}

func (r *Run) allFailed() error {
	if r.result.PagesAttempted == 0 || r.result.PagesSucceeded > 0 {
		return nil
	}
	last := r.result.Errors[len(r.result.Errors)-1]
	if r.result.PagesAttempted == 1 {
		return errors.New(last)
	}
	return fmt.Errorf("all %d units failed; last: %s", r.result.PagesAttempted, last)
}

// collectRecords copies the job's record count into the result.
func (r *Run) collectRecords(ctx context.Context) {
	job, err := r.exec.deps.Machine.Job(ctx, r.Job.ID)
	if err != nil {
		r.logger.Debug("record count unavailable", zap.Error(err))
		return
	}
	r.result.RecordsFound = job.Stats.RecordsFound
}
