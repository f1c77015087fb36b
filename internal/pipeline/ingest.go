package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/analysis"
	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/extract"
	"github.com/JakeFAU/grant-harvester/internal/hash/sha256"
	"github.com/JakeFAU/grant-harvester/internal/metrics"
)

type ingestOptions struct {
	// direct routes the unit straight to AI analysis: no structured data,
	// no keyword filter, elevated confidence.
	direct bool
}

// prepare turns a fetched unit into an unsaved content row with its
// normalized text and digest.
func (r *Run) prepare(ctx context.Context, page crawler.Page, opts ingestOptions) (crawler.ScrapedContent, crawler.Page, error) {
	deps := r.exec.deps
	cfg := r.Job.Config
	now := deps.Clock.Now()

	id, err := deps.IDs.NewID()
	if err != nil {
		return crawler.ScrapedContent{}, page, fmt.Errorf("content id: %w", err)
	}
	content := crawler.ScrapedContent{
		ID:          id,
		JobID:       r.Job.ID,
		URL:         page.URL,
		Title:       page.Title,
		ContentType: crawler.ContentTypePage,
		Status:      crawler.ContentStatusProcessing,
		Metadata: map[string]any{
			"status_code":  page.StatusCode,
			"depth":        page.Depth,
			"content_type": page.ContentType,
			"fetched_at":   page.FetchedAt,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch {
	case page.Document:
		content.ContentType = crawler.ContentTypeDocument
		if cfg.ProcessDocuments || opts.direct {
			doc, err := extract.DocumentText(ctx, page.URL, page.ContentType, page.Body)
			if err != nil {
				return content, page, fmt.Errorf("document %s: %w", page.URL, err)
			}
			content.Content = doc.Text
			content.Markdown = doc.Text
			content.Metadata["page_count"] = doc.PageCount
			content.Metadata["format"] = doc.Format
		}
	default:
		page = r.maybeRender(ctx, page, &content)
		content.Title = page.Title
		content.Content = page.Text
		content.Markdown = page.Text
		if page.HTML != "" {
			markdown, err := extract.Markdown(page.HTML, page.URL)
			if err != nil {
				r.logger.Debug("markdown conversion failed", zap.String("url", page.URL), zap.Error(err))
			} else if markdown != "" {
				content.Markdown = markdown
			}
		}
	}
	if opts.direct {
		content.ContentType = crawler.ContentTypeAIExtraction
	}
	content.ContentHash = sha256.ContentDigest(content.Content)
	return content, page, nil
}

// maybeRender swaps a script-driven shell for its rendered DOM.
func (r *Run) maybeRender(ctx context.Context, page crawler.Page, content *crawler.ScrapedContent) crawler.Page {
	deps := r.exec.deps
	if deps.Renderer == nil || deps.Detector == nil || !deps.Detector.ShouldRender(page) {
		return page
	}
	html, err := deps.Renderer.Render(ctx, page.URL)
	if err != nil {
		r.logger.Warn("headless render failed", zap.String("url", page.URL), zap.Error(err))
		return page
	}
	doc, err := extract.ParseHTML(html, page.URL)
	if err != nil {
		r.logger.Warn("rendered html parse failed", zap.String("url", page.URL), zap.Error(err))
		return page
	}
	page.HTML = html
	page.Text = doc.Text
	if doc.Title != "" {
		page.Title = doc.Title
	}
	content.Metadata["rendered"] = true
	r.logger.Debug("page rendered headless", zap.String("url", page.URL))
	return page
}

// ingest persists one fetched unit and runs every enabled stage over it.
// The returned error marks the unit failed; the row may still be stored.
func (r *Run) ingest(ctx context.Context, page crawler.Page, opts ingestOptions) (crawler.ScrapedContent, error) {
	content, page, err := r.prepare(ctx, page, opts)
	if err != nil {
		return content, err
	}
	return r.store(ctx, content, page, opts)
}

func (r *Run) store(ctx context.Context, content crawler.ScrapedContent, page crawler.Page, opts ingestOptions) (crawler.ScrapedContent, error) {
	deps := r.exec.deps
	cfg := r.Job.Config

	if cfg.ExtractStructuredData && !opts.direct && page.HTML != "" {
		data, err := extract.StructuredData(page.HTML)
		if err != nil {
			r.logger.Debug("structured data extraction failed", zap.String("url", page.URL), zap.Error(err))
		} else {
			content.StructuredData = data
		}
	}
	r.archive(ctx, &content, page)

	stored, err := deps.Contents.UpsertContent(ctx, content)
	if err != nil {
		return content, crawler.Persistence("content", err)
	}
	delta := crawler.JobStats{PagesScraped: 1}
	if page.Document {
		delta = crawler.JobStats{DocumentsProcessed: 1}
	}
	r.addStats(ctx, delta)
	deps.Machine.PageFetched(r.Job.ID, page, int64(len(page.Body)))

	if r.wantsAnalysis(stored, opts) {
		analyzed, outcome, err := deps.Analyzer.Analyze(ctx, stored, analysis.Options{
			Direct: opts.direct,
			Prompt: cfg.ExtractionPrompt,
		})
		metrics.ObserveAnalysis(outcome.String())
		if err != nil {
			return analyzed, err
		}
		if outcome == analysis.OutcomeAnalyzed {
			return analyzed, nil
		}
	}

	stored.Status = crawler.ContentStatusProcessed
	stored.UpdatedAt = deps.Clock.Now()
	final, err := deps.Contents.UpsertContent(ctx, stored)
	if err != nil {
		return stored, crawler.Persistence("content", err)
	}
	return final, nil
}

func (r *Run) wantsAnalysis(content crawler.ScrapedContent, opts ingestOptions) bool {
	if r.exec.deps.Analyzer == nil {
		return false
	}
	if !opts.direct && !r.Job.Config.AIExtraction {
		return false
	}
	return strings.TrimSpace(content.Markdown) != "" || strings.TrimSpace(content.Content) != ""
}

// archive stores raw markup, documents and screenshots in the blob store.
// Archival failures are logged and never fail the unit.
func (r *Run) archive(ctx context.Context, content *crawler.ScrapedContent, page crawler.Page) {
	deps := r.exec.deps
	if deps.Blobs == nil {
		content.RawHTML = page.HTML
		return
	}

	raw, ext, contentType := []byte(page.HTML), "html", "text/html; charset=utf-8"
	if page.Document {
		raw, ext, contentType = page.Body, documentExt(page.URL), page.ContentType
	}
	if len(raw) > 0 {
		if uri, err := r.put(ctx, raw, ext, contentType); err != nil {
			r.logger.Warn("raw archive failed", zap.String("url", page.URL), zap.Error(err))
			content.RawHTML = page.HTML
		} else {
			content.BlobURI = uri
		}
	}

	if !r.Job.Config.CaptureScreenshots || deps.Renderer == nil || page.Document {
		return
	}
	shot, err := deps.Renderer.Screenshot(ctx, page.URL)
	if err != nil {
		r.logger.Warn("screenshot failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	if uri, err := r.put(ctx, shot, "png", "image/png"); err != nil {
		r.logger.Warn("screenshot archive failed", zap.String("url", page.URL), zap.Error(err))
	} else {
		content.ScreenshotURI = uri
	}
}

func (r *Run) put(ctx context.Context, data []byte, ext, contentType string) (string, error) {
	deps := r.exec.deps
	digest, err := deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", ext, err)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	uri, err := deps.Blobs.PutObject(ctx, r.exec.blobPath(r.Job.ID, digest, ext), contentType, data)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func documentExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "bin"
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}

// isAnalysisFailure reports whether err came from the AI stage rather than
// from fetching or persistence.
func isAnalysisFailure(err error) bool {
	var ae *crawler.AnalysisError
	return errors.As(err, &ae)
}
