// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/extract"
)

// DefaultMaxPages bounds a crawl when the request does not.
const DefaultMaxPages = 100

// HostLimiter paces requests per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxPages      int
	MaxBodyBytes  int
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	limiter   HostLimiter
	transport http.RoundTripper
	logger    *zap.Logger
	now       func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter HostLimiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		limiter:   limiter,
		transport: newRobotsTransport(newHTTPTransport(), logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// crawlState collects the units reached by one Crawl or Scrape call.
type crawlState struct {
	mu       sync.Mutex
	request  crawler.CrawlRequest
	patterns *crawler.PatternSet
	pages    []crawler.Page
	started  int
	seedErr  error
}

func (s *crawlState) add(page crawler.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, page)
}

// Crawl walks from request.URL. MaxDepth counts link hops from the seed.
// A failure of the seed itself is returned as the error; later failures
// are reported on their Page.
func (f *Fetcher) Crawl(ctx context.Context, request crawler.CrawlRequest) ([]crawler.Page, error) {
	if request.MaxPages <= 0 {
		request.MaxPages = f.cfg.MaxPages
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("colly crawl canceled: %w", err)
	}
	state := &crawlState{
		request:  request,
		patterns: crawler.NewPatternSet(request.Include, request.Exclude),
	}
	collector, err := f.buildCollector(ctx, request.MaxDepth+1, request.Delay)
	if err != nil {
		return nil, err
	}
	f.configureCollectorHooks(ctx, collector, state)

	err = f.runCollector(ctx, collector, request.URL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("colly crawl canceled: %w", ctxErr)
	}
	if state.seedErr != nil {
		return nil, state.seedErr
	}
	if err != nil {
		return nil, err
	}
	return state.pages, nil
}

// Scrape fetches exactly one URL without following links.
func (f *Fetcher) Scrape(ctx context.Context, rawURL string) (crawler.Page, error) {
	pages, err := f.Crawl(ctx, crawler.CrawlRequest{URL: rawURL, MaxDepth: 0, MaxPages: 1})
	if err != nil {
		return crawler.Page{}, err
	}
	if len(pages) == 0 {
		return crawler.Page{}, fmt.Errorf("scrape %s: no response", rawURL)
	}
	return pages[0], nil
}

// buildCollector starts from a fresh collector on every call: clones share
// the visited-URL store, which would stop a URL from being fetched twice.
func (f *Fetcher) buildCollector(ctx context.Context, maxDepth int, delay time.Duration) (*colly.Collector, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.WithTransport(f.transport)
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}
	collector.Context = ctx
	collector.MaxDepth = maxDepth
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	if delay > 0 {
		if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: delay}); err != nil {
			return nil, fmt.Errorf("colly limit rule: %w", err)
		}
	}
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(ctx context.Context, hooks collectorHooks, state *crawlState) {
	hooks.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		state.mu.Lock()
		full := state.started >= state.request.MaxPages
		if !full {
			state.started++
		}
		state.mu.Unlock()
		if full {
			r.Abort()
			return
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, r.URL.String()); err != nil {
				r.Abort()
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		page := f.toPage(r)
		req := state.request
		if !req.DocumentsOnly || page.Document {
			kept := page
			if req.LinksOnly {
				kept.Body = nil
			}
			state.add(kept)
		}
		for _, link := range page.Links {
			if !follow(state, link) {
				continue
			}
			if err := r.Request.Visit(link); err != nil && !benignVisitError(err) {
				f.logger.Debug("link not followed", zap.String("url", link), zap.Error(err))
			}
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		var (
			url    string
			status int
			depth  int
		)
		if r != nil {
			status = r.StatusCode
			if r.Request != nil {
				url = r.Request.URL.String()
				depth = r.Request.Depth - 1
			}
		}
		fetchErr := &crawler.FetchError{URL: url, Attempts: 1, Err: err}
		if depth > 0 && state.request.DocumentsOnly && !crawler.IsDocumentURL(url) {
			f.logger.Debug("discovery page failed", zap.String("url", url), zap.Error(err))
			return
		}
		if depth <= 0 {
			state.mu.Lock()
			state.seedErr = classify(status, fetchErr)
			state.mu.Unlock()
			return
		}
		state.add(crawler.Page{URL: url, StatusCode: status, Depth: depth, FetchedAt: f.now(), Err: fetchErr})
	})
}

func follow(state *crawlState, link string) bool {
	req := state.request
	if !req.FollowExternal && !crawler.SameHost(req.URL, link) {
		return false
	}
	if req.LinksOnly && crawler.IsDocumentURL(link) {
		return false
	}
	return state.patterns.Allows(link)
}

func (f *Fetcher) toPage(r *colly.Response) crawler.Page {
	contentType := ""
	if r.Headers != nil {
		contentType = r.Headers.Get("Content-Type")
	}
	page := crawler.Page{
		URL:         r.Request.URL.String(),
		ContentType: contentType,
		StatusCode:  r.StatusCode,
		Depth:       r.Request.Depth - 1,
		FetchedAt:   f.now(),
		Body:        append([]byte(nil), r.Body...),
	}
	if crawler.IsDocumentURL(page.URL) || crawler.IsDocumentContentType(contentType) {
		page.Document = true
		page.Title = path.Base(r.Request.URL.Path)
		return page
	}
	if isHTML(contentType, r.Body) {
		page.HTML = string(r.Body)
		doc, err := extract.ParseHTML(page.HTML, page.URL)
		if err != nil {
			f.logger.Debug("html parse failed", zap.String("url", page.URL), zap.Error(err))
			return page
		}
		page.Title = doc.Title
		page.Text = doc.Text
		page.Links = doc.Links
		return page
	}
	page.Text = extract.CollapseWhitespace(string(r.Body))
	return page
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && !alreadyVisited(err) {
			return classify(0, &crawler.FetchError{URL: url, Attempts: 1, Err: err})
		}
		return nil
	}
}

// classify marks client errors other than 429 as not worth retrying.
func classify(status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return crawler.Permanent(err)
	}
	if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenDomain) {
		return crawler.Permanent(err)
	}
	return err
}

func benignVisitError(err error) bool {
	return alreadyVisited(err) ||
		errors.Is(err, colly.ErrMaxDepth) ||
		errors.Is(err, colly.ErrRobotsTxtBlocked) ||
		errors.Is(err, colly.ErrForbiddenDomain)
}

// alreadyVisited matches on the message; colly has changed the error's
// concrete type between releases.
func alreadyVisited(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already visited")
}

func isHTML(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
