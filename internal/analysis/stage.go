// Package analysis runs the AI extraction stage over scraped content and
// persists the candidate records it recognizes.
package analysis

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/lifecycle"
)

// Config bounds what the stage submits and stores.
type Config struct {
	MinLength      int
	Keywords       []string
	MaxChars       int
	Attempts       int
	Backoff        time.Duration
	TitleMax       int
	DescriptionMax int
	TextMax        int
	// DirectFloor is the lowest confidence stored on content analyzed by an
	// ai_extract job.
	DirectFloor float64
	// DirectBoost is added to the confidence of records from an ai_extract job.
	DirectBoost float64
}

// DefaultKeywords is the pre-filter vocabulary.
var DefaultKeywords = []string{
	"grant", "funding", "fund", "award", "fellowship", "scholarship",
	"opportunity", "deadline", "eligib", "apply", "proposal",
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		MinLength:      200,
		Keywords:       DefaultKeywords,
		MaxChars:       12000,
		Attempts:       2,
		Backoff:        2 * time.Second,
		TitleMax:       300,
		DescriptionMax: 4000,
		TextMax:        500,
		DirectFloor:    0.9,
		DirectBoost:    0.1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinLength <= 0 {
		c.MinLength = def.MinLength
	}
	if len(c.Keywords) == 0 {
		c.Keywords = def.Keywords
	}
	if c.MaxChars <= 0 {
		c.MaxChars = def.MaxChars
	}
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.TitleMax <= 0 {
		c.TitleMax = def.TitleMax
	}
	if c.DescriptionMax <= 0 {
		c.DescriptionMax = def.DescriptionMax
	}
	if c.TextMax <= 0 {
		c.TextMax = def.TextMax
	}
	if c.DirectFloor <= 0 {
		c.DirectFloor = def.DirectFloor
	}
	if c.DirectBoost <= 0 {
		c.DirectBoost = def.DirectBoost
	}
	return c
}

// StatsRecorder receives counter deltas for the owning job.
type StatsRecorder interface {
	AddStats(ctx context.Context, jobID string, delta crawler.JobStats) error
}

// Options tune a single Analyze call.
type Options struct {
	// Direct marks content fetched by an ai_extract job: the keyword filter
	// is skipped and confidences are raised.
	Direct bool
	Prompt string
}

// Outcome reports what Analyze did with a content row.
type Outcome int

// Outcomes.
const (
	OutcomeSkipped Outcome = iota
	OutcomeAnalyzed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnalyzed:
		return "analyzed"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Stage submits content to an Extractor and stores its findings.
type Stage struct {
	cfg       Config
	extractor crawler.Extractor
	contents  crawler.ContentStore
	records   crawler.RecordStore
	stats     StatsRecorder
	ids       crawler.IDGenerator
	clock     crawler.Clock
	retry     *crawler.ExponentialRetryPolicy
	logger    *zap.Logger
}

// NewStage wires a Stage.
func NewStage(
	cfg Config,
	extractor crawler.Extractor,
	contents crawler.ContentStore,
	records crawler.RecordStore,
	stats StatsRecorder,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Stage {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		cfg:       cfg,
		extractor: extractor,
		contents:  contents,
		records:   records,
		stats:     stats,
		ids:       ids,
		clock:     clock,
		retry:     crawler.NewExponentialRetryPolicy(cfg.Attempts, cfg.Backoff, cfg.Backoff),
		logger:    logger,
	}
}

// WithSleep replaces the retry wait, mainly for tests.
func (s *Stage) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Stage {
	s.retry.WithSleep(sleep)
	return s
}

// Eligible reports whether text passes the length and keyword pre-filter.
func (s *Stage) Eligible(text string, direct bool) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if direct {
		return true
	}
	if len([]rune(text)) < s.cfg.MinLength {
		return false
	}
	for _, kw := range s.cfg.Keywords {
		if crawler.ContainsFold(text, kw) {
			return true
		}
	}
	return false
}

// Analyze runs extraction over content and returns the updated row. A failed
// extraction marks the row ai_failed and returns a *crawler.AnalysisError;
// storage failures are returned as persistence errors.
func (s *Stage) Analyze(ctx context.Context, content crawler.ScrapedContent, opts Options) (crawler.ScrapedContent, Outcome, error) {
	text := analysisText(content)
	if !s.Eligible(text, opts.Direct) {
		return content, OutcomeSkipped, nil
	}
	text = crawler.Truncate(text, s.cfg.MaxChars)

	var result crawler.AnalysisResult
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		var extractErr error
		result, extractErr = s.extractor.Extract(ctx, text, opts.Prompt)
		return extractErr
	})
	if err != nil {
		return s.fail(ctx, content, attempts, err)
	}

	stored := 0
	for _, candidate := range result.Records {
		record, ok := s.sanitize(content, candidate, opts.Direct)
		if !ok {
			continue
		}
		if _, err := s.records.InsertRecord(ctx, record); err != nil {
			return content, OutcomeFailed, crawler.Persistence("record", err)
		}
		stored++
	}

	confidence := crawler.Clamp01(result.OverallConfidence)
	if opts.Direct {
		confidence = max(confidence, s.cfg.DirectFloor)
	}
	content.AIAnalysis = map[string]any{
		"records":            result.Records,
		"overall_confidence": result.OverallConfidence,
		"metadata":           result.Metadata,
		"attempts":           attempts,
		"records_stored":     stored,
		"direct":             opts.Direct,
	}
	content.AIError = ""
	content.Confidence = confidence
	content.Status = crawler.ContentStatusAIAnalyzed
	content.UpdatedAt = s.clock.Now()
	updated, err := s.contents.UpsertContent(ctx, content)
	if err != nil {
		return content, OutcomeFailed, crawler.Persistence("content", err)
	}
	if err := s.addStats(ctx, content.JobID, crawler.JobStats{RecordsFound: stored, AIAnalyzed: 1}); err != nil {
		return updated, OutcomeAnalyzed, err
	}
	s.logger.Debug("content analyzed",
		zap.String("job_id", content.JobID),
		zap.String("content_id", content.ID),
		zap.Int("records", stored),
		zap.Float64("confidence", confidence),
	)
	return updated, OutcomeAnalyzed, nil
}

func (s *Stage) fail(ctx context.Context, content crawler.ScrapedContent, attempts int, cause error) (crawler.ScrapedContent, Outcome, error) {
	analysisErr := &crawler.AnalysisError{ContentID: content.ID, Attempts: attempts, Err: cause}
	s.logger.Warn("content analysis failed",
		zap.String("job_id", content.JobID),
		zap.String("content_id", content.ID),
		zap.String("url", content.URL),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	content.Status = crawler.ContentStatusAIFailed
	content.AIError = crawler.Truncate(cause.Error(), s.cfg.DescriptionMax)
	content.UpdatedAt = s.clock.Now()
	updated, err := s.contents.UpsertContent(ctx, content)
	if err != nil {
		return content, OutcomeFailed, crawler.Persistence("content", err)
	}
	if err := s.addStats(ctx, content.JobID, crawler.JobStats{ErrorsEncountered: 1}); err != nil {
		return updated, OutcomeFailed, err
	}
	return updated, OutcomeFailed, analysisErr
}

// addStats drops deltas for jobs that already reached a terminal status.
func (s *Stage) addStats(ctx context.Context, jobID string, delta crawler.JobStats) error {
	if s.stats == nil {
		return nil
	}
	err := s.stats.AddStats(ctx, jobID, delta)
	if errors.Is(err, lifecycle.ErrIllegalTransition) {
		return nil
	}
	return err
}

func (s *Stage) sanitize(content crawler.ScrapedContent, c crawler.CandidateRecord, direct bool) (crawler.ExtractedRecord, bool) {
	title := crawler.Truncate(c.Title, s.cfg.TitleMax)
	if title == "" {
		return crawler.ExtractedRecord{}, false
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("record id generation failed", zap.Error(err))
		return crawler.ExtractedRecord{}, false
	}
	confidence := crawler.Clamp01(c.Confidence)
	if direct {
		confidence = crawler.Clamp01(confidence + s.cfg.DirectBoost)
	}
	amountMin, amountMax := c.AmountMin, c.AmountMax
	if amountMin != nil && amountMax != nil && *amountMin > *amountMax {
		amountMin, amountMax = amountMax, amountMin
	}
	metadata := c.Metadata
	deadline := ParseDeadline(c.Deadline)
	if deadline == nil && strings.TrimSpace(c.Deadline) != "" {
		metadata = copyMap(metadata)
		metadata["deadline_raw"] = crawler.Truncate(c.Deadline, s.cfg.TextMax)
	}
	return crawler.ExtractedRecord{
		ID:          id,
		ContentID:   content.ID,
		JobID:       content.JobID,
		Title:       title,
		Description: crawler.Truncate(c.Description, s.cfg.DescriptionMax),
		AmountMin:   amountMin,
		AmountMax:   amountMax,
		Currency:    strings.ToUpper(crawler.Truncate(c.Currency, s.cfg.TextMax)),
		Deadline:    deadline,
		Eligibility: s.boundList(c.Eligibility),
		Categories:  s.boundList(c.Categories),
		ContactInfo: s.boundMap(c.ContactInfo),
		Confidence:  confidence,
		AIMetadata:  metadata,
		CreatedAt:   s.clock.Now(),
	}, true
}

func (s *Stage) boundList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if item = crawler.Truncate(item, s.cfg.TextMax); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (s *Stage) boundMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = crawler.Truncate(k, s.cfg.TextMax)
		if v = crawler.Truncate(v, s.cfg.TextMax); k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

var deadlineLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"01/02/2006",
}

// ParseDeadline reads a deadline in one of the common date layouts. Unknown
// formats yield nil.
func ParseDeadline(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func analysisText(content crawler.ScrapedContent) string {
	if strings.TrimSpace(content.Markdown) != "" {
		return content.Markdown
	}
	return content.Content
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
