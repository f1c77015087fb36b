package crawler

// Bounds and defaults applied by NormalizeConfig.
const (
	MinDepth           = 1
	MaxDepth           = 10
	DefaultDepth       = 3
	MinRateLimitMs     = 0
	MaxRateLimitMs     = 10000
	DefaultRateLimitMs = 1000
)

// PartialConfig is the client-supplied crawl configuration. Nil fields take defaults.
type PartialConfig struct {
	MaxDepth              *int     `json:"max_depth,omitempty"`
	IncludePatterns       []string `json:"include_patterns,omitempty"`
	ExcludePatterns       []string `json:"exclude_patterns,omitempty"`
	FollowExternalLinks   *bool    `json:"follow_external_links,omitempty"`
	CaptureScreenshots    *bool    `json:"capture_screenshots,omitempty"`
	ExtractStructuredData *bool    `json:"extract_structured_data,omitempty"`
	ProcessDocuments      *bool    `json:"process_documents,omitempty"`
	RateLimitMs           *int     `json:"rate_limit_ms,omitempty"`
	AIExtraction          *bool    `json:"ai_extraction,omitempty"`
	ExtractionPrompt      *string  `json:"extraction_prompt,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is supplied.
func DefaultConfig() JobConfig {
	return JobConfig{
		MaxDepth:              DefaultDepth,
		IncludePatterns:       []string{"*"},
		ExcludePatterns:       []string{},
		FollowExternalLinks:   false,
		CaptureScreenshots:    false,
		ExtractStructuredData: true,
		ProcessDocuments:      true,
		RateLimitMs:           DefaultRateLimitMs,
		AIExtraction:          true,
	}
}

// NormalizeConfig fills defaults and enforces hard bounds.
func NormalizeConfig(partial PartialConfig) (JobConfig, error) {
	cfg := DefaultConfig()

	if partial.MaxDepth != nil {
		if *partial.MaxDepth < MinDepth || *partial.MaxDepth > MaxDepth {
			return JobConfig{}, NewValidationError("max_depth", "must be between %d and %d, got %d", MinDepth, MaxDepth, *partial.MaxDepth)
		}
		cfg.MaxDepth = *partial.MaxDepth
	}
	if partial.RateLimitMs != nil {
		if *partial.RateLimitMs < MinRateLimitMs || *partial.RateLimitMs > MaxRateLimitMs {
			return JobConfig{}, NewValidationError("rate_limit_ms", "must be between %d and %d, got %d", MinRateLimitMs, MaxRateLimitMs, *partial.RateLimitMs)
		}
		cfg.RateLimitMs = *partial.RateLimitMs
	}
	if patterns := cleanPatterns(partial.IncludePatterns); len(patterns) > 0 {
		cfg.IncludePatterns = patterns
	}
	if patterns := cleanPatterns(partial.ExcludePatterns); len(patterns) > 0 {
		cfg.ExcludePatterns = patterns
	}
	cfg.FollowExternalLinks = valueOr(partial.FollowExternalLinks, cfg.FollowExternalLinks)
	cfg.CaptureScreenshots = valueOr(partial.CaptureScreenshots, cfg.CaptureScreenshots)
	cfg.ExtractStructuredData = valueOr(partial.ExtractStructuredData, cfg.ExtractStructuredData)
	cfg.ProcessDocuments = valueOr(partial.ProcessDocuments, cfg.ProcessDocuments)
	cfg.AIExtraction = valueOr(partial.AIExtraction, cfg.AIExtraction)
	cfg.ExtractionPrompt = Truncate(valueOr(partial.ExtractionPrompt, ""), 4000)

	return cfg, nil
}

// Partial converts a validated config back into its fully-populated partial form.
func (c JobConfig) Partial() PartialConfig {
	prompt := c.ExtractionPrompt
	return PartialConfig{
		MaxDepth:              &c.MaxDepth,
		IncludePatterns:       append([]string(nil), c.IncludePatterns...),
		ExcludePatterns:       append([]string(nil), c.ExcludePatterns...),
		FollowExternalLinks:   &c.FollowExternalLinks,
		CaptureScreenshots:    &c.CaptureScreenshots,
		ExtractStructuredData: &c.ExtractStructuredData,
		ProcessDocuments:      &c.ProcessDocuments,
		RateLimitMs:           &c.RateLimitMs,
		AIExtraction:          &c.AIExtraction,
		ExtractionPrompt:      &prompt,
	}
}

func cleanPatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = Truncate(p, 512); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func valueOr[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
