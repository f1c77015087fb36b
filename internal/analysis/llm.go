package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// Completer sends one system+user exchange to a language model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const systemPrompt = `You extract funding opportunities (grants, fellowships, scholarships, awards and similar calls) from web content.
Respond with a single JSON object and nothing else, shaped as:
{"records":[{"title":string,"description":string,"amount_min":number|null,"amount_max":number|null,
"currency":string|null,"deadline":"YYYY-MM-DD"|null,"eligibility":[string],"categories":[string],
"contact_info":{string:string},"confidence":number between 0 and 1,"metadata":object}],
"overall_confidence":number between 0 and 1,"metadata":object}
Return {"records":[],"overall_confidence":0} when the content describes no opportunity.
Never invent values that are not supported by the content.`

// LLMExtractor implements crawler.Extractor on top of a Completer.
type LLMExtractor struct {
	completer Completer
}

// NewLLMExtractor wraps completer.
func NewLLMExtractor(completer Completer) *LLMExtractor {
	return &LLMExtractor{completer: completer}
}

// Extract asks the model for records found in text. prompt adds job-specific
// instructions and may be empty.
func (e *LLMExtractor) Extract(ctx context.Context, text, prompt string) (crawler.AnalysisResult, error) {
	raw, err := e.completer.Complete(ctx, systemPrompt, UserPrompt(text, prompt))
	if err != nil {
		return crawler.AnalysisResult{}, fmt.Errorf("complete: %w", err)
	}
	return ParseResult(raw)
}

// UserPrompt builds the user turn for text.
func UserPrompt(text, prompt string) string {
	var b strings.Builder
	if p := strings.TrimSpace(prompt); p != "" {
		b.WriteString("Additional instructions: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString("Content:\n")
	b.WriteString(text)
	return b.String()
}
