// Package detector decides when a fetched page needs a headless render
// before its content can be ingested.
package detector

import (
	"net/http"
	"strings"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	"id=\"__next\"",
	"id=\"root\"",
	"id=\"app\"",
	"data-reactroot",
	"ng-version",
}

// ShouldRender reports whether page looks like a script-driven shell whose
// visible text only appears after rendering. Documents never qualify.
func (h *Heuristic) ShouldRender(page crawler.Page) bool {
	if page.Document || page.Err != nil || page.StatusCode != http.StatusOK {
		return false
	}
	body := page.HTML
	if strings.TrimSpace(body) == "" {
		return true
	}
	if len(strings.TrimSpace(page.Text)) < 200 {
		for _, marker := range spaMarkers {
			if strings.Contains(body, marker) {
				return true
			}
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(body)
}

func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		var nextSearch int
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}
	return scriptCoverage*100/total >= 25
}
