package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var documentExtensions = map[string]struct{}{
	".pdf":  {},
	".doc":  {},
	".docx": {},
	".xls":  {},
	".xlsx": {},
	".ppt":  {},
	".pptx": {},
	".odt":  {},
	".rtf":  {},
	".txt":  {},
	".csv":  {},
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// ValidateSourceURL checks that raw is an absolute http(s) URL and returns its normalized form.
func ValidateSourceURL(field, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", NewValidationError(field, "is required")
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", NewValidationError(field, "malformed url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", NewValidationError(field, "scheme must be http or https")
	}
	if u.Host == "" {
		return "", NewValidationError(field, "host is required")
	}
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return "", NewValidationError(field, "%v", err)
	}
	return normalized, nil
}

// IsDocumentURL reports whether raw points at a document-like resource.
func IsDocumentURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	_, ok := documentExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// IsDocumentContentType reports whether a response content type is a document.
func IsDocumentContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/pdf") ||
		strings.Contains(ct, "application/msword") ||
		strings.Contains(ct, "officedocument") ||
		strings.Contains(ct, "text/csv")
}

// SameHost reports whether both URLs share a hostname.
func SameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Hostname(), ub.Hostname())
}

// PatternSet matches URLs against glob-style include/exclude patterns.
// A pattern matches when it matches either the URL path or the full URL;
// "*" matches any run of characters including "/".
type PatternSet struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewPatternSet compiles include and exclude globs. An empty include list matches everything.
func NewPatternSet(include, exclude []string) *PatternSet {
	return &PatternSet{
		include: compileGlobs(include),
		exclude: compileGlobs(exclude),
	}
}

// Allows reports whether raw passes the include and exclude patterns.
func (p *PatternSet) Allows(raw string) bool {
	if p == nil {
		return true
	}
	target := []string{raw}
	if u, err := url.Parse(raw); err == nil {
		target = append(target, u.EscapedPath())
	}
	if matchesAny(p.exclude, target) {
		return false
	}
	if len(p.include) == 0 {
		return true
	}
	return matchesAny(p.include, target)
}

// Include returns the compiled include expressions.
func (p *PatternSet) Include() []*regexp.Regexp { return p.include }

// Exclude returns the compiled exclude expressions.
func (p *PatternSet) Exclude() []*regexp.Regexp { return p.exclude }

func compileGlobs(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		glob := strings.TrimSpace(raw)
		if glob == "" {
			continue
		}
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(glob), `\*`, ".*") + "$"
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

func matchesAny(exprs []*regexp.Regexp, targets []string) bool {
	for _, expr := range exprs {
		for _, t := range targets {
			if expr.MatchString(t) {
				return true
			}
		}
	}
	return false
}
