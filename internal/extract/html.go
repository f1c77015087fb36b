// Package extract turns fetched markup and documents into normalized text,
// markdown and embedded structured data.
package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// HTMLDocument is the parsed view of a page.
type HTMLDocument struct {
	Title string
	// Text is the visible text with whitespace collapsed.
	Text string
	// Structured holds every JSON-LD object found on the page, @graph entries flattened.
	Structured []map[string]any
	// Meta holds description, canonical URL, OpenGraph and Twitter card tags.
	Meta  map[string]any
	Links []string
}

// ParseHTML parses raw markup fetched from pageURL.
func ParseHTML(raw, pageURL string) (HTMLDocument, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return HTMLDocument{}, fmt.Errorf("parse html: %w", err)
	}
	out := HTMLDocument{
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		Structured: jsonLD(doc),
		Meta:       metaTags(doc),
		Links:      links(doc, pageURL),
	}
	if out.Title == "" {
		out.Title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find("script, style, noscript, template").Remove()
	out.Text = CollapseWhitespace(body.Text())
	return out, nil
}

// StructuredData returns the JSON-LD blocks and meta tags of raw as the list
// stored on a content row. Meta tags, when present, form the last element
// under "@type": "meta".
func StructuredData(raw string) ([]map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	out := jsonLD(doc)
	if meta := metaTags(doc); len(meta) > 0 {
		meta["@type"] = "meta"
		out = append(out, meta)
	}
	return out, nil
}

func jsonLD(doc *goquery.Document) []map[string]any {
	var out []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		var data any
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			return
		}
		out = appendJSONLD(out, data)
	})
	return out
}

func appendJSONLD(out []map[string]any, data any) []map[string]any {
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			out = appendJSONLD(out, item)
		}
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			return appendJSONLD(out, graph)
		}
		out = append(out, v)
	}
	return out
}

func metaTags(doc *goquery.Document) map[string]any {
	meta := make(map[string]any)
	og := make(map[string]string)
	twitter := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if content == "" {
			return
		}
		property := s.AttrOr("property", "")
		name := strings.ToLower(s.AttrOr("name", ""))
		switch {
		case strings.HasPrefix(property, "og:"):
			og[strings.TrimPrefix(property, "og:")] = content
		case strings.HasPrefix(name, "twitter:"):
			twitter[strings.TrimPrefix(name, "twitter:")] = content
		case name == "description" || name == "keywords" || name == "author":
			meta[name] = content
		}
	})
	if len(og) > 0 {
		meta["open_graph"] = og
	}
	if len(twitter) > 0 {
		meta["twitter_card"] = twitter
	}
	if canonical := doc.Find(`link[rel="canonical"]`).AttrOr("href", ""); canonical != "" {
		meta["canonical_url"] = canonical
	}
	return meta
}

func links(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		ref.Fragment = ""
		abs := ref.String()
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// Markdown converts raw markup to markdown, resolving relative links against pageURL.
func Markdown(raw, pageURL string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	opts := &md.Options{}
	domain := ""
	if base, err := url.Parse(pageURL); err == nil && base.IsAbs() {
		domain = base.Host
		opts.GetAbsoluteURL = func(_ *goquery.Selection, rawURL, _ string) string {
			return resolveAgainst(base, rawURL)
		}
	}
	converter := md.NewConverter(domain, true, opts)
	converter.Remove("script", "style", "noscript")
	out, err := converter.ConvertString(raw)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// resolveAgainst keeps absolute and data URLs as they are and resolves the
// rest against base.
func resolveAgainst(base *url.URL, rawURL string) string {
	ref, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || ref.Scheme == "data" || ref.IsAbs() {
		return rawURL
	}
	return base.ResolveReference(ref).String()
}

// CollapseWhitespace joins the fields of s with single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
