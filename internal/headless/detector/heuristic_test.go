package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

func TestShouldRender(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	ok := func(html, text string) crawler.Page {
		return crawler.Page{StatusCode: http.StatusOK, HTML: html, Text: text}
	}
	article := "<html><body><p>" + strings.Repeat("Grant guidance for applicants. ", 20) + "</p></body></html>"

	cases := []struct {
		name string
		page crawler.Page
		want bool
	}{
		{"empty body", ok("", ""), true},
		{"spa shell", ok(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`, ""), true},
		{"script heavy", ok(`<html><script>`+strings.Repeat("x", 400)+`</script><p>hi</p></html>`, "hi"), true},
		{"server rendered", ok(article, strings.Repeat("Grant guidance for applicants. ", 20)), false},
		{"error status", crawler.Page{StatusCode: http.StatusNotFound}, false},
		{"document", crawler.Page{StatusCode: http.StatusOK, Document: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldRender(tc.page))
		})
	}
}

func TestScriptDensityHandlesUnclosedTags(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh("<p>a</p><script"))
	require.True(t, scriptDensityHigh("<p>a</p><script>var x = 1;"))
	require.False(t, scriptDensityHigh(""))
	require.False(t, scriptDensityHigh("<p>plain</p>"))
}
