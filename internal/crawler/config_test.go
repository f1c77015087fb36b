package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestNormalizeConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := NormalizeConfig(PartialConfig{})
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxDepth)
	require.Equal(t, []string{"*"}, cfg.IncludePatterns)
	require.Empty(t, cfg.ExcludePatterns)
	require.False(t, cfg.FollowExternalLinks)
	require.False(t, cfg.CaptureScreenshots)
	require.True(t, cfg.ExtractStructuredData)
	require.True(t, cfg.ProcessDocuments)
	require.Equal(t, 1000, cfg.RateLimitMs)
	require.True(t, cfg.AIExtraction)
}

func TestNormalizeConfig_Overrides(t *testing.T) {
	t.Parallel()

	prompt := "  find fellowships  "
	cfg, err := NormalizeConfig(PartialConfig{
		MaxDepth:         intPtr(10),
		RateLimitMs:      intPtr(0),
		IncludePatterns:  []string{"/grants/*", " "},
		ExcludePatterns:  []string{"*.zip"},
		AIExtraction:     boolPtr(false),
		ExtractionPrompt: &prompt,
	})
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MaxDepth)
	require.Equal(t, 0, cfg.RateLimitMs)
	require.Equal(t, []string{"/grants/*"}, cfg.IncludePatterns)
	require.Equal(t, []string{"*.zip"}, cfg.ExcludePatterns)
	require.False(t, cfg.AIExtraction)
	require.Equal(t, "find fellowships", cfg.ExtractionPrompt)
}

func TestNormalizeConfig_RejectsOutOfRange(t *testing.T) {
	t.Parallel()

	cases := map[string]PartialConfig{
		"depth too high":      {MaxDepth: intPtr(11)},
		"depth too low":       {MaxDepth: intPtr(0)},
		"negative rate limit": {RateLimitMs: intPtr(-1)},
		"rate limit too high": {RateLimitMs: intPtr(10001)},
	}
	for name, partial := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NormalizeConfig(partial)
			require.Error(t, err)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
		})
	}
}

func TestJobConfig_PartialRoundTrip(t *testing.T) {
	t.Parallel()

	original, err := NormalizeConfig(PartialConfig{MaxDepth: intPtr(5), CaptureScreenshots: boolPtr(true)})
	require.NoError(t, err)

	clone, err := NormalizeConfig(original.Partial())
	require.NoError(t, err)
	require.Equal(t, original, clone)
}
