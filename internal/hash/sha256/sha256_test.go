package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestContentDigestIgnoresWhitespace(t *testing.T) {
	t.Parallel()

	a := ContentDigest("Open call\n\n  for   proposals")
	b := ContentDigest("Open call for proposals ")
	c := ContentDigest("Closed call for proposals")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestContentDigestMatchesHasherOnNormalizedText(t *testing.T) {
	t.Parallel()

	raw, err := New().Hash([]byte("Deadline: 30 June"))
	require.NoError(t, err)
	require.Equal(t, raw, ContentDigest("  Deadline:\t30   June\n"))
	require.Len(t, raw, 64)
}
