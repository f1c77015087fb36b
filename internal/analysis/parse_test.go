package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResultStripsFences(t *testing.T) {
	t.Parallel()

	raw := "Here you go:\n```json\n{\"records\":[{\"title\":\"Ocean grant\",\"amount_max\":5000,\"confidence\":0.8}],\"overall_confidence\":0.7}\n```"
	result, err := ParseResult(raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, "Ocean grant", result.Records[0].Title)
	require.Equal(t, 5000.0, *result.Records[0].AmountMax)
	require.InDelta(t, 0.7, result.OverallConfidence, 1e-9)
}

func TestParseResultRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"no json at all",
		`{"overall_confidence":0.5}`,
		`{"records":"nope"}`,
		`{"records":[{"title":"x","amount_min":"lots"}]}`,
	} {
		_, err := ParseResult(raw)
		require.ErrorIs(t, err, ErrMalformedResponse, raw)
	}
}

type stubCompleter struct {
	system, user string
	reply        string
	err          error
}

func (s *stubCompleter) Complete(_ context.Context, system, user string) (string, error) {
	s.system, s.user = system, user
	return s.reply, s.err
}

func TestLLMExtractor(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{reply: `{"records":[],"overall_confidence":0}`}
	extractor := NewLLMExtractor(completer)

	result, err := extractor.Extract(context.Background(), "page text", "focus on arts grants")
	require.NoError(t, err)
	require.Empty(t, result.Records)
	require.Contains(t, completer.system, "funding opportunities")
	require.Equal(t, "Additional instructions: focus on arts grants\n\nContent:\npage text", completer.user)

	completer.err = errors.New("quota")
	_, err = extractor.Extract(context.Background(), "page text", "")
	require.ErrorContains(t, err, "quota")
	require.Equal(t, "Content:\npage text", completer.user)
}
