package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/clock/system"
	"github.com/JakeFAU/grant-harvester/internal/crawler"
	"github.com/JakeFAU/grant-harvester/internal/id/uuid"
	"github.com/JakeFAU/grant-harvester/internal/storage/memory"
)

type scriptedExtractor struct {
	mu      sync.Mutex
	calls   int
	texts   []string
	results []crawler.AnalysisResult
	errs    []error
}

func (s *scriptedExtractor) Extract(_ context.Context, text, _ string) (crawler.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.texts = append(s.texts, text)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return crawler.AnalysisResult{}, err
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return s.results[len(s.results)-1], nil
}

type recordingStats struct {
	mu     sync.Mutex
	totals crawler.JobStats
}

func (r *recordingStats) AddStats(_ context.Context, _ string, delta crawler.JobStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals = r.totals.Add(delta)
	return nil
}

type stageFixture struct {
	stage    *Stage
	contents *memory.ContentStore
	records  *memory.RecordStore
	stats    *recordingStats
	sleeps   []time.Duration
}

func newStageFixture(t *testing.T, extractor crawler.Extractor) *stageFixture {
	t.Helper()
	f := &stageFixture{
		contents: memory.NewContentStore(),
		records:  memory.NewRecordStore(),
		stats:    &recordingStats{},
	}
	clock := system.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f.stage = NewStage(DefaultConfig(), extractor, f.contents, f.records, f.stats, uuid.New(), clock, nil).
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		})
	return f
}

func (f *stageFixture) seed(t *testing.T, text string) crawler.ScrapedContent {
	t.Helper()
	row, err := f.contents.UpsertContent(context.Background(), crawler.ScrapedContent{
		ID:          "content-1",
		JobID:       "job-1",
		URL:         "https://grants.example.org/ocean",
		Markdown:    text,
		ContentType: crawler.ContentTypePage,
		Status:      crawler.ContentStatusProcessing,
	})
	require.NoError(t, err)
	return row
}

func grantText() string {
	return strings.Repeat("The Ocean Trust offers research funding to early career scientists. ", 5)
}

func ptr(v float64) *float64 { return &v }

func TestEligible(t *testing.T) {
	t.Parallel()

	f := newStageFixture(t, &scriptedExtractor{})
	require.True(t, f.stage.Eligible(grantText(), false))
	require.False(t, f.stage.Eligible("grant", false), "too short")
	require.False(t, f.stage.Eligible(strings.Repeat("weather report for the coast. ", 20), false), "no keyword")
	require.True(t, f.stage.Eligible("short direct text", true))
	require.False(t, f.stage.Eligible("   ", true))
}

func TestAnalyzeSkipsIneligibleContent(t *testing.T) {
	t.Parallel()

	extractor := &scriptedExtractor{}
	f := newStageFixture(t, extractor)
	row := f.seed(t, "too short")

	out, outcome, err := f.stage.Analyze(context.Background(), row, Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)
	require.Equal(t, row, out)
	require.Zero(t, extractor.calls)
}

func TestAnalyzeSanitizesRecords(t *testing.T) {
	t.Parallel()

	extractor := &scriptedExtractor{results: []crawler.AnalysisResult{{
		OverallConfidence: 1.7,
		Records: []crawler.CandidateRecord{
			{Title: "  ", Confidence: 0.9},
			{
				Title:       strings.Repeat("T", 400),
				Description: "Marine research grant",
				AmountMin:   ptr(50000),
				AmountMax:   ptr(10000),
				Currency:    "usd",
				Deadline:    "2026-06-30",
				Eligibility: []string{"early career", ""},
				ContactInfo: map[string]string{"email": "grants@example.org"},
				Confidence:  -0.4,
			},
			{Title: "Travel award", Deadline: "sometime soon", Confidence: 3},
		},
	}}}
	f := newStageFixture(t, extractor)
	row := f.seed(t, grantText())

	out, outcome, err := f.stage.Analyze(context.Background(), row, Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeAnalyzed, outcome)
	require.Equal(t, crawler.ContentStatusAIAnalyzed, out.Status)
	require.InDelta(t, 1.0, out.Confidence, 1e-9)
	require.Equal(t, 2, out.AIAnalysis["records_stored"])

	records, total, err := f.records.ListRecords(context.Background(), crawler.RecordFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	for _, rec := range records {
		require.NotEmpty(t, strings.TrimSpace(rec.Title))
		require.GreaterOrEqual(t, rec.Confidence, 0.0)
		require.LessOrEqual(t, rec.Confidence, 1.0)
		require.Equal(t, "content-1", rec.ContentID)
	}

	var long crawler.ExtractedRecord
	for _, rec := range records {
		if rec.Description != "" {
			long = rec
		}
	}
	require.Len(t, []rune(long.Title), 300)
	require.Equal(t, "USD", long.Currency)
	require.Equal(t, 10000.0, *long.AmountMin)
	require.Equal(t, 50000.0, *long.AmountMax)
	require.Equal(t, []string{"early career"}, long.Eligibility)
	require.NotNil(t, long.Deadline)
	require.Equal(t, time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC), *long.Deadline)

	require.Equal(t, crawler.JobStats{RecordsFound: 2, AIAnalyzed: 1}, f.stats.totals)
}

func TestAnalyzeDirectRaisesConfidence(t *testing.T) {
	t.Parallel()

	extractor := &scriptedExtractor{results: []crawler.AnalysisResult{{
		OverallConfidence: 0.4,
		Records:           []crawler.CandidateRecord{{Title: "Seed grant", Confidence: 0.5}, {Title: "Big grant", Confidence: 0.95}},
	}}}
	f := newStageFixture(t, extractor)
	row := f.seed(t, "Seed grant, apply now")

	out, outcome, err := f.stage.Analyze(context.Background(), row, Options{Direct: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeAnalyzed, outcome)
	require.InDelta(t, 0.9, out.Confidence, 1e-9)

	records, _, err := f.records.ListRecords(context.Background(), crawler.RecordFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.InDelta(t, 1.0, records[0].Confidence, 1e-9)
	require.InDelta(t, 0.6, records[1].Confidence, 1e-9)
}

func TestAnalyzeRetriesThenFails(t *testing.T) {
	t.Parallel()

	boom := errors.New("model unavailable")
	extractor := &scriptedExtractor{errs: []error{boom, boom}}
	f := newStageFixture(t, extractor)
	row := f.seed(t, grantText())

	out, outcome, err := f.stage.Analyze(context.Background(), row, Options{})
	require.Equal(t, OutcomeFailed, outcome)
	var analysisErr *crawler.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	require.Equal(t, 2, analysisErr.Attempts)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []time.Duration{2 * time.Second}, f.sleeps)

	require.Equal(t, crawler.ContentStatusAIFailed, out.Status)
	require.Contains(t, out.AIError, "model unavailable")
	stored, err := f.contents.GetContent(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.ContentStatusAIFailed, stored.Status)
	require.Equal(t, crawler.JobStats{ErrorsEncountered: 1}, f.stats.totals)
}

func TestAnalyzeRecoversOnSecondAttempt(t *testing.T) {
	t.Parallel()

	extractor := &scriptedExtractor{
		errs:    []error{errors.New("flaky")},
		results: []crawler.AnalysisResult{{}, {Records: []crawler.CandidateRecord{{Title: "Grant", Confidence: 0.7}}}},
	}
	f := newStageFixture(t, extractor)
	row := f.seed(t, grantText())

	_, outcome, err := f.stage.Analyze(context.Background(), row, Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeAnalyzed, outcome)
	require.Equal(t, 2, extractor.calls)
}

func TestAnalyzeTruncatesSubmission(t *testing.T) {
	t.Parallel()

	extractor := &scriptedExtractor{results: []crawler.AnalysisResult{{}}}
	f := newStageFixture(t, extractor)
	row := f.seed(t, "grant "+strings.Repeat("x", 20000))

	_, _, err := f.stage.Analyze(context.Background(), row, Options{})
	require.NoError(t, err)
	require.Len(t, []rune(extractor.texts[0]), 12000)
}

func TestParseDeadline(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2026-01-15", "January 15, 2026", "Jan 15, 2026", "15 January 2026", "01/15/2026"} {
		got := ParseDeadline(raw)
		require.NotNil(t, got, raw)
		require.Equal(t, want, *got, raw)
	}
	require.Nil(t, ParseDeadline(""))
	require.Nil(t, ParseDeadline("rolling"))
}
