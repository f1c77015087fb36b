package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

func TestRecordStoreRejectsEmptyTitle(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	_, err := store.InsertRecord(context.Background(), crawler.ExtractedRecord{ID: "r", Title: "   "})
	require.Error(t, err)

	_, total, err := store.ListRecords(context.Background(), crawler.RecordFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestRecordStoreListOrderingAndFilters(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	ctx := context.Background()
	soon := base.Add(24 * time.Hour)
	late := base.Add(90 * 24 * time.Hour)
	records := []crawler.ExtractedRecord{
		{ID: "weak", JobID: "j1", Title: "Weak", Confidence: 0.2, CreatedAt: base, Deadline: &soon},
		{ID: "strong-old", JobID: "j1", Title: "Strong old", Confidence: 0.9, CreatedAt: base},
		{ID: "strong-new", JobID: "j2", Title: "Strong new", Confidence: 0.9, CreatedAt: base.Add(time.Hour), Deadline: &late},
	}
	for _, rec := range records {
		_, err := store.InsertRecord(ctx, rec)
		require.NoError(t, err)
	}

	all, total, err := store.ListRecords(ctx, crawler.RecordFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, "strong-new", all[0].ID)
	require.Equal(t, "strong-old", all[1].ID)
	require.Equal(t, "weak", all[2].ID)

	minConf := 0.5
	confident, _, err := store.ListRecords(ctx, crawler.RecordFilter{JobID: "j1", MinConfidence: &minConf})
	require.NoError(t, err)
	require.Len(t, confident, 1)
	require.Equal(t, "strong-old", confident[0].ID)

	before := base.Add(30 * 24 * time.Hour)
	dueSoon, _, err := store.ListRecords(ctx, crawler.RecordFilter{DeadlineBefore: &before})
	require.NoError(t, err)
	require.Len(t, dueSoon, 1)
	require.Equal(t, "weak", dueSoon[0].ID)
}
