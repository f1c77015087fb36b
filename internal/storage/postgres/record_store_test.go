package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

func TestRecordStoreRejectsEmptyTitleWithoutQuery(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	store := NewRecordStore(db)

	_, err := store.InsertRecord(context.Background(), crawler.ExtractedRecord{ID: "r-1", Title: " \t"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreInsertClampsConfidence(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	store := NewRecordStore(db)
	args := anyArgs(15)
	args[3] = "Climate Research Grant"
	args[12] = 0.0

	mock.ExpectExec("INSERT INTO extracted_records").
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := store.InsertRecord(context.Background(), crawler.ExtractedRecord{
		ID:         "r-1",
		ContentID:  "c-1",
		JobID:      "job-1",
		Title:      "Climate Research Grant",
		Confidence: -3,
	})
	require.NoError(t, err)
	require.Zero(t, got.Confidence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreListRecordsFilters(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	store := NewRecordStore(db)
	minConf := 0.6
	deadline := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	amount := 50000.0

	mock.ExpectQuery(`SELECT count\(\*\) FROM extracted_records WHERE confidence >= \$1 AND deadline <= \$2`).
		WithArgs(minConf, deadline).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY confidence DESC, created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(minConf, deadline, 20, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "content_id", "job_id", "title", "description", "amount_min", "amount_max",
			"currency", "deadline", "eligibility", "categories", "contact_info", "confidence", "ai_metadata", "created_at",
		}).AddRow(
			"r-1", "c-1", "job-1", "Ocean Fund", "", &amount, (*float64)(nil),
			"USD", &deadline, []byte(`["nonprofits"]`), []byte(`["environment"]`), []byte(`{"email":"a@b.org"}`),
			0.8, []byte(nil), deadline,
		))

	records, total, err := store.ListRecords(context.Background(), crawler.RecordFilter{
		MinConfidence:  &minConf,
		DeadlineBefore: &deadline,
		Limit:          20,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, records, 1)
	require.Equal(t, []string{"nonprofits"}, records[0].Eligibility)
	require.Equal(t, "a@b.org", records[0].ContactInfo["email"])
	require.Equal(t, &amount, records[0].AmountMin)
	require.Nil(t, records[0].AmountMax)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreInsertCapsConfidenceAtOne(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	store := NewRecordStore(db)

	mock.ExpectExec(`INSERT INTO extracted_records`).
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := store.InsertRecord(context.Background(), crawler.ExtractedRecord{
		ID:         "r-1",
		ContentID:  "c-1",
		JobID:      "job-1",
		Title:      "Rural Broadband Fund",
		Confidence: 1.2,
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, got.Confidence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreListByJobAndDeadlineAfter(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	store := NewRecordStore(db)
	minConfidence := 0.5
	after := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	deadline := time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	amount := 50000.0

	mock.ExpectQuery(`SELECT count\(\*\) FROM extracted_records WHERE job_id = \$1 AND confidence >= \$2 AND deadline >= \$3`).
		WithArgs("job-1", minConfidence, after).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	columns := []string{
		"id", "content_id", "job_id", "title", "description", "amount_min", "amount_max", "currency",
		"deadline", "eligibility", "categories", "contact_info", "confidence", "ai_metadata", "created_at",
	}
	mock.ExpectQuery(`ORDER BY confidence DESC, created_at DESC LIMIT \$4 OFFSET \$5`).
		WithArgs("job-1", minConfidence, after, 50, 0).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"r-1", "c-1", "job-1", "Rural Broadband Fund", "Capital grants", &amount, &amount, "USD",
			&deadline, []byte(`["nonprofits"]`), []byte(`["infrastructure"]`), []byte(`{"email":"grants@example.org"}`),
			0.8, []byte(nil), created,
		))

	records, total, err := store.ListRecords(context.Background(), crawler.RecordFilter{
		JobID:         "job-1",
		MinConfidence: &minConfidence,
		DeadlineAfter: &after,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "Rural Broadband Fund", rec.Title)
	require.Equal(t, []string{"nonprofits"}, rec.Eligibility)
	require.Equal(t, "grants@example.org", rec.ContactInfo["email"])
	require.Equal(t, deadline, *rec.Deadline)
	require.InDelta(t, amount, *rec.AmountMin, 0.001)
	require.NoError(t, mock.ExpectationsWereMet())
}
