package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// RecordStore keeps extracted records in memory.
type RecordStore struct {
	mu      sync.RWMutex
	records []crawler.ExtractedRecord
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{}
}

// InsertRecord appends a record. Records without a title are rejected.
func (s *RecordStore) InsertRecord(_ context.Context, record crawler.ExtractedRecord) (crawler.ExtractedRecord, error) {
	if strings.TrimSpace(record.Title) == "" {
		return crawler.ExtractedRecord{}, errors.New("record title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return record, nil
}

// ListRecords returns records ordered by confidence desc then recency.
func (s *RecordStore) ListRecords(_ context.Context, filter crawler.RecordFilter) ([]crawler.ExtractedRecord, int, error) {
	s.mu.RLock()
	matched := make([]crawler.ExtractedRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.JobID != "" && rec.JobID != filter.JobID {
			continue
		}
		if filter.MinConfidence != nil && rec.Confidence < *filter.MinConfidence {
			continue
		}
		if filter.DeadlineAfter != nil && (rec.Deadline == nil || rec.Deadline.Before(*filter.DeadlineAfter)) {
			continue
		}
		if filter.DeadlineBefore != nil && (rec.Deadline == nil || rec.Deadline.After(*filter.DeadlineBefore)) {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Confidence != matched[j].Confidence {
			return matched[i].Confidence > matched[j].Confidence
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}
