package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

type contentKey struct {
	jobID string
	url   string
}

// ContentStore keeps scraped content in memory, unique per (job, URL).
type ContentStore struct {
	mu    sync.RWMutex
	rows  map[string]crawler.ScrapedContent
	byKey map[contentKey]string
	seq   map[string]int
	next  int
}

// NewContentStore constructs a ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		rows:  make(map[string]crawler.ScrapedContent),
		byKey: make(map[contentKey]string),
		seq:   make(map[string]int),
	}
}

// UpsertContent inserts or replaces the row keyed by job and URL.
func (s *ContentStore) UpsertContent(_ context.Context, content crawler.ScrapedContent) (crawler.ScrapedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contentKey{jobID: content.JobID, url: content.URL}
	if id, ok := s.byKey[key]; ok {
		existing := s.rows[id]
		content.ID = existing.ID
		content.CreatedAt = existing.CreatedAt
	} else {
		if content.ID == "" {
			return crawler.ScrapedContent{}, errors.New("content id is required")
		}
		s.byKey[key] = content.ID
	}
	if content.UpdatedAt.IsZero() {
		content.UpdatedAt = content.CreatedAt
	}
	s.next++
	s.seq[content.ID] = s.next
	s.rows[content.ID] = content
	return content, nil
}

// GetContent fetches a row by ID.
func (s *ContentStore) GetContent(_ context.Context, contentID string) (crawler.ScrapedContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[contentID]
	if !ok {
		return crawler.ScrapedContent{}, crawler.ErrNotFound
	}
	return row, nil
}

// ListContent returns a job's content in creation order.
func (s *ContentStore) ListContent(_ context.Context, filter crawler.ContentFilter) ([]crawler.ScrapedContent, int, error) {
	s.mu.RLock()
	matched := make([]crawler.ScrapedContent, 0)
	for _, row := range s.rows {
		if filter.JobID != "" && row.JobID != filter.JobID {
			continue
		}
		if filter.ContentType != "" && row.ContentType != filter.ContentType {
			continue
		}
		matched = append(matched, row)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

// LatestForURL returns the most recently written row for url outside excludeJobID.
func (s *ContentStore) LatestForURL(_ context.Context, url, excludeJobID string) (crawler.ScrapedContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best    crawler.ScrapedContent
		bestSeq = -1
	)
	for id, row := range s.rows {
		if row.URL != url || row.JobID == excludeJobID {
			continue
		}
		if seq := s.seq[id]; seq > bestSeq {
			best, bestSeq = row, seq
		}
	}
	if bestSeq < 0 {
		return crawler.ScrapedContent{}, crawler.ErrNotFound
	}
	return best, nil
}
