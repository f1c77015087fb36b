package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *recordingSink) count() int {
	n := 0
	for _, b := range s.snapshot() {
		n += len(b)
	}
	return n
}

func jobEvent(kind Kind, jobID string) Event {
	evt := Event{Kind: kind, JobID: jobID, TS: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	switch kind {
	case KindStatus:
		evt.Status = crawler.JobStatusRunning
	case KindProgress:
		evt.Progress = 45
	case KindPage, KindContentChanged:
		evt.URL = "https://grants.example.org/calls"
		evt.StatusCode = 200
	}
	return evt
}

func TestHubFlushesFullBatches(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(HubConfig{BufferSize: 16, MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	for _, kind := range []Kind{KindStatus, KindPage, KindProgress} {
		hub.Emit(jobEvent(kind, "job-a"))
	}
	require.Eventually(t, func() bool {
		batches := sink.snapshot()
		return len(batches) == 1 && len(batches[0]) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesPartialBatchAfterWait(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(HubConfig{BufferSize: 16, MaxBatchEvents: 50, MaxBatchWait: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(jobEvent(KindContentChanged, "job-monitor"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubFailingSinkDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	broken := &recordingSink{err: errors.New("topic not found")}
	healthy := &recordingSink{}
	hub := NewHub(HubConfig{MaxBatchEvents: 1, Logger: zap.NewNop()}, broken, nil, healthy)

	hub.Emit(jobEvent(KindStatus, "job-a"))
	hub.Emit(jobEvent(KindCompleted, "job-a"))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 2, broken.count())
	require.Equal(t, 2, healthy.count())
	require.True(t, broken.closed)
	require.True(t, healthy.closed)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{cfg: HubConfig{}.withDefaults(), events: make(chan Event)}
	start := time.Now()
	hub.Emit(jobEvent(KindProgress, "job-a"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubRejectsInvalidAndLateEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: time.Hour}, sink)

	hub.Emit(Event{Kind: KindStatus})
	hub.Emit(Event{Kind: KindPage, JobID: "job-a", TS: time.Now()})
	hub.Emit(jobEvent(KindFailed, "job-a"))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()), "close is idempotent")
	require.Equal(t, 1, sink.count(), "only the valid event is drained on close")

	hub.Emit(jobEvent(KindStatus, "job-b"))
	require.Equal(t, 1, sink.count())
}
