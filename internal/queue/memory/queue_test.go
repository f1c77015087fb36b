package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func job(id string, priority int, offset time.Duration) crawler.Job {
	return crawler.Job{ID: id, Priority: priority, CreatedAt: t0.Add(offset)}
}

func drain(q *PriorityQueue) []string {
	var ids []string
	for {
		j, ok := q.Pop()
		if !ok {
			return ids
		}
		ids = append(ids, j.ID)
	}
}

func TestPriorityQueueOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue()
	q.Push(job("low", 1, 0))
	q.Push(job("high-late", 10, 2*time.Second))
	q.Push(job("high-early", 10, time.Second))
	q.Push(job("mid", 5, 0))

	require.Equal(t, []string{"high-early", "high-late", "mid", "low"}, drain(q))
}

func TestPriorityQueueTiesKeepInsertionOrder(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.Push(job(id, 0, 0))
	}
	require.Equal(t, []string{"a", "b", "c"}, drain(q))
}

func TestPriorityQueueRemove(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue()
	q.Push(job("a", 3, 0))
	q.Push(job("b", 2, 0))
	q.Push(job("c", 1, 0))

	require.True(t, q.Remove("b"))
	require.False(t, q.Remove("b"))
	require.Equal(t, 2, q.Len())
	require.Equal(t, []string{"a", "c"}, drain(q))
}

func TestPriorityQueuePushReplacesExisting(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue()
	q.Push(job("a", 1, 0))
	q.Push(job("b", 2, 0))
	q.Push(job("a", 9, 0))

	require.Equal(t, 2, q.Len())
	require.Equal(t, []string{"a", "b"}, drain(q))
}

func TestPriorityQueueEmpty(t *testing.T) {
	t.Parallel()

	q := NewPriorityQueue()
	_, ok := q.Pop()
	require.False(t, ok)
	require.False(t, q.Remove("missing"))
	require.Zero(t, q.Len())
}
