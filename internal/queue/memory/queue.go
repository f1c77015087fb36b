// Package memory provides the in-process pending-job queue used by the scheduler.
package memory

import (
	"container/heap"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// PriorityQueue orders pending jobs by priority desc, then creation time asc.
// It is not safe for concurrent use; the scheduler loop owns it.
type PriorityQueue struct {
	items jobHeap
	index map[string]*entry
	seq   uint64
}

type entry struct {
	job crawler.Job
	seq uint64
	pos int
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{index: make(map[string]*entry)}
}

// Push adds job. A job already queued under the same ID is replaced in place.
func (q *PriorityQueue) Push(job crawler.Job) {
	if existing, ok := q.index[job.ID]; ok {
		existing.job = job
		heap.Fix(&q.items, existing.pos)
		return
	}
	q.seq++
	e := &entry{job: job, seq: q.seq}
	q.index[job.ID] = e
	heap.Push(&q.items, e)
}

// Pop removes and returns the highest-priority job.
func (q *PriorityQueue) Pop() (crawler.Job, bool) {
	if len(q.items) == 0 {
		return crawler.Job{}, false
	}
	e := heap.Pop(&q.items).(*entry)
	delete(q.index, e.job.ID)
	return e.job, true
}

// Remove drops jobID from the queue and reports whether it was present.
func (q *PriorityQueue) Remove(jobID string) bool {
	e, ok := q.index[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.pos)
	delete(q.index, jobID)
	return true
}

// Len returns the number of queued jobs.
func (q *PriorityQueue) Len() int {
	return len(q.items)
}

type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
