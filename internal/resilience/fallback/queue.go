package fallback

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/vietddude/guardian/internal/core/domain"
)

// Queue holds compensation tasks ordered by priority, then insertion order.
// A full queue drops its lowest-priority task, the newest one among ties;
// the incoming task itself may be the one dropped.
type Queue interface {
	Push(ctx context.Context, task domain.CompensationTask) (accepted bool, err error)
	Pop(ctx context.Context) (domain.CompensationTask, bool, error)
	Len(ctx context.Context) (int, error)
}

// taskHeap is a max-heap on (priority desc, seq asc).
type taskHeap []domain.CompensationTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(domain.CompensationTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MemoryQueue is an in-process bounded priority queue.
type MemoryQueue struct {
	mu      sync.Mutex
	tasks   taskHeap
	maxSize int
	seq     uint64
	now     func() time.Time
}

// NewMemoryQueue creates a queue bounded to maxSize tasks.
func NewMemoryQueue(maxSize int, now func() time.Time) *MemoryQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{maxSize: maxSize, now: now}
}

func (q *MemoryQueue) Push(_ context.Context, task domain.CompensationTask) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	task.Seq = q.seq

	if len(q.tasks) >= q.maxSize {
		victim := q.lowestIndex()
		v := q.tasks[victim]
		// The incoming task has the highest seq, so it loses every tie.
		if task.Priority <= v.Priority {
			return false, nil
		}
		heap.Remove(&q.tasks, victim)
	}
	heap.Push(&q.tasks, task)
	return true, nil
}

// lowestIndex finds the task that would be dropped first.
func (q *MemoryQueue) lowestIndex() int {
	idx := 0
	for i := 1; i < len(q.tasks); i++ {
		t, v := q.tasks[i], q.tasks[idx]
		if t.Priority < v.Priority || (t.Priority == v.Priority && t.Seq > v.Seq) {
			idx = i
		}
	}
	return idx
}

func (q *MemoryQueue) Pop(_ context.Context) (domain.CompensationTask, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.tasks.Len() > 0 {
		task := heap.Pop(&q.tasks).(domain.CompensationTask)
		if task.Expired(now) {
			continue
		}
		return task, true, nil
	}
	return domain.CompensationTask{}, false, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len(), nil
}
