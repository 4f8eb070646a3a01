package attachments

import "container/heap"

// Priority orders pending downloads; higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// DownloadRequest is one pending or in-flight attachment fetch.
type DownloadRequest struct {
	AttachmentGUID string
	Original       bool
	Priority       Priority
	ChatGUID       string

	seq int
}

// requestQueue is a priority-then-insert-order min-heap inverted to pop
// (priority desc, insert-seq asc): the highest-priority, oldest request
// comes out first.
type requestQueue struct {
	items []*DownloadRequest
	index map[string]int // attachment guid -> items slice index
	seq   int
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{index: make(map[string]int)}
	heap.Init(q)
	return q
}

func (q *requestQueue) Len() int { return len(q.items) }

func (q *requestQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority > q.items[j].Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *requestQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].AttachmentGUID] = i
	q.index[q.items[j].AttachmentGUID] = j
}

func (q *requestQueue) Push(x any) {
	req := x.(*DownloadRequest)
	q.index[req.AttachmentGUID] = len(q.items)
	q.items = append(q.items, req)
}

func (q *requestQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.index, item.AttachmentGUID)
	return item
}

// upsert inserts req, removing any existing request for the same
// attachment first (spec §4.10: "any prior request for the same guid is
// removed"), and promotes priority to High if a matching one was already
// queued at that level or req itself asks for it.
func (q *requestQueue) upsert(req *DownloadRequest) {
	if i, ok := q.index[req.AttachmentGUID]; ok {
		existing := q.items[i]
		if existing.Priority > req.Priority {
			req.Priority = existing.Priority
		}
		heap.Remove(q, i)
	}
	q.seq++
	req.seq = q.seq
	heap.Push(q, req)
}

func (q *requestQueue) popNext() (*DownloadRequest, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	return heap.Pop(q).(*DownloadRequest), true
}

func (q *requestQueue) promote(attachmentGUID string, priority Priority) {
	i, ok := q.index[attachmentGUID]
	if !ok || q.items[i].Priority >= priority {
		return
	}
	q.items[i].Priority = priority
	heap.Fix(q, i)
}
