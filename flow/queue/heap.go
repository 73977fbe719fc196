package queue

import "github.com/dshills/flowrun-go/flow/store"

// item is one heap entry. seq preserves FIFO order among equal priorities.
type item struct {
	req    store.RunRequest
	seq    uint64
	handle *RunHandle
}

// requestHeap orders items by priority descending, then enqueue sequence
// ascending. Implements container/heap.Interface.
type requestHeap []*item

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
