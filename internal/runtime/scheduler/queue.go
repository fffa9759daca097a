package scheduler

import "container/heap"

// requestHeap orders pending requests by (priority ascending, createdAt
// ascending): lower ordinals dispatch first, arrival order breaks ties. The
// admission sequence number breaks createdAt collisions deterministically.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	req := x.(*request)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}

// push and remove wrap heap operations so callers don't touch heap directly.
func (h *requestHeap) push(req *request) { heap.Push(h, req) }

func (h *requestHeap) popMin() *request {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*request)
}

// remove detaches a queued request by its heap index.
func (h *requestHeap) remove(req *request) bool {
	if req.index < 0 || req.index >= h.Len() || (*h)[req.index] != req {
		return false
	}
	heap.Remove(h, req.index)
	return true
}
