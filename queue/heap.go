package queue

import "container/heap"

// taskHeap orders the backlog by priority (ascending), then by
// submission sequence so equal priorities drain FIFO.
type taskHeap[T any] []*task[T]

var _ heap.Interface = (*taskHeap[struct{}])(nil)

func (h taskHeap[T]) Len() int { return len(h) }

func (h taskHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap[T]) Push(x any) {
	t := x.(*task[T])
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap[T]) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
