package index

import "container/heap"

// minHeap orders candidates by ascending distance (closest first),
// used as the best-first search frontier.
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap orders candidates by descending distance (farthest first),
// used as the bounded ef-sized result set so the farthest member is
// always at the root and cheap to evict.
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func heapPushMin(h *minHeap, c candidate) { heap.Push(h, c) }
func heapPopMin(h *minHeap) candidate     { return heap.Pop(h).(candidate) }
func heapPushMax(h *maxHeap, c candidate) { heap.Push(h, c) }
func heapPopMax(h *maxHeap) candidate     { return heap.Pop(h).(candidate) }
