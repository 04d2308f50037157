package utils

import "container/heap"

// Compares the priority of items in a priority queue.
// Returns a negative number if a should be popped before b.
type PriorityFunc[T any] func(a, b T) int

// Returns true if two items are identical.
type EqualityFunc[T any] func(a, b T) bool

// A priority queue.
type PriorityQueue[T any] struct {
	heap   priorityHeap[T]
	equals EqualityFunc[T]
}

// Creates a new priority queue.
func NewPriorityQueue[T any](compare PriorityFunc[T], equals EqualityFunc[T]) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		heap: priorityHeap[T]{
			items:   make([]T, 0),
			compare: compare,
		},
		equals: equals,
	}
}

// Pushes an item onto the priority queue.
// An item already in the queue is replaced and its position updated.
func (pq *PriorityQueue[T]) Push(item T) {
	if i := pq.indexOf(item); i >= 0 {
		pq.heap.items[i] = item
		heap.Fix(&pq.heap, i)
		return
	}
	heap.Push(&pq.heap, item)
}

// Pops the highest priority item from the priority queue.
func (pq *PriorityQueue[T]) Pop() T {
	return heap.Pop(&pq.heap).(T)
}

// Returns the highest priority item without removing it.
func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if len(pq.heap.items) == 0 {
		var zero T
		return zero, false
	}
	return pq.heap.items[0], true
}

// Returns the number of items in the priority queue.
func (pq *PriorityQueue[T]) Len() int {
	return pq.heap.Len()
}

// Removes an item from the priority queue.
func (pq *PriorityQueue[T]) Remove(item T) bool {
	if i := pq.indexOf(item); i >= 0 {
		heap.Remove(&pq.heap, i)
		return true
	}
	return false
}

// Returns true if an item is in the priority queue.
func (pq *PriorityQueue[T]) Contains(item T) bool {
	return pq.indexOf(item) >= 0
}

// Drains the queue and returns its items in priority order.
func (pq *PriorityQueue[T]) Drain() []T {
	items := make([]T, 0, pq.Len())
	for pq.Len() > 0 {
		items = append(items, pq.Pop())
	}
	return items
}

func (pq *PriorityQueue[T]) indexOf(item T) int {
	for i, x := range pq.heap.items {
		if pq.equals(x, item) {
			return i
		}
	}
	return -1
}

type priorityHeap[T any] struct {
	items   []T
	compare PriorityFunc[T]
}

func (pq priorityHeap[T]) Len() int {
	return len(pq.items)
}

func (pq priorityHeap[T]) Less(i, j int) bool {
	return pq.compare(pq.items[i], pq.items[j]) < 0
}

func (pq priorityHeap[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

func (pq *priorityHeap[T]) Push(x any) {
	pq.items = append(pq.items, x.(T))
}

func (pq *priorityHeap[T]) Pop() any {
	n := len(pq.items)
	x := pq.items[n-1]
	pq.items = pq.items[:n-1]
	return x
}
