// Package util holds small shared helpers with no domain coupling.
package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer that overwrites its oldest
// element when full. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	n     int
}

// NewRingBuffer creates a ring buffer holding at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends item, evicting the oldest element when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.items[(r.start+r.n)%len(r.items)] = item
	if r.n < len(r.items) {
		r.n++
	} else {
		r.start = (r.start + 1) % len(r.items)
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered elements, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Len returns the number of buffered elements.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
