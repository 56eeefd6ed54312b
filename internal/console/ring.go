package console

import "fmt"

// RingBuffer is a fixed-capacity circular store. Once full, Push overwrites
// the oldest element in place; no reallocation occurs. It carries no locking
// of its own: each instance is owned exclusively by one watcher entry.
type RingBuffer[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

func NewRingBuffer[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}, nil
}

func (r *RingBuffer[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *RingBuffer[T]) Size() int { return r.count }

func (r *RingBuffer[T]) Capacity() int { return len(r.buf) }

// GetLast returns up to min(n, size) most recent elements in chronological
// order, oldest of the selection first.
func (r *RingBuffer[T]) GetLast(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// ToArray returns all stored elements, oldest first.
func (r *RingBuffer[T]) ToArray() []T {
	return r.GetLast(r.count)
}
