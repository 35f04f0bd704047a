// Package ring provides a fixed-capacity FIFO buffer whose Push evicts the oldest entry.
package ring

import (
	"encoding/json"
	"fmt"
)

// Buffer is a bounded FIFO queue. The zero value is unusable; use New.
type Buffer[T any] struct {
	capacity int
	items    []T
}

// New creates a Buffer holding at most capacity items.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be > 0, got %d", capacity)
	}
	return &Buffer[T]{capacity: capacity, items: make([]T, 0, capacity)}, nil
}

// FromSlice builds a Buffer from oldest-first items, keeping only the newest capacity entries.
func FromSlice[T any](capacity int, items []T) (*Buffer[T], error) {
	b, err := New[T](capacity)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		b.Push(item)
	}
	return b, nil
}

// Push appends item and returns true when an old entry was evicted.
func (b *Buffer[T]) Push(item T) bool {
	evicted := false
	if len(b.items) == b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		evicted = true
	}
	b.items = append(b.items, item)
	return evicted
}

// Len returns the number of stored items.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Items returns a copy of the stored items, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Last returns up to n of the newest items, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 {
		return []T{}
	}
	if n > len(b.items) {
		n = len(b.items)
	}
	out := make([]T, n)
	copy(out, b.items[len(b.items)-n:])
	return out
}

// MarshalJSON encodes the buffer as a plain oldest-first array.
func (b *Buffer[T]) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(b.items)
	if err != nil {
		return nil, fmt.Errorf("marshal ring: %w", err)
	}
	return data, nil
}

// UnmarshalJSON replaces the contents with an oldest-first array, keeping
// only the newest Cap entries. The buffer must come from New.
func (b *Buffer[T]) UnmarshalJSON(data []byte) error {
	if b.capacity <= 0 {
		return fmt.Errorf("unmarshal ring: buffer has no capacity")
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("unmarshal ring: %w", err)
	}
	b.items = b.items[:0]
	for _, item := range items {
		b.Push(item)
	}
	return nil
}
