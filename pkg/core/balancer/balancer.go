// Package balancer implements a distributed array: a value array whose index
// space [0, N) is partitioned into one ordered slice per worker.
//
// Slices are filled round-robin and kept within one element of each other as
// indices are removed. Each removal either shrinks the owning slice directly or
// first pulls the last element of the currently largest slice into it, the
// largest slice being tracked by a max-heap over slice sizes. A removal
// therefore costs O(log T) heap work for T slices, independent of N.
//
// The slice structure and the size heap must only be touched by a single
// coordinating goroutine. Workers may read values and slices concurrently as
// long as the coordinator does not call Remove or Rebuild at the same time.
package balancer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sanonone/kektoropf/pkg/core/heap"
)

var (
	// ErrOutOfBounds is returned for indices outside [0, N) or slice numbers
	// outside [0, threads).
	ErrOutOfBounds = errors.New("index out of bounds")
	// ErrNotTracked is returned when removing an index that no slice holds.
	ErrNotTracked = errors.New("index not tracked")
	// ErrInvalidThreads is returned when the slice count is not positive.
	ErrInvalidThreads = errors.New("thread count must be greater than 0")
)

// Filter reports whether an index is available for partitioning.
type Filter func(index int) bool

// Balancer partitions the indices of a value array across worker slices.
type Balancer[T any] struct {
	mu     sync.Mutex
	values []T

	threads int
	filter  Filter

	slices [][]int
	owner  []int // index -> slice, or heap.Nil when untracked
	sizes  *heap.Heap[int]

	tracked   int
	transfers int
}

// New builds a balancer over values with the given number of slices. A nil
// filter makes every index available.
func New[T any](values []T, threads int, filter Filter) (*Balancer[T], error) {
	if threads <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidThreads, threads)
	}
	b := &Balancer[T]{
		values:  values,
		threads: threads,
		filter:  filter,
		owner:   make([]int, len(values)),
	}
	b.Rebuild()
	return b, nil
}

// Threads returns the number of slices.
func (b *Balancer[T]) Threads() int { return b.threads }

// Len returns the length of the underlying value array.
func (b *Balancer[T]) Len() int { return len(b.values) }

// Tracked returns how many indices are currently held by some slice.
func (b *Balancer[T]) Tracked() int { return b.tracked }

// Transfers returns how many elements were moved between slices since the
// last Rebuild.
func (b *Balancer[T]) Transfers() int { return b.transfers }

// Available reports whether index passes the filter.
func (b *Balancer[T]) Available(index int) bool {
	if b.filter == nil {
		return true
	}
	return b.filter(index)
}

// Rebuild discards the current partition and assigns every available index
// round-robin. The size heap is recreated from scratch.
func (b *Balancer[T]) Rebuild() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.slices = make([][]int, b.threads)
	per := len(b.values)/b.threads + 1
	for t := range b.slices {
		b.slices[t] = make([]int, 0, per)
	}

	b.tracked = 0
	b.transfers = 0
	t := 0
	for i := range b.values {
		b.owner[i] = heap.Nil
		if !b.Available(i) {
			continue
		}
		b.slices[t] = append(b.slices[t], i)
		b.owner[i] = t
		b.tracked++
		t = (t + 1) % b.threads
	}

	b.sizes = heap.New[int](b.threads, heap.Max)
	for t := range b.slices {
		b.sizes.Costs()[t] = len(b.slices[t])
		b.sizes.Insert(t)
	}
}

// Remove stops tracking index, rebalancing the slices if needed.
func (b *Balancer[T]) Remove(index int) error {
	if index < 0 || index >= len(b.values) {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, index)
	}
	current := b.owner[index]
	if current == heap.Nil {
		return fmt.Errorf("%w: %d", ErrNotTracked, index)
	}

	largest := b.sizes.Peek()
	shrunk := b.sizes.Cost(current) - 1

	if shrunk < b.sizes.Cost(largest)-1 {
		from := b.slices[largest]
		moved := from[len(from)-1]
		b.slices[largest] = from[:len(from)-1]
		b.slices[current] = append(b.slices[current], moved)
		b.owner[moved] = current
		b.sizes.Update(largest, b.sizes.Cost(largest)-1)
		b.transfers++
	} else {
		b.sizes.Update(current, shrunk)
	}

	b.slices[current] = removeOrdered(b.slices[current], index)
	b.owner[index] = heap.Nil
	b.tracked--
	return nil
}

func removeOrdered(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			copy(s[i:], s[i+1:])
			return s[:len(s)-1]
		}
	}
	return s
}

// Slice returns the live, ordered indices owned by slice t. The result must
// not be modified by the caller.
func (b *Balancer[T]) Slice(t int) ([]int, error) {
	if t < 0 || t >= b.threads {
		return nil, fmt.Errorf("%w: slice %d", ErrOutOfBounds, t)
	}
	return b.slices[t], nil
}

// Owner returns the slice holding index, or heap.Nil.
func (b *Balancer[T]) Owner(index int) (int, error) {
	if index < 0 || index >= len(b.values) {
		return heap.Nil, fmt.Errorf("%w: %d", ErrOutOfBounds, index)
	}
	return b.owner[index], nil
}

// Sizes returns the current size of every slice.
func (b *Balancer[T]) Sizes() []int {
	out := make([]int, b.threads)
	for t, s := range b.slices {
		out[t] = len(s)
	}
	return out
}

// Get returns the value at index. Reads are not synchronized: a slot must
// have a single writer per round.
func (b *Balancer[T]) Get(index int) (T, error) {
	if index < 0 || index >= len(b.values) {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrOutOfBounds, index)
	}
	return b.values[index], nil
}

// Set writes the value at index under the balancer lock.
func (b *Balancer[T]) Set(index int, v T) error {
	if index < 0 || index >= len(b.values) {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, index)
	}
	b.mu.Lock()
	b.values[index] = v
	b.mu.Unlock()
	return nil
}
