// Package heap provides a fixed-capacity, index-addressable binary heap.
//
// Unlike container/heap, elements are integer slot identifiers in [0, capacity)
// whose keys live in a side array owned by the heap. Every slot carries a color
// (unseen, queued, finalized) and its current position inside the heap array,
// so callers can change the key of a queued slot and restore the heap property
// in O(log n) without searching for it. The same container serves as a min-heap
// for path costs and as a max-heap for workload sizes.
package heap

import (
	"cmp"
	"errors"
	"fmt"
)

// Nil is returned by Remove when the heap is empty and marks a slot that is not
// positioned inside the heap array.
const Nil = -1

// Policy selects which extreme of the key space is popped first.
type Policy uint8

const (
	// Min pops the smallest key first.
	Min Policy = iota
	// Max pops the largest key first.
	Max
)

func (p Policy) String() string {
	if p == Max {
		return "max"
	}
	return "min"
}

// Color tracks the lifecycle of a slot.
type Color uint8

const (
	// Unseen slots have never been inserted.
	Unseen Color = iota
	// Queued slots are currently inside the heap array.
	Queued
	// Finalized slots have been removed and are never queued again.
	Finalized
)

var (
	// ErrFull is returned when inserting into a heap that holds capacity elements.
	ErrFull = errors.New("heap is full")
	// ErrOutOfBounds is returned for slot identifiers outside [0, capacity).
	ErrOutOfBounds = errors.New("slot out of bounds")
	// ErrSizeMismatch is returned when a bulk key replacement has the wrong length.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrNotUnseen is returned when inserting a slot that was already queued.
	ErrNotUnseen = errors.New("slot already inserted")
)

// Heap is an array-backed binary heap over slot identifiers.
// It is not safe for concurrent use.
type Heap[K cmp.Ordered] struct {
	cost   []K
	color  []Color
	order  []int // slot ids in heap array order
	pos    []int // slot id -> index in order, or Nil
	count  int
	policy Policy
}

// New creates a heap able to hold size slots. All keys start at the zero value
// of K and every slot is Unseen.
func New[K cmp.Ordered](size int, policy Policy) *Heap[K] {
	if size < 0 {
		size = 0
	}
	h := &Heap[K]{
		cost:   make([]K, size),
		color:  make([]Color, size),
		order:  make([]int, size),
		pos:    make([]int, size),
		policy: policy,
	}
	for i := range h.pos {
		h.pos[i] = Nil
		h.order[i] = Nil
	}
	return h
}

// Cap returns the fixed capacity.
func (h *Heap[K]) Cap() int { return len(h.cost) }

// Len returns the number of queued slots.
func (h *Heap[K]) Len() int { return h.count }

// IsEmpty reports whether no slot is queued.
func (h *Heap[K]) IsEmpty() bool { return h.count == 0 }

// IsFull reports whether every position of the heap array is in use.
func (h *Heap[K]) IsFull() bool { return h.count == len(h.cost) }

// Policy returns the ordering policy of the heap.
func (h *Heap[K]) Policy() Policy { return h.policy }

// Costs returns the live key array. Keys may be seeded through it only for
// slots that are not queued; changing a queued key directly breaks the heap.
func (h *Heap[K]) Costs() []K { return h.cost }

// SetCosts replaces the key array. The replacement must have exactly Cap()
// elements.
func (h *Heap[K]) SetCosts(cost []K) error {
	if len(cost) != len(h.cost) {
		return fmt.Errorf("%w: got %d keys, want %d", ErrSizeMismatch, len(cost), len(h.cost))
	}
	h.cost = cost
	return nil
}

// Cost returns the key of slot id.
func (h *Heap[K]) Cost(id int) K { return h.cost[id] }

// Color returns the color of slot id.
func (h *Heap[K]) Color(id int) Color { return h.color[id] }

// Insert queues slot id using its current key. Only Unseen slots can be
// inserted.
func (h *Heap[K]) Insert(id int) error {
	if id < 0 || id >= len(h.cost) {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, id)
	}
	if h.IsFull() {
		return ErrFull
	}
	if h.color[id] != Unseen {
		return fmt.Errorf("%w: %d", ErrNotUnseen, id)
	}
	last := h.count
	h.order[last] = id
	h.pos[id] = last
	h.color[id] = Queued
	h.count++
	h.up(last)
	return nil
}

// Remove pops the extreme slot according to the policy, marks it Finalized
// and returns it. It returns Nil when the heap is empty.
func (h *Heap[K]) Remove() int {
	if h.count == 0 {
		return Nil
	}
	id := h.order[0]
	h.pos[id] = Nil
	h.color[id] = Finalized

	h.count--
	last := h.count
	if last > 0 {
		h.order[0] = h.order[last]
		h.pos[h.order[0]] = 0
	}
	h.order[last] = Nil
	h.down(0)
	return id
}

// Peek returns the slot at the top of the heap without removing it.
// The result is meaningless when the heap is empty.
func (h *Heap[K]) Peek() int { return h.order[0] }

// Update sets the key of slot id. Unseen slots are inserted, queued slots are
// moved to restore the heap property, finalized slots only get their key
// overwritten.
func (h *Heap[K]) Update(id int, key K) error {
	if id < 0 || id >= len(h.cost) {
		return fmt.Errorf("%w: %d", ErrOutOfBounds, id)
	}
	old := h.cost[id]
	h.cost[id] = key
	switch h.color[id] {
	case Unseen:
		return h.Insert(id)
	case Queued:
		i := h.pos[id]
		if h.before(key, old) {
			h.up(i)
		} else {
			h.down(i)
		}
	}
	return nil
}

// before reports whether key a must sit above key b. Equal keys never swap.
func (h *Heap[K]) before(a, b K) bool {
	if h.policy == Min {
		return a < b
	}
	return a > b
}

func (h *Heap[K]) swap(i, j int) {
	h.order[i], h.order[j] = h.order[j], h.order[i]
	h.pos[h.order[i]] = i
	h.pos[h.order[j]] = j
}

func (h *Heap[K]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.before(h.cost[h.order[i]], h.cost[h.order[parent]]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *Heap[K]) down(i int) {
	for {
		left, right := 2*i+1, 2*i+2
		j := i
		if left < h.count && h.before(h.cost[h.order[left]], h.cost[h.order[j]]) {
			j = left
		}
		if right < h.count && h.before(h.cost[h.order[right]], h.cost[h.order[j]]) {
			j = right
		}
		if j == i {
			return
		}
		h.swap(i, j)
		i = j
	}
}
