// Package alloc implements the size-classed buffer allocator an Endpoint
// uses for MessageBuffer storage. Classes are carved out of one large
// backing arena at construction time, simulating a pinned hugepage region:
// steady-state Alloc/Free only ever shuffle arena slices between free lists,
// so buffer storage never comes from the Go heap after construction (each
// Alloc does allocate one small Handle value).
package alloc

import (
	"fmt"
	"sync"
)

// ClassSizes are the size classes, in bytes, smallest first. The largest
// class bounds the maximum allocatable message.
var ClassSizes = []int{
	4 << 10,
	8 << 10,
	16 << 10,
	32 << 10,
	64 << 10,
	128 << 10,
	256 << 10,
}

// MaxClassSize is the largest size class, i.e. the most bytes a single
// Handle can provide.
var MaxClassSize = ClassSizes[len(ClassSizes)-1]

// DefaultArenaSize is the default total size of the backing arena, matching
// the protocol design's kInitialHugeAllocSize tunable.
const DefaultArenaSize = 128 << 20 // 128 MiB

type class struct {
	size int
	free [][]byte
}

// Allocator is a size-classed, optionally lock-protected buffer pool.
type Allocator struct {
	locking bool
	mu      sync.Mutex
	classes []*class
}

// Handle is an opaque allocation. A Handle's Bytes always has length equal
// to its size class, which may exceed the amount the caller requested.
type Handle struct {
	class *class
	data  []byte
}

// Bytes returns the full size-class-sized backing storage for h.
func (h *Handle) Bytes() []byte { return h.data }

// ClassSize reports the size class this handle was carved from.
func (h *Handle) ClassSize() int { return h.class.size }

// New constructs an Allocator with a backing arena of totalArena bytes,
// divided as evenly as possible across the size classes. If locking is true,
// Alloc and Free take an internal mutex; pass false for an endpoint
// constructed without background workers, where the datapath thread is the
// sole caller and a lock would be pure overhead.
func New(locking bool, totalArena int) (*Allocator, error) {
	if totalArena <= 0 {
		totalArena = DefaultArenaSize
	}
	perClass := totalArena / len(ClassSizes)
	a := &Allocator{locking: locking}
	for _, size := range ClassSizes {
		n := perClass / size
		if n < 1 {
			n = 1
		}
		region := make([]byte, n*size)
		c := &class{size: size}
		for i := 0; i < n; i++ {
			c.free = append(c.free, region[i*size:(i+1)*size:(i+1)*size])
		}
		a.classes = append(a.classes, c)
	}
	return a, nil
}

func (a *Allocator) classFor(bytes int) *class {
	for _, c := range a.classes {
		if bytes <= c.size {
			return c
		}
	}
	return nil
}

// MaxAllocatable reports the largest single allocation Alloc can ever
// satisfy, regardless of current free-list occupancy.
func (a *Allocator) MaxAllocatable() int { return a.classes[len(a.classes)-1].size }

// Alloc reserves at least bytes of storage. It reports ok=false both when
// bytes exceeds every size class (a caller error, see MaxAllocatable) and
// when the matching class's free list is momentarily exhausted (not a fatal
// condition — the caller should treat this as "out of memory right now").
func (a *Allocator) Alloc(bytes int) (h *Handle, ok bool) {
	if a.locking {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	c := a.classFor(bytes)
	if c == nil {
		return nil, false
	}
	n := len(c.free)
	if n == 0 {
		return nil, false
	}
	buf := c.free[n-1]
	c.free = c.free[:n-1]
	return &Handle{class: c, data: buf}, true
}

// Free returns h's storage to its class's free list. Freeing the same handle
// twice, or a handle not obtained from a, is a caller error.
func (a *Allocator) Free(h *Handle) {
	if h == nil {
		return
	}
	if a.locking {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	h.class.free = append(h.class.free, h.data)
}

// Stats reports, per size class, the number of currently free slots.
func (a *Allocator) Stats() map[int]int {
	if a.locking {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	out := make(map[int]int, len(a.classes))
	for _, c := range a.classes {
		out[c.size] = len(c.free)
	}
	return out
}

// ErrTooLarge reports that a requested allocation exceeds every size class.
type ErrTooLarge struct {
	Requested int
	Max       int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("alloc: requested %d bytes exceeds max class size %d", e.Requested, e.Max)
}
