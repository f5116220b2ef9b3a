// Package vmheap manages a virtual-address-range pool: reserve/release
// with adjacent-range coalescing, one instance per address space.
// Grounded on the teacher's Addr_t free-range bookkeeping for its user
// address space allocator (vm/as.go), adapted from a slice of ranges
// to the spec's explicit best-fit-by-maximum-size reserve rule and
// two-pass neighbor-coalescing release rule.
package vmheap

import (
	"sync"

	"vmkernel/internal/arch"
)

// Range is a free virtual-address window: pages contiguous 4 KiB pages
// starting at Base.
type Range struct {
	Base  uintptr
	Pages uint32
}

func (r Range) end() uintptr {
	return r.Base + uintptr(r.Pages)*uintptr(arch.PGSIZE)
}

// Heap hands out address ranges to kernel subsystems. virt_base and
// virt_top bound the managed window; top advances only when no free
// range satisfies a reservation (spec.md §3, "Heap" invariants).
type Heap struct {
	mu       sync.Mutex
	virtBase uintptr
	top      uintptr
	free     []Range
}

// New creates a heap spanning from base upward, initially empty (top
// starts at base, with no free ranges to hand out).
func New(base uintptr) *Heap {
	return &Heap{virtBase: base, top: base}
}

// Reserve returns the base of a fresh pages-page window. It chooses
// the largest-capacity fitting free range first (spec.md §4.4,
// "best-fit by maximum, to minimize fragmentation of smaller
// windows"); if none fits, it grows top.
func (h *Heap) Reserve(pages uint32) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	best := -1
	for i, r := range h.free {
		if r.Pages < pages {
			continue
		}
		if best == -1 || r.Pages > h.free[best].Pages {
			best = i
		}
	}
	if best == -1 {
		base := h.top
		h.top += uintptr(pages) * uintptr(arch.PGSIZE)
		return base
	}

	base := h.free[best].Base
	if h.free[best].Pages == pages {
		h.free = append(h.free[:best], h.free[best+1:]...)
	} else {
		h.free[best].Base += uintptr(pages) * uintptr(arch.PGSIZE)
		h.free[best].Pages -= pages
	}
	return base
}

// Release returns a previously reserved window to the heap. A
// top-adjacent range simply lowers top; otherwise the range is
// inserted with adjacency coalescing on both sides (spec.md §4.4).
func (h *Heap) Release(virt uintptr, pages uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Range{Base: virt, Pages: pages}
	if r.end() == h.top {
		h.top = r.Base
		// Releasing top may expose a free range that is now itself
		// top-adjacent; fold it in too.
		for i, f := range h.free {
			if f.end() == h.top {
				h.top = f.Base
				h.free = append(h.free[:i], h.free[i+1:]...)
				break
			}
		}
		return
	}

	h.free = append(h.free, r)
	h.coalesce(len(h.free) - 1)
}

// coalesce merges the range at index i with a bottom- or top-adjacent
// neighbor, if any; a second pass absorbs a neighbor on the other side
// as well (spec.md §4.4, "a second pass re-scans to absorb a second
// neighbor").
func (h *Heap) coalesce(i int) {
	if h.mergeOnce(i) {
		// The merged range may have grown into a second neighbor; find
		// it again by value since indices shifted.
		r := h.free[len(h.free)-1]
		for j, f := range h.free {
			if f == r {
				h.mergeOnce(j)
				return
			}
		}
	}
}

// mergeOnce finds one neighbor of h.free[i] (bottom- or top-adjacent),
// absorbs it into h.free[i], removes the absorbed node, and reports
// whether a merge happened. The surviving range is always appended
// last so a second pass can find it without re-deriving its index.
func (h *Heap) mergeOnce(i int) bool {
	r := h.free[i]
	for j, f := range h.free {
		if j == i {
			continue
		}
		switch {
		case f.end() == r.Base:
			merged := Range{Base: f.Base, Pages: f.Pages + r.Pages}
			h.removeTwo(i, j, merged)
			return true
		case r.end() == f.Base:
			merged := Range{Base: r.Base, Pages: r.Pages + f.Pages}
			h.removeTwo(i, j, merged)
			return true
		}
	}
	return false
}

func (h *Heap) removeTwo(i, j int, merged Range) {
	lo, hi := i, j
	if lo > hi {
		lo, hi = hi, lo
	}
	h.free = append(h.free[:hi], h.free[hi+1:]...)
	h.free = append(h.free[:lo], h.free[lo+1:]...)
	h.free = append(h.free, merged)
}

// Ranges returns a snapshot of the current free list, for tests and
// diagnostics.
func (h *Heap) Ranges() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Range, len(h.free))
	copy(out, h.free)
	return out
}

// Top returns the current top of the managed window.
func (h *Heap) Top() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.top
}
