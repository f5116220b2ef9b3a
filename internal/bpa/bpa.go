// Package bpa implements the buddy page allocator: rank-indexed free
// lists of power-of-two page runs, coalesced and split under a single
// spinlock. Grounded on the teacher's Physmem allocator (mem/mem.go),
// which keeps the same rank/bitmap structure; the teacher's assembly
// bitmap scan is replaced with a Go slice walk, and the teacher's
// kernel-heap free-list nodes are replaced with nodes carved from an
// OMA living in simulated physical memory, so the bootstrap cycle
// described in spec.md's Design Notes ("BPA wants OMA-allocated nodes;
// OMAs want BPA-allocated pages") is genuinely exercised rather than
// assumed away.
package bpa

import (
	"sync"

	"vmkernel/internal/arch"
	"vmkernel/internal/boot"
	"vmkernel/internal/diag"
	"vmkernel/internal/oma"
	"vmkernel/internal/physmem"
	"vmkernel/internal/stats"
	"vmkernel/internal/util"
)

// nodeSize is the on-disk layout of one free-list node: a 4-byte page
// base index followed by an 8-byte physical pointer to the next node.
// Allocated and freed through an OMA exactly like any other kernel
// object, rather than a Go-heap linked list, so the node pool genuinely
// participates in the bootstrap dependency the spec calls out.
const nodeSize = 16

// nilNode marks the end of a rank's free list. All-ones, rather than
// zero, because physical page 0 is a legitimate run base.
const nilNode arch.Pa_t = ^arch.Pa_t(0)

// Allocator is a buddy page allocator over the simulated physical
// address space. One global spinlock (mu) guards every free list and
// bitmap, matching spec.md §5's single-lock concurrency model.
type Allocator struct {
	mu             sync.Mutex
	maxRank        uint
	heads          []arch.Pa_t // free-list head per rank, nilNode when empty
	bitmaps        [][]byte    // per-rank buddy-pair bitmap
	nodes          *oma.OMA    // backs free-list node storage
	refs           map[arch.Pa_t]ref
	stats          Stats
	totalPages     uint64 // simulated physical pages this allocator manages
	allocatedPages uint64 // pages currently handed out, bootstrap pools included
}

// Stats is the allocator's compile-time-gated operation counters,
// exported as plain fields so stats.String can render them via
// reflection.
type Stats struct {
	Allocs   stats.Counter_t
	Frees    stats.Counter_t
	Splits   stats.Counter_t
	Coalesce stats.Counter_t
}

// StatsReport renders the allocator's counters, or "" in this build
// since stats.Enabled is false (spec.md's ambient stack carries the
// hook regardless of whether a given build turns it on).
func (a *Allocator) StatsReport() string {
	return stats.String(a.stats)
}

// selfSource lets the allocator's own node OMA grow by drawing fresh
// pages from the very allocator it backs, once the allocator is armed.
// Its methods call the *Locked forms directly rather than AllocPages/
// FreePages: a selfSource call only ever happens from inside push/pop,
// which only ever run with mu already held, so re-taking mu here would
// deadlock.
type selfSource struct{ a *Allocator }

func (s selfSource) AllocPages(rank uint) (arch.Pa_t, bool) {
	return s.a.allocLocked(rank)
}

func (s selfSource) FreePages(phys arch.Pa_t, rank uint) {
	s.a.freeLocked(uint32(phys>>arch.PGSHIFT), rank)
}

// New builds an allocator seeded from h's memory map: every FREE region
// is decomposed into maximal naturally aligned power-of-two runs and
// pushed onto the free list of its rank (spec.md §4.1, "Seeding"). The
// bitmap backing and the free-list node OMA's bootstrap pool are
// reserved from h before any region is handed to the free lists, per
// the same section's ordering requirement.
func New(h *boot.Handoff, maxRank uint) *Allocator {
	if maxRank < 13 {
		panic("bpa: max_rank must be >= 13 (spec.md §3, runs up to 4096 pages)")
	}
	a := &Allocator{maxRank: maxRank, totalPages: uint64(physmem.Pages)}
	a.heads = make([]arch.Pa_t, maxRank)
	for i := range a.heads {
		a.heads[i] = nilNode
	}

	sizes := make([]uint64, maxRank)
	var totalBytes uint64
	for r := uint(0); r < maxRank; r++ {
		pairs := uint64(physmem.Pages) >> (1 + r)
		sz := (pairs + 7) / 8
		if sz == 0 {
			sz = 1
		}
		sizes[r] = sz
		totalBytes += sz
	}
	bitmapPages := pagesFor(totalBytes)
	bitmapBase := h.Alloc(bitmapPages)
	physmem.Zero(bitmapBase, bitmapPages)
	a.bitmaps = make([][]byte, maxRank)
	off := uintptr(0)
	for r := uint(0); r < maxRank; r++ {
		a.bitmaps[r] = physmem.Range(bitmapBase+arch.Pa_t(off), uintptr(sizes[r]))
		off += uintptr(sizes[r])
	}

	// Worst case every simulated page is its own rank-0 free entry, so
	// size the bootstrap bucket to hold that many nodes up front; the
	// free-list node OMA is not expected to grow beyond it in practice,
	// but selfSource lets it do so if a later free needs more nodes than
	// are momentarily checked out.
	nodePages := pagesFor(uint64(physmem.Pages) * nodeSize)
	nodePool := h.Alloc(nodePages)
	a.nodes = oma.Bootstrap(nodeSize, nodePool, nodePages, selfSource{a})

	// Neither the bitmap pool nor the free-list node pool ever passes
	// through AllocPages, so account for them directly — mirroring
	// original_source's BPA::init, which sets allocated_pages to its
	// bootstrap pool size before seeding any free list.
	a.allocatedPages = uint64(bitmapPages) + uint64(nodePages)

	for _, reg := range h.GetMemMap().Regions() {
		if reg.Type != boot.Free {
			continue
		}
		a.seedRegion(reg.BasePage, reg.Pages)
	}
	return a
}

func pagesFor(bytes uint64) uint32 {
	p := (bytes + uint64(arch.PGSIZE) - 1) / uint64(arch.PGSIZE)
	if p == 0 {
		p = 1
	}
	return uint32(p)
}

func (a *Allocator) seedRegion(base, pages uint32) {
	for pages > 0 {
		r := trailingZeros(base)
		for r >= a.maxRank || (uint32(1)<<r) > pages {
			r--
		}
		a.push(r, base)
		adv := uint32(1) << r
		base += adv
		pages -= adv
	}
}

func trailingZeros(v uint32) uint {
	if v == 0 {
		return 32
	}
	var n uint
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}

// AllocPages returns the physical base of a fresh 2^rank-page run, or
// ok=false on alloc_fail (spec.md §4.1 contract).
func (a *Allocator) AllocPages(rank uint) (arch.Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(rank)
}

func (a *Allocator) allocLocked(rank uint) (arch.Pa_t, bool) {
	if rank >= a.maxRank {
		panic("bpa: rank out of range")
	}
	if base, ok := a.pop(rank); ok {
		a.stats.Allocs.Inc()
		a.accountAlloc(rank)
		return arch.Pa_t(base) << arch.PGSHIFT, true
	}
	for r := rank + 1; r < a.maxRank; r++ {
		base, ok := a.pop(r)
		if !ok {
			continue
		}
		for cur := r; cur > rank; cur-- {
			upper := base + (uint32(1) << (cur - 1))
			a.push(cur-1, upper)
			a.stats.Splits.Inc()
		}
		a.stats.Allocs.Inc()
		a.accountAlloc(rank)
		return arch.Pa_t(base) << arch.PGSHIFT, true
	}
	return 0, false
}

// accountAlloc updates the allocated-page count (grounded on
// original_source's BPA::allocated_pages counter in
// kernel/vm/bpa.cpp) and warns through diag once free pages drop below
// a sixteenth of the managed total. Called with mu already held.
func (a *Allocator) accountAlloc(rank uint) {
	a.allocatedPages += uint64(1) << rank
	free := a.totalPages - a.allocatedPages
	if free*lowMemoryRatio < a.totalPages {
		diag.LowMemory("bpa", free, a.totalPages)
	}
}

// lowMemoryRatio gates accountAlloc's warning: free pages below
// total/lowMemoryRatio is considered low. No hysteresis or dedup, so
// every allocation made while under the threshold logs again — matching
// the teacher's own unconditional info()/error() call sites, which
// never rate-limit either.
const lowMemoryRatio = 16

// AllocatedPages reports the total pages currently handed out, the
// same quantity original_source's BPA::allocated_pages tracks.
func (a *Allocator) AllocatedPages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedPages
}

// ref is the extra-reference bookkeeping for one pinned run: a count of
// outstanding references beyond the owning allocation, and whether the
// owner has already asked to free the run once the pin count drains.
type ref struct {
	count   uint32
	pending bool
	rank    uint
}

// FreePages releases a run previously obtained from AllocPages with the
// same rank, coalescing with its buddy while the buddy is free. If an
// extra reference is pinning phys (RefUp), the free is deferred until
// RefDown drops the pin count to zero (spec.md/SPEC_FULL.md §5,
// "per-page reference counting hooks") — e.g. a run also addressed
// through the DMA window must not be handed to a new owner while that
// alias is still live.
func (a *Allocator) FreePages(phys arch.Pa_t, rank uint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, pinned := a.refs[phys]; pinned {
		r.pending = true
		r.rank = rank
		a.refs[phys] = r
		return
	}
	a.freeLocked(uint32(phys>>arch.PGSHIFT), rank)
}

// RefUp pins an already-allocated run at phys, so a concurrent
// FreePages on it defers rather than returning the run to the free
// lists.
func (a *Allocator) RefUp(phys arch.Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == nil {
		a.refs = make(map[arch.Pa_t]ref)
	}
	r := a.refs[phys]
	r.count++
	a.refs[phys] = r
}

// RefDown releases one pin on phys. Once the pin count reaches zero, if
// FreePages was called while the run was pinned, the deferred free now
// runs.
func (a *Allocator) RefDown(phys arch.Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.refs[phys]
	if !ok || r.count == 0 {
		panic("bpa: ref_down of an unpinned run")
	}
	r.count--
	if r.count > 0 {
		a.refs[phys] = r
		return
	}
	delete(a.refs, phys)
	if r.pending {
		a.freeLocked(uint32(phys>>arch.PGSHIFT), r.rank)
	}
}

// RefCount reports the outstanding pin count on phys, for tests.
func (a *Allocator) RefCount(phys arch.Pa_t) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[phys].count
}

func (a *Allocator) freeLocked(base uint32, rank uint) {
	a.stats.Frees.Inc()
	a.allocatedPages -= uint64(1) << rank
	for {
		if rank == a.maxRank-1 || !a.bitSet(rank, base) {
			a.push(rank, base)
			return
		}
		buddy := base ^ (uint32(1) << rank)
		if !a.remove(rank, buddy) {
			a.push(rank, base)
			return
		}
		base = util.Min(base, buddy)
		rank++
		a.stats.Coalesce.Inc()
	}
}

// toggleBit flips the buddy-pair bit for base at rank. Every membership
// change in free_list[rank] — a push or a pop, whether the entry leaves
// from the head or from the middle via remove — flips exactly this bit,
// which by construction maintains spec.md §8 invariant 1: "bit[r][i]
// equals 1 iff exactly one of the two buddies is currently free".
func (a *Allocator) toggleBit(rank uint, base uint32) {
	bm := a.bitmaps[rank]
	idx := base >> (1 + rank)
	bm[idx/8] ^= 1 << (idx % 8)
}

func (a *Allocator) bitSet(rank uint, base uint32) bool {
	bm := a.bitmaps[rank]
	idx := base >> (1 + rank)
	return bm[idx/8]&(1<<(idx%8)) != 0
}

func (a *Allocator) push(rank uint, base uint32) {
	node, ok := a.nodes.Alloc()
	if !ok {
		panic("bpa: out of free-list node storage")
	}
	writeNode(node, base, a.heads[rank])
	a.heads[rank] = node
	a.toggleBit(rank, base)
}

func (a *Allocator) pop(rank uint) (uint32, bool) {
	head := a.heads[rank]
	if head == nilNode {
		return 0, false
	}
	base, next := readNode(head)
	a.heads[rank] = next
	a.nodes.Free(head)
	a.toggleBit(rank, base)
	return base, true
}

// remove unlinks the node matching base from free_list[rank], wherever
// it sits in the chain, for the coalesce path's "remove the buddy's
// node" step.
func (a *Allocator) remove(rank uint, base uint32) bool {
	prev := nilNode
	cur := a.heads[rank]
	for cur != nilNode {
		b, next := readNode(cur)
		if b == base {
			if prev == nilNode {
				a.heads[rank] = next
			} else {
				writeNodeNext(prev, next)
			}
			a.nodes.Free(cur)
			a.toggleBit(rank, base)
			return true
		}
		prev = cur
		cur = next
	}
	return false
}

func writeNode(phys arch.Pa_t, base uint32, next arch.Pa_t) {
	buf := physmem.Range(phys, nodeSize)
	util.Writen(buf, 4, 0, int(base))
	util.Writen(buf, 8, 8, int(next))
}

func readNode(phys arch.Pa_t) (uint32, arch.Pa_t) {
	buf := physmem.Range(phys, nodeSize)
	base := uint32(util.Readn(buf, 4, 0))
	next := arch.Pa_t(util.Readn(buf, 8, 8))
	return base, next
}

func writeNodeNext(phys arch.Pa_t, next arch.Pa_t) {
	buf := physmem.Range(phys, nodeSize)
	util.Writen(buf, 8, 8, int(next))
}

// FreeListLen reports how many entries sit in free_list[rank], for
// tests asserting on the split/coalesce cascades of spec.md §8
// scenarios 1 and 2.
func (a *Allocator) FreeListLen(rank uint) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for cur := a.heads[rank]; cur != nilNode; {
		_, next := readNode(cur)
		n++
		cur = next
	}
	return n
}

// BitSet reports the buddy-pair bit for base at rank, for tests
// asserting on spec.md §8 invariant 1 directly.
func (a *Allocator) BitSet(rank uint, base uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bitSet(rank, base)
}

// MaxRank reports the allocator's configured rank ceiling.
func (a *Allocator) MaxRank() uint { return a.maxRank }
