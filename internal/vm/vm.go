// Package vm walks and edits the four-level x86-64 paging structures:
// mmap/unmap, large-page promotion with demotion-on-subdivision, flag
// priority-merge, and DMA-window translation. Grounded on the
// teacher's VM address-space walker (vm/as.go), which owns the same
// four-level-walk-plus-OMA-backed-table-allocation shape; the
// teacher's single process address space is generalized to an
// arbitrary page-table root so the kernel's own table and any number
// of DMA/MMIO mappings can share this code.
package vm

import (
	"sync"

	"vmkernel/internal/arch"
	"vmkernel/internal/oma"
	"vmkernel/internal/physmem"
	"vmkernel/internal/vmheap"
)

// Flag is a bitwise-combinable mapping request, named after spec.md
// §4.3's contract rather than the architectural mnemonics.
type Flag uint

const (
	Write Flag = 1 << iota
	User
	Exec
	Global
	CacheDisable
	Large
)

// Mapper walks and mutates one page table. Its lock serializes every
// mutation to that table (spec.md §5: "page-table mutation must be
// serialized per-page-table"); concurrent walks of a stable table need
// no lock, but this implementation takes the conservative path of
// locking reads too, since a hosted Go slice read during a concurrent
// unsynchronized write is undefined behavior in a way a real page walk
// is not.
type Mapper struct {
	mu       sync.Mutex
	root     arch.Pa_t
	pteAlloc *oma.OMA
	dmaBase  uintptr
	dmaSize  uint64
	heap     *vmheap.Heap
	tables   tableTracker
	pin      Pinner
}

// Pinner pins or unpins the physical run backing an MMIO mapping, so
// the allocator that owns it cannot hand the same pages to a new owner
// while this mapper still has a live MMIO alias over them. Satisfied
// by *bpa.Allocator's RefUp/RefDown; installed after bootstrap via
// SetPinner, the same bootstrap-handoff shape oma.SetSource uses for
// the page-table allocator.
type Pinner interface {
	RefUp(phys arch.Pa_t)
	RefDown(phys arch.Pa_t)
}

// SetPinner installs the pin/unpin hook MMIO and UnMMIO use to keep a
// mapping's backing pages from being freed out from under it. A nil
// pinner (the default, e.g. before BPA exists) makes MMIO/UnMMIO a
// no-op on this front.
func (m *Mapper) SetPinner(p Pinner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pin = p
}

// tableTracker records every page-table page this mapper currently owns,
// so a double-allocation or a stale reference to an already-freed table
// is an invariant violation rather than silent corruption. Grounded on
// the teacher's kpages pgtracker_t (mem/dmap.go), which keeps the same
// kind of live set for the page tables backing the direct map.
type tableTracker struct {
	live map[arch.Pa_t]bool
}

func (t *tableTracker) add(phys arch.Pa_t) {
	if t.live == nil {
		t.live = make(map[arch.Pa_t]bool)
	}
	if t.live[phys] {
		panic("vm: page-table page allocated twice (table_tracker violation)")
	}
	t.live[phys] = true
}

func (t *tableTracker) remove(phys arch.Pa_t) {
	if !t.live[phys] {
		panic("vm: freeing a page-table page this mapper never tracked")
	}
	delete(t.live, phys)
}

// New wraps an existing root page table. pteAlloc backs every
// intermediate table page this mapper allocates; heap is consulted by
// MMIO for address-range reservations.
func New(root arch.Pa_t, pteAlloc *oma.OMA, dmaBase uintptr, dmaSize uint64, heap *vmheap.Heap) *Mapper {
	m := &Mapper{root: root, pteAlloc: pteAlloc, dmaBase: dmaBase, dmaSize: dmaSize, heap: heap}
	m.tables.add(root)
	return m
}

// NewRoot allocates and zeroes a fresh top-level page table (spec.md
// §3 invariant 4: "a freshly allocated page table is fully zero before
// use").
func NewRoot(pteAlloc *oma.OMA) (arch.Pa_t, bool) {
	p, ok := pteAlloc.Alloc()
	if !ok {
		return 0, false
	}
	physmem.Zero(p, 1)
	return p, true
}

// Root returns the mapper's page-table root, for installing into CR3.
func (m *Mapper) Root() arch.Pa_t { return m.root }

// TableCount reports how many page-table pages this mapper currently
// tracks as live, for diagnostics and tests.
func (m *Mapper) TableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables.live)
}

// MMap installs pages contiguous pages starting at phys into the
// address space at virt, applying flags. It returns virt on success,
// or ok=false on map_fail (an intermediate table allocation failed);
// the table may be left partially updated on failure, per spec.md §7.
func (m *Mapper) MMap(virt uintptr, phys arch.Pa_t, pages uint32, flags Flag) (uintptr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	origVirt := virt
	level := initialTargetLevel(virt, phys, pages, flags)
	remaining := pages
	for remaining > 0 {
		for level < arch.LevelPT && !chunkFits(level, virt, phys, remaining) {
			level++
		}
		chunkPages := uint32(level.PageSize() / arch.PGSIZE)
		if !m.mapOne(arch.LevelPML4, m.root, virt, phys, flags, level) {
			return 0, false
		}
		virt += uintptr(chunkPages) * uintptr(arch.PGSIZE)
		phys += arch.Pa_t(chunkPages) * arch.Pa_t(arch.PGSIZE)
		remaining -= chunkPages
	}
	return origVirt, true
}

// initialTargetLevel picks the finest terminal level a LARGE request
// can start at (spec.md §4.3, "Large-page decision").
func initialTargetLevel(virt uintptr, phys arch.Pa_t, pages uint32, flags Flag) arch.Level {
	level := arch.LevelPT
	if flags&Large == 0 {
		return level
	}
	if pages >= 512 && virt%uintptr(arch.PGSIZE2M) == 0 && uint64(phys)%uint64(arch.PGSIZE2M) == 0 {
		level = arch.LevelPD
		if pages >= 512*512 && virt%uintptr(arch.PGSIZE1G) == 0 && uint64(phys)%uint64(arch.PGSIZE1G) == 0 {
			level = arch.LevelPDPT
		}
	}
	return level
}

// chunkFits reports whether a terminal chunk at level still fits the
// remaining alignment and length; MMap's loop increments level (finer
// granularity) until this holds, which is the "downgrade" spec.md
// §4.3 describes for when remaining length drops below a large-page
// boundary mid-walk.
func chunkFits(level arch.Level, virt uintptr, phys arch.Pa_t, remaining uint32) bool {
	size := level.PageSize()
	chunkPages := uint32(size / arch.PGSIZE)
	return remaining >= chunkPages &&
		virt%uintptr(size) == 0 &&
		uint64(phys)%uint64(size) == 0
}

// mapOne installs one target-level-sized terminal mapping, allocating
// or subdividing intermediate tables as it descends.
func (m *Mapper) mapOne(level arch.Level, tablePhys arch.Pa_t, virt uintptr, phys arch.Pa_t, flags Flag, target arch.Level) bool {
	table := physmem.Table(tablePhys)
	idx := level.Index(virt)

	if level == target {
		table[idx] = terminalPTE(level, phys, flags)
		return true
	}

	entry := table[idx]
	var childPhys arch.Pa_t
	switch {
	case !entry.Present():
		p, ok := m.pteAlloc.Alloc()
		if !ok {
			return false
		}
		physmem.Zero(p, 1)
		m.tables.add(p)
		childPhys = p
		table[idx] = arch.MkPTE(childPhys, intermediateFlags(flags))
	case entry.Large():
		childPhys = m.subdivide(level, entry)
		// Write the new non-terminal entry only after the child table
		// is fully populated, so a concurrent walker sees either the
		// old terminal entry or the complete child (spec.md Design
		// Notes, "concurrent walk during mutation").
		table[idx] = arch.MkPTE(childPhys, mergeFlags(intermediateFlags(flags), entry))
	default:
		childPhys = entry.Frame()
		table[idx] = mergeFlags(entry, intermediateFlags(flags))
	}
	return m.mapOne(level+1, childPhys, virt, phys, flags, target)
}

// subdivide replaces a large terminal entry with a freshly populated
// child table covering the same physical range at the next-finer
// granularity, copying the parent's flags into every child entry with
// the correct stride (spec.md §4.3).
func (m *Mapper) subdivide(level arch.Level, entry arch.PTE) arch.Pa_t {
	p, ok := m.pteAlloc.Alloc()
	if !ok {
		panic("vm: page-table OMA exhausted during subdivision (map_fail)")
	}
	physmem.Zero(p, 1)
	m.tables.add(p)
	child := physmem.Table(p)

	childLevel := level + 1
	stride := arch.Pa_t(childLevel.PageSize())
	base := entry.Frame()
	for i := 0; i < nPTE; i++ {
		childPhys := base + arch.Pa_t(i)*stride
		e := entry.WithFrame(childPhys)
		if childLevel == arch.LevelPT {
			e &^= arch.FlagSize
		}
		child[i] = e
	}
	return p
}

const nPTE = 512

func terminalPTE(level arch.Level, phys arch.Pa_t, flags Flag) arch.PTE {
	f := arch.FlagPresent
	if flags&Write != 0 {
		f |= arch.FlagWrite
	}
	if flags&User != 0 {
		f |= arch.FlagUser
	}
	if flags&Global != 0 {
		f |= arch.FlagGlobal
	}
	if flags&CacheDisable != 0 {
		f |= arch.FlagPCD
	}
	if level != arch.LevelPT {
		f |= arch.FlagSize
	}
	if flags&Exec == 0 {
		f |= arch.FlagNX
	}
	return arch.MkPTE(phys, f)
}

// intermediateFlags builds a fresh non-terminal entry's flags: the
// request's flags minus size and global (spec.md §4.3).
func intermediateFlags(flags Flag) arch.PTE {
	f := arch.FlagPresent
	if flags&Write != 0 {
		f |= arch.FlagWrite
	}
	if flags&User != 0 {
		f |= arch.FlagUser
	}
	if flags&CacheDisable != 0 {
		f |= arch.FlagPCD
	}
	if flags&Exec == 0 {
		f |= arch.FlagNX
	}
	return f
}

// mergeFlags OR-priority-merges incoming into existing: WRITE/USER/PCD
// granted by either side remain granted, and NX is cleared if either
// side demands EXEC, never silently downgrading a permission already
// granted (spec.md Design Notes, "priority-flag merge").
func mergeFlags(existing, incoming arch.PTE) arch.PTE {
	merged := existing | (incoming & (arch.FlagWrite | arch.FlagUser | arch.FlagPCD))
	if incoming&arch.FlagNX == 0 {
		merged &^= arch.FlagNX
	}
	return merged
}

// GetPhys translates virt through the mapper's page table, respecting
// present and size bits, returning ok=false for an unmapped address
// (spec.md §4.3, "Translation query").
func (m *Mapper) GetPhys(virt uintptr) (arch.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walkPhys(arch.LevelPML4, m.root, virt)
}

func (m *Mapper) walkPhys(level arch.Level, tablePhys arch.Pa_t, virt uintptr) (arch.Pa_t, bool) {
	table := physmem.Table(tablePhys)
	idx := level.Index(virt)
	e := table[idx]
	if !e.Present() {
		return 0, false
	}
	if level == arch.LevelPT || e.Large() {
		size := arch.Pa_t(arch.PGSIZE)
		if level != arch.LevelPT {
			size = arch.Pa_t(level.PageSize())
		}
		return e.Frame() | (arch.Pa_t(virt) & (size - 1)), true
	}
	return m.walkPhys(level+1, e.Frame(), virt)
}

// Unmap clears pages contiguous pages worth of terminal entries
// starting at virt. The source's unmap path left this undefined
// (spec.md §9, Open Questions); this implementation clears whatever
// terminal entry it finds covering each address without demoting or
// recomposing surrounding large pages, reclaims any intermediate table
// it empties in the process, and does not invalidate the TLB itself —
// callers are responsible for that (spec.md §5).
func (m *Mapper) Unmap(virt uintptr, pages uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := pages
	for remaining > 0 {
		covered := m.clearOne(arch.LevelPML4, m.root, virt)
		virt += uintptr(covered) * uintptr(arch.PGSIZE)
		if covered >= remaining {
			return
		}
		remaining -= covered
	}
}

func (m *Mapper) clearOne(level arch.Level, tablePhys arch.Pa_t, virt uintptr) uint32 {
	table := physmem.Table(tablePhys)
	idx := level.Index(virt)
	e := table[idx]
	if !e.Present() {
		return 1
	}
	if level == arch.LevelPT {
		table[idx] = 0
		return 1
	}
	if e.Large() {
		table[idx] = 0
		return uint32(level.PageSize() / arch.PGSIZE)
	}
	childPhys := e.Frame()
	covered := m.clearOne(level+1, childPhys, virt)
	if tableEmpty(physmem.Table(childPhys)) {
		table[idx] = 0
		m.tables.remove(childPhys)
		m.pteAlloc.Free(childPhys)
	}
	return covered
}

// tableEmpty reports whether every entry in t is clear, the signal
// clearOne uses to reclaim an intermediate table once its last
// terminal descendant is unmapped (tableTracker.remove's only caller:
// a table that shrinks back to empty is freed rather than left to
// accumulate forever).
func tableEmpty(t *arch.Table) bool {
	for i := 0; i < nPTE; i++ {
		if t[i].Present() {
			return false
		}
	}
	return true
}

// MMIO reserves pages virtual pages from heap and maps them to phys
// with WRITE+CACHE_DISABLE+GLOBAL (spec.md §6). On success it pins phys
// through the installed Pinner (if any), so the physical allocator
// backing this range won't hand it to a new owner while the MMIO alias
// is still live.
func (m *Mapper) MMIO(phys arch.Pa_t, pages uint32) (uintptr, bool) {
	virt := m.heap.Reserve(pages)
	if _, ok := m.MMap(virt, phys, pages, Write|CacheDisable|Global); !ok {
		return 0, false
	}
	if m.pin != nil {
		m.pin.RefUp(phys)
	}
	return virt, true
}

// UnMMIO releases an MMIO mapping's address range back to the heap
// without clearing its PTEs (spec.md §9, "Lazy unmap"): the next mmap
// reusing this range overwrites them. Callers that walk a released
// range before it is reused would observe a stale translation; that is
// the documented, forbidden case. Before releasing, it unpins the
// backing physical run so the allocator may reuse it once no other
// reference remains live.
func (m *Mapper) UnMMIO(virt uintptr, pages uint32) {
	if m.pin != nil {
		if phys, ok := m.GetPhys(virt); ok {
			m.pin.RefDown(phys)
		}
	}
	m.heap.Release(virt, pages)
}

// InstallDMAWindow maps the whole simulated physical address space
// into the direct-mapped window with large pages throughout (spec.md
// §3, "DMA Window" invariant).
func (m *Mapper) InstallDMAWindow(pages uint32) bool {
	_, ok := m.MMap(m.dmaBase, 0, pages, Write|Large)
	return ok
}

// GetVirtDMA translates a physical address to its direct-mapped
// virtual address in O(1).
func (m *Mapper) GetVirtDMA(phys arch.Pa_t) uintptr {
	return m.dmaBase + uintptr(phys)
}

// GetPhysDMA translates a direct-mapped virtual address back to
// physical, or ok=false if virt falls outside the window.
func (m *Mapper) GetPhysDMA(virt uintptr) (arch.Pa_t, bool) {
	if virt < m.dmaBase || virt >= m.dmaBase+uintptr(m.dmaSize) {
		return 0, false
	}
	return arch.Pa_t(virt - m.dmaBase), true
}
