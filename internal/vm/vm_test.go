package vm

import (
	"testing"

	"vmkernel/internal/arch"
	"vmkernel/internal/oma"
	"vmkernel/internal/physmem"
	"vmkernel/internal/vmheap"
)

// pageBump hands out sequential, never-reclaimed physmem pages for
// page-table page backing, standing in for an armed BPA.
type pageBump struct {
	next arch.Pa_t
}

func (p *pageBump) AllocPages(rank uint) (arch.Pa_t, bool) {
	phys := p.next
	p.next += arch.Pa_t(1<<rank) * arch.Pa_t(arch.PGSIZE)
	return phys, true
}

func (p *pageBump) FreePages(phys arch.Pa_t, rank uint) {}

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	src := &pageBump{next: arch.Pa_t(40000) << arch.PGSHIFT}
	// Two pages per bucket: one table page's worth of room plus the
	// bitmap/header overhead, since objSize (4096) leaves no slack in
	// a single page for OMA's own bookkeeping.
	pteAlloc := oma.New(uint32(arch.PGSIZE), 2, src)
	root, ok := NewRoot(pteAlloc)
	if !ok {
		t.Fatal("failed to allocate root table")
	}
	heap := vmheap.New(0x0000700000000000)
	return New(root, pteAlloc, 0xffff800000000000, 256<<20, heap)
}

// entryAt walks from the root down to level, returning that level's
// entry for virt. Every level strictly above level along the path must
// already be non-terminal.
func entryAt(root arch.Pa_t, virt uintptr, level arch.Level) arch.PTE {
	phys := root
	for l := arch.LevelPML4; l < level; l++ {
		table := physmem.Table(phys)
		phys = table[l.Index(virt)].Frame()
	}
	table := physmem.Table(phys)
	return table[level.Index(virt)]
}

// TestPromotionAndDemotion is spec.md §8 scenario 4.
func TestPromotionAndDemotion(t *testing.T) {
	m := newTestMapper(t)
	virt := uintptr(0x40000000)

	if _, ok := m.MMap(virt, 0, 262144, Large); !ok {
		t.Fatal("1 GiB mmap failed")
	}
	e := entryAt(m.root, virt, arch.LevelPDPT)
	if !e.Present() || !e.Large() {
		t.Fatalf("expected a terminal level-3 entry, got %#x", uint64(e))
	}
	if e.Frame() != 0 {
		t.Fatalf("expected frame 0, got %#x", uint64(e.Frame()))
	}

	if _, ok := m.MMap(virt, 0x10000000, 1, 0); !ok {
		t.Fatal("overriding 4 KiB mmap failed")
	}

	e = entryAt(m.root, virt, arch.LevelPDPT)
	if !e.Present() || e.Large() {
		t.Fatalf("expected level-3 entry to become non-terminal, got %#x", uint64(e))
	}

	pdTable := physmem.Table(e.Frame())
	pdIdx := arch.LevelPD.Index(virt)
	subdivided := -1
	for i, pte := range pdTable {
		if !pte.Present() {
			t.Fatalf("level-2 entry %d not present after subdivision", i)
		}
		if !pte.Large() {
			if subdivided != -1 {
				t.Fatalf("more than one level-2 entry subdivided: %d and %d", subdivided, i)
			}
			subdivided = i
			continue
		}
		want := arch.Pa_t(i) * arch.Pa_t(arch.PGSIZE2M)
		if pte.Frame() != want {
			t.Fatalf("level-2 entry %d: frame %#x, want %#x", i, uint64(pte.Frame()), uint64(want))
		}
	}
	if subdivided != int(pdIdx) {
		t.Fatalf("expected level-2 index %d subdivided, got %d", pdIdx, subdivided)
	}

	ptEntry := pdTable[pdIdx]
	ptTable := physmem.Table(ptEntry.Frame())
	ptIdx := arch.LevelPT.Index(virt)
	base := arch.Pa_t(pdIdx) * arch.Pa_t(arch.PGSIZE2M)
	for i, pte := range ptTable {
		if !pte.Present() {
			t.Fatalf("level-1 entry %d not present after subdivision", i)
		}
		if uint32(i) == uint32(ptIdx) {
			if pte.Frame() != 0x10000000 {
				t.Fatalf("overriding entry: frame %#x, want 0x10000000", uint64(pte.Frame()))
			}
			continue
		}
		want := base + arch.Pa_t(i)*arch.Pa_t(arch.PGSIZE)
		if pte.Frame() != want {
			t.Fatalf("level-1 entry %d: frame %#x, want %#x", i, uint64(pte.Frame()), uint64(want))
		}
	}
}

// TestGetPhysMappedAndUnmapped is spec.md §8 invariant 4.
func TestGetPhysMappedAndUnmapped(t *testing.T) {
	m := newTestMapper(t)
	virt := uintptr(0x1000000)
	if _, ok := m.MMap(virt, 0x2000, 4, Write); !ok {
		t.Fatal("mmap failed")
	}
	for i := uint32(0); i < 4; i++ {
		want := arch.Pa_t(0x2000) + arch.Pa_t(i)*arch.Pa_t(arch.PGSIZE)
		got, ok := m.GetPhys(virt + uintptr(i)*uintptr(arch.PGSIZE))
		if !ok || got != want {
			t.Fatalf("page %d: got (%#x, %v), want (%#x, true)", i, uint64(got), ok, uint64(want))
		}
	}
	if _, ok := m.GetPhys(virt + uintptr(4)*uintptr(arch.PGSIZE)); ok {
		t.Fatal("expected unmapped page beyond the mapped run to fail")
	}
}

func TestGetPhysOffsetWithinLargePage(t *testing.T) {
	m := newTestMapper(t)
	virt := uintptr(0x80000000) // 2 GiB, 1 GiB aligned
	if _, ok := m.MMap(virt, 0, 262144, Large); !ok {
		t.Fatal("mmap failed")
	}
	got, ok := m.GetPhys(virt + 0x1234)
	if !ok || got != 0x1234 {
		t.Fatalf("got (%#x, %v), want (0x1234, true)", uint64(got), ok)
	}
}

func TestUnmapClearsTranslation(t *testing.T) {
	m := newTestMapper(t)
	virt := uintptr(0x2000000)
	if _, ok := m.MMap(virt, 0x3000, 1, 0); !ok {
		t.Fatal("mmap failed")
	}
	m.Unmap(virt, 1)
	if _, ok := m.GetPhys(virt); ok {
		t.Fatal("expected address to be unmapped after Unmap")
	}
}

func TestDMAWindowTranslation(t *testing.T) {
	m := newTestMapper(t)
	phys := arch.Pa_t(0x5000)
	virt := m.GetVirtDMA(phys)
	got, ok := m.GetPhysDMA(virt)
	if !ok || got != phys {
		t.Fatalf("got (%#x, %v), want (%#x, true)", uint64(got), ok, uint64(phys))
	}
	if _, ok := m.GetPhysDMA(m.dmaBase - 1); ok {
		t.Fatal("expected address below the DMA window to fail")
	}
}

func TestMMIOReservesAndMaps(t *testing.T) {
	m := newTestMapper(t)
	virt, ok := m.MMIO(0x6000, 2)
	if !ok {
		t.Fatal("mmio failed")
	}
	got, ok := m.GetPhys(virt)
	if !ok || got != 0x6000 {
		t.Fatalf("got (%#x, %v), want (0x6000, true)", uint64(got), ok)
	}
	m.UnMMIO(virt, 2)
}

// fakePinner records RefUp/RefDown calls so tests can check MMIO/UnMMIO
// wire a Pinner the way a real *bpa.Allocator would.
type fakePinner struct {
	ups, downs []arch.Pa_t
}

func (f *fakePinner) RefUp(phys arch.Pa_t)   { f.ups = append(f.ups, phys) }
func (f *fakePinner) RefDown(phys arch.Pa_t) { f.downs = append(f.downs, phys) }

// TestMMIOPinsAndUnMMIOUnpinsBackingPhys covers the DMA/MMIO pin
// wiring: MMIO must pin the physical range it maps, and UnMMIO must
// unpin the same range it resolves before releasing the heap span.
func TestMMIOPinsAndUnMMIOUnpinsBackingPhys(t *testing.T) {
	m := newTestMapper(t)
	pin := &fakePinner{}
	m.SetPinner(pin)

	virt, ok := m.MMIO(0x6000, 2)
	if !ok {
		t.Fatal("mmio failed")
	}
	if len(pin.ups) != 1 || pin.ups[0] != 0x6000 {
		t.Fatalf("expected MMIO to pin phys 0x6000 once, got %v", pin.ups)
	}

	m.UnMMIO(virt, 2)
	if len(pin.downs) != 1 || pin.downs[0] != 0x6000 {
		t.Fatalf("expected UnMMIO to unpin phys 0x6000 once, got %v", pin.downs)
	}
}

// TestPriorityMergeKeepsExec covers the Design Notes' priority-flag
// merge rule: two mappings that fall under the same 1 GiB intermediate
// entry but map distinct 2 MiB regions must leave that shared
// intermediate entry's EXEC permission intact even though only the
// first mapping asked for it.
func TestPriorityMergeKeepsExec(t *testing.T) {
	m := newTestMapper(t)
	virt1 := uintptr(0x3000000)
	virt2 := virt1 + uintptr(arch.PGSIZE2M)

	if _, ok := m.MMap(virt1, 0x4000, 1, Exec); !ok {
		t.Fatal("initial exec mmap failed")
	}
	if _, ok := m.MMap(virt2, 0x5000, 1, Write); !ok {
		t.Fatal("second mmap sharing the PDPT entry failed")
	}

	pdpt := entryAt(m.root, virt1, arch.LevelPDPT)
	if !pdpt.Present() {
		t.Fatal("expected the shared intermediate entry to be present")
	}
	if pdpt.NoExec() {
		t.Fatal("expected EXEC permission granted by the first mapping to survive the second, non-exec mapping")
	}
}

// TestTableTrackerCountsIntermediateTables covers the page-table page
// tracker: a one-page mapping touching PML4/PDPT/PD/PT should leave the
// root plus three freshly allocated intermediate tables live.
func TestTableTrackerCountsIntermediateTables(t *testing.T) {
	m := newTestMapper(t)
	before := m.TableCount()
	if before != 1 {
		t.Fatalf("expected only the root tracked initially, got %d", before)
	}

	if _, ok := m.MMap(0x9000000, 0x7000, 1, 0); !ok {
		t.Fatal("mmap failed")
	}
	if got := m.TableCount(); got != 4 {
		t.Fatalf("expected root + 3 intermediate tables tracked, got %d", got)
	}
}

// TestTableTrackerPanicsOnDoubleAdd guards the invariant a real double
// allocation would otherwise corrupt silently.
func TestTableTrackerPanicsOnDoubleAdd(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic adding the same table page twice")
		}
	}()
	var tt tableTracker
	tt.add(0x1000)
	tt.add(0x1000)
}

// TestUnmapReclaimsEmptiedIntermediateTables covers clearOne's cascade:
// unmapping a one-page mapping's only terminal entry must also free the
// PT, PD, and PDPT pages it emptied along the way, leaving only the
// root tracked.
func TestUnmapReclaimsEmptiedIntermediateTables(t *testing.T) {
	m := newTestMapper(t)
	if _, ok := m.MMap(0x9000000, 0x7000, 1, 0); !ok {
		t.Fatal("mmap failed")
	}
	if got := m.TableCount(); got != 4 {
		t.Fatalf("expected root + 3 intermediate tables tracked before unmap, got %d", got)
	}

	m.Unmap(0x9000000, 1)

	if got := m.TableCount(); got != 1 {
		t.Fatalf("expected only the root tracked after the cascade reclaims every emptied table, got %d", got)
	}
	if _, ok := m.GetPhys(0x9000000); ok {
		t.Fatal("expected address to be unmapped")
	}
}

// TestUnmapDoesNotReclaimIntermediateTableStillInUse covers the other
// side of the cascade: a PD/PDPT shared with a still-live mapping must
// survive even though the unmapped sibling's own PT is reclaimed.
func TestUnmapDoesNotReclaimIntermediateTableStillInUse(t *testing.T) {
	m := newTestMapper(t)
	virt1 := uintptr(0x3000000)
	virt2 := virt1 + uintptr(arch.PGSIZE2M)

	if _, ok := m.MMap(virt1, 0x4000, 1, 0); !ok {
		t.Fatal("first mmap failed")
	}
	if _, ok := m.MMap(virt2, 0x5000, 1, 0); !ok {
		t.Fatal("second mmap sharing the PDPT/PD entries failed")
	}
	before := m.TableCount()

	m.Unmap(virt1, 1)

	if _, ok := m.GetPhys(virt1); ok {
		t.Fatal("expected virt1 to be unmapped")
	}
	if got, ok := m.GetPhys(virt2); !ok || got != 0x5000 {
		t.Fatalf("expected virt2 to remain mapped, got (%#x, %v)", uint64(got), ok)
	}
	if got := m.TableCount(); got != before-1 {
		t.Fatalf("expected exactly one reclaimed table (virt1's own PT), got count %d (was %d)", got, before)
	}
}
