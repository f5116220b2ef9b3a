// Package boot models everything the loader hands the kernel at
// startup: the physical memory map, a one-shot early allocator carved
// out of it, the initial bootstrap mappings (kernel image, framebuffer,
// stack, DMA window) that VM init consumes exactly once, the
// framebuffer descriptor, and an optional debug symbol table. Grounded
// on gopher-os's bootmem allocator (kernel/mem/pmm/allocator/bootmem.go),
// adapted from its "replay a bootloader-reported region list" idiom to
// the spec's "always carve from the single largest free entry" rule.
package boot

import "vmkernel/internal/arch"

// RegionType classifies one memory-map entry.
type RegionType int

const (
	Free RegionType = iota
	Used
	Device
)

func (t RegionType) String() string {
	switch t {
	case Free:
		return "FREE"
	case Used:
		return "USED"
	case Device:
		return "DEVICE"
	default:
		return "?"
	}
}

// Region is one entry of the loader-provided physical memory map.
type Region struct {
	BasePage uint32
	Pages    uint32
	Type     RegionType
}

// End returns the page one past the end of the region.
func (r Region) End() uint32 { return r.BasePage + r.Pages }

// MemMap is the sorted, mutable physical memory map. It starts as the
// loader's report and is shrunk by Alloc calls before BPA takes over;
// BPA then seeds its free lists from the FREE regions that remain
// (spec.md §4.6).
type MemMap struct {
	regions []Region
}

// NewMemMap builds a map from the loader-reported regions, sorting by
// base page as spec.md §6 requires ("sorted array").
func NewMemMap(regions []Region) *MemMap {
	m := &MemMap{regions: append([]Region(nil), regions...)}
	m.sort()
	return m
}

func (m *MemMap) sort() {
	// Insertion sort: boot-time region counts are small (tens of
	// entries at most) and this avoids pulling in sort for a one-shot
	// bootstrap structure.
	for i := 1; i < len(m.regions); i++ {
		for j := i; j > 0 && m.regions[j].BasePage < m.regions[j-1].BasePage; j-- {
			m.regions[j], m.regions[j-1] = m.regions[j-1], m.regions[j]
		}
	}
}

// Regions returns the current map, read-only snapshot semantics: the
// caller must not retain the slice across a mutating call.
func (m *MemMap) Regions() []Region {
	return m.regions
}

// Remove deletes regions[i], per spec.md §4.6 "remove(i) semantics".
func (m *MemMap) Remove(i int) {
	m.regions = append(m.regions[:i], m.regions[i+1:]...)
}

// Alloc carves pages contiguous pages out of the largest FREE region,
// shrinking it or removing it if fully consumed. It is the sole way to
// obtain physical memory before the BPA is armed; failure is fatal
// (spec.md §7, boot_alloc_fail).
func (m *MemMap) Alloc(pages uint32) arch.Pa_t {
	best := -1
	for i, r := range m.regions {
		if r.Type != Free || r.Pages < pages {
			continue
		}
		if best == -1 || r.Pages > m.regions[best].Pages {
			best = i
		}
	}
	if best == -1 {
		panic("boot: out of early memory (boot_alloc_fail)")
	}
	base := m.regions[best].BasePage
	if m.regions[best].Pages == pages {
		m.Remove(best)
	} else {
		m.regions[best].BasePage += pages
		m.regions[best].Pages -= pages
	}
	return arch.Pa_t(base) << arch.PGSHIFT
}

// TotalFree sums the page count of every FREE region. BPA init does not
// use it: bpa.New sizes its bitmap and free-list backing from
// physmem.Pages.
func (m *MemMap) TotalFree() uint64 {
	var total uint64
	for _, r := range m.regions {
		if r.Type == Free {
			total += uint64(r.Pages)
		}
	}
	return total
}
