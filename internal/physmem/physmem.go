// Package physmem is the one place in this module that stands in for
// real physical RAM. The teacher's Dmap (mem/dmap.go) turns a physical
// address into a live pointer by adding it to a direct-mapped virtual
// base that the MMU backs with real hardware; a hosted Go binary has no
// ring-0 privilege and no 48-bit physical address space to map, so
// physmem instead reserves one big Go byte slice at process start and
// every other package (bpa, oma, vm) addresses into it by physical page
// number. The algorithms this module exists to teach — the buddy split
// invariant, slab bucket layout, PTE encode/decode, heap coalescing —
// are unaffected by this substitution; only the "is this byte physically
// backed by DRAM" question changes from "ask the MMU" to "index a slice".
package physmem

import (
	"unsafe"

	"vmkernel/internal/arch"
)

// ramBytes is the size of the simulated physical address space. Large
// enough to seed a handful of 16 MiB buddy runs (spec.md §8 scenario 1)
// several times over, small enough that tests allocate it instantly.
const ramBytes = 256 << 20

var ram = make([]byte, ramBytes)

// Pages is the number of page frames backing the simulated RAM.
var Pages = uint32(ramBytes / arch.PGSIZE)

// Frame returns a byte slice view of the page at phys, which must be
// page-aligned and within the simulated address space.
func Frame(phys arch.Pa_t) []byte {
	if phys&arch.PGOFFSET != 0 {
		panic("physmem: unaligned frame access")
	}
	return Range(phys, uintptr(arch.PGSIZE))
}

// Range returns a byte slice view of length bytes starting at phys,
// which may span multiple frames of one contiguous run (e.g. an OMA
// bucket's bitmap-and-header tail). Physically contiguous because the
// caller always derives phys from a single BPA run.
func Range(phys arch.Pa_t, length uintptr) []byte {
	off := uintptr(phys)
	if off+length > uintptr(len(ram)) {
		panic("physmem: range out of bounds of simulated RAM")
	}
	return ram[off : off+length]
}

// Table reinterprets the page at phys as a page-table page. This is the
// module's only reinterpret-cast of raw bytes to a typed structure,
// mirroring the teacher's own comfort with unsafe pointer casts
// throughout mem/vm (mem/dmap.go's pg2pmap, mem/mem.go's Pg2bytes).
func Table(phys arch.Pa_t) *arch.Table {
	f := Frame(phys)
	return (*arch.Table)(unsafe.Pointer(&f[0]))
}

// Zero clears n pages starting at phys.
func Zero(phys arch.Pa_t, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		f := Frame(phys + arch.Pa_t(i)*arch.Pa_t(arch.PGSIZE))
		for j := range f {
			f[j] = 0
		}
	}
}
