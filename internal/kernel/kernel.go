// Package kernel wires the core's subsystems together in the order
// spec.md §2's data flow describes: arch preinit, VM init (bootstrap
// OMAs and a kernel page table, DMA window, page-table switch), BPA
// init from the free memory map, and finally UMA armed with one pool
// per small-size rank. Grounded on the teacher's main0 (kernel/main.go),
// which performs the same acpi/vm/physmem/kmem bring-up sequence in a
// single linear function before starting the scheduler; Init keeps
// that single-function shape but returns the wired subsystems instead
// of falling through into a scheduler this module does not implement.
package kernel

import (
	"io"

	"vmkernel/internal/arch"
	"vmkernel/internal/boot"
	"vmkernel/internal/bpa"
	"vmkernel/internal/diag"
	"vmkernel/internal/oma"
	"vmkernel/internal/uma"
	"vmkernel/internal/vm"
	"vmkernel/internal/vmheap"
)

// bootPTEPages sizes the single bootstrap bucket VM init draws page
// tables from before BPA exists, and therefore also the page-run size
// every later bucket grows by once BPA is armed (an OMA's rank is fixed
// for its lifetime). It must hold every intermediate table the
// bootstrap mapping loop and the DMA window install need, since the
// OMA has no page source to grow through until the handoff below
// (spec.md Design Notes, "BPA wants OMA-allocated nodes; OMAs want
// BPA-allocated pages" — the same cycle, for the kernel's own root
// table).
const bootPTEPages = 64

// heapBase is the virtual base of the address range VM init reserves
// for MMIO mappings. Arbitrary but must not overlap the DMA window or
// any bootstrap mapping in h.Mappings.
const heapBase = 0x0000700000000000

// dmaBase and dmaPages set the extent of the direct-mapped window that
// covers every page of simulated physical memory (spec.md §3, "DMA
// Window" invariant).
const dmaBase = 0xffff800000000000

// Core is every subsystem Init wires together, returned so a caller
// (or a test) can drive them directly.
type Core struct {
	Mapper *vm.Mapper
	BPA    *bpa.Allocator
	UMA    *uma.UMA
	PTEs   *oma.OMA
}

// Init performs the bootstrap sequence against a loader-supplied
// handoff and returns the fully armed core. It halts via diag.Fatal
// on any step that spec.md §7 treats as fatal rather than returning an
// error, since none of these steps has a recoverable fallback once
// bootstrap has begun.
func Init(h *boot.Handoff) *Core {
	diag.Milestone("arch preinit", nil)
	preinitArch(h)

	diag.Milestone("vm init", nil)
	pteAlloc, mapper := initVM(h)

	diag.Milestone("bpa init", nil)
	b := bpa.New(h, 13)
	pteAlloc.SetSource(b)
	mapper.SetPinner(b)

	diag.Milestone("uma armed", nil)
	u := uma.New(b, mapper)

	return &Core{Mapper: mapper, BPA: b, UMA: u, PTEs: pteAlloc}
}

// WriteAllocProfile renders the core's three allocators' current
// outstanding-byte figures as a pprof profile: the page-table OMA's
// object size times its live count, the BPA's allocated pages times
// the page size, and the UMA's own acct.Ledger-backed byte count
// (spec.md §8's allocated_bytes/allocated_count testable properties,
// in the one format diag.WriteAllocProfile knows how to render).
func (c *Core) WriteAllocProfile(w io.Writer) error {
	samples := []diag.PoolSample{
		{Name: "pte_oma", Bytes: int64(c.PTEs.AllocatedCount()) * int64(c.PTEs.ObjSize())},
		{Name: "bpa", Bytes: int64(c.BPA.AllocatedPages()) * int64(arch.PGSIZE)},
		{Name: "uma", Bytes: int64(c.UMA.AllocatedBytes())},
	}
	return diag.WriteAllocProfile(w, samples)
}

// preinitArch enables no-execute and global pages and detects CPU
// features, the "Arch preinit enables no-execute [and] adjusts segment
// registers" step of spec.md §2. This hosted build has no privileged
// CPUID to issue at boot; leaf is nil, so DetectFeatures falls back to
// assuming both gigabyte pages and NX are available (documented in
// DESIGN.md).
func preinitArch(h *boot.Handoff) {
	arch.Boot.EnableNXE()
	arch.Boot.EnableGlobalPages()
	features := arch.DetectFeatures(nil)
	diag.Milestone("cpu features detected", map[string]interface{}{
		"gigabyte_pages": features.GigabytePages,
		"no_execute":     features.NoExecute,
	})
}

// initVM builds the page-table page source, a fresh root table, and a
// mapper over it, then installs every bootstrap mapping from h and the
// DMA window before switching CR3 to the new root (spec.md §2).
func initVM(h *boot.Handoff) (*oma.OMA, *vm.Mapper) {
	pteAlloc := oma.Bootstrap(uint32(arch.PGSIZE), h.Alloc(bootPTEPages), bootPTEPages, nil)

	root, ok := vm.NewRoot(pteAlloc)
	if !ok {
		diag.Fatal(diag.FaultReport{Message: "vm init: failed to allocate root page table"})
	}

	heap := vmheap.New(heapBase)
	dmaPages := physmemPages(h)
	mapper := vm.New(root, pteAlloc, dmaBase, uint64(dmaPages)*uint64(arch.PGSIZE), heap)

	for _, m := range h.GetMemMappings() {
		if _, ok := mapper.MMap(m.Virt, m.Phys, m.Pages, mappingFlags(m.Flags)); !ok {
			diag.Fatal(diag.FaultReport{Message: "vm init: failed to install a bootstrap mapping"})
		}
	}
	if !mapper.InstallDMAWindow(dmaPages) {
		diag.Fatal(diag.FaultReport{Message: "vm init: failed to install the DMA window"})
	}

	arch.Boot.LoadCR3(mapper.Root())
	return pteAlloc, mapper
}

func physmemPages(h *boot.Handoff) uint32 {
	var top uint32
	for _, r := range h.GetMemMap().Regions() {
		if e := r.End(); e > top {
			top = e
		}
	}
	return top
}

func mappingFlags(f boot.MappingFlag) vm.Flag {
	var out vm.Flag
	if f&boot.MapWrite != 0 {
		out |= vm.Write
	}
	if f&boot.MapExec != 0 {
		out |= vm.Exec
	}
	if f&boot.MapLarge != 0 {
		out |= vm.Large
	}
	return out
}
