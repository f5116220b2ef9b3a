package arch

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// Registers models the small slice of privileged x86-64 state the core
// touches: the paging root (CR3), the paging/NX control bits of
// CR4/EFER, and the segment registers the bootstrap code adjusts
// before the kernel page table goes live. A real kernel issues `mov
// %rax, %cr3` and `wrmsr`; those are privileged instructions a hosted
// Go binary cannot execute, so Registers is a typed stand-in that the
// rest of the core programs against exactly as it would the real
// hardware interface (spec.md §6: "the implementation must expose
// typed wrappers equivalent to the operations listed").
type Registers struct {
	mu sync.Mutex

	cr3  Pa_t
	nxe  bool // EFER.NXE
	pge  bool // CR4.PGE, global pages
	gdt  []uint64
}

// LoadCR3 installs a new paging root, the architectural equivalent of
// `mov %cr3`. On real hardware every write also flushes the non-global
// TLB entries; this stand-in only records the root and does not touch
// TLB.
func (r *Registers) LoadCR3(root Pa_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cr3 = root
}

// CR3 returns the currently loaded paging root.
func (r *Registers) CR3() Pa_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cr3
}

// EnableNXE sets EFER.NXE, permitting the no-execute bit in PTEs to be
// honored. spec.md §2: "Arch preinit enables no-execute".
func (r *Registers) EnableNXE() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nxe = true
}

// NXEEnabled reports EFER.NXE.
func (r *Registers) NXEEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nxe
}

// EnableGlobalPages sets CR4.PGE, required before any PTE's Global bit
// has effect.
func (r *Registers) EnableGlobalPages() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pge = true
}

// GlobalPagesEnabled reports CR4.PGE.
func (r *Registers) GlobalPagesEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pge
}

// SetGDT installs a new global descriptor table and reloads the
// segment registers from it, matching the "adjusts segment registers"
// step of spec.md §2's arch preinit.
func (r *Registers) SetGDT(entries []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gdt = append([]uint64(nil), entries...)
}

// Boot is the single process-wide register file. A real kernel has one
// of these per logical CPU (each core owns its own CR3/GDT); Registers
// here models the common path where every core loads the same kernel
// page table during boot. Per-CPU variants compose a [PerCPU] of these.
var Boot Registers

// Features records the handful of CPUID-derived capability bits the
// bootstrap decides large-page and NX support from. golang.org/x/sys/cpu
// surfaces the general instruction-set feature bits (it has no leaf for
// 1 GiB pages or the NX availability bit, both of which require a raw
// CPUID(0x80000001) read); DetectFeatures fills those two in by calling the
// supplied reader, and falls back to true — qemu and every real amd64
// chip since ~2004 have both — documented in DESIGN.md as the resolution
// of the source's corresponding open question.
type Features struct {
	HasAVX2  bool
	HasSSE42 bool
	HasERMS  bool

	GigabytePages bool // CPUID(0x80000001).edx[26]
	NoExecute     bool // CPUID(0x80000001).edx[20]
}

// CPUIDLeaf reads one CPUID leaf, (eax, ecx) -> (eax, ebx, ecx, edx).
// The real implementation issues the CPUID instruction; tests supply a
// fake.
type CPUIDLeaf func(eax, ecx uint32) (a, b, c, d uint32)

// DetectFeatures builds a Features value using x/sys/cpu's detected
// instruction-set bits plus the two extended-leaf bits read with leaf.
func DetectFeatures(leaf CPUIDLeaf) Features {
	f := Features{
		HasAVX2:  cpu.X86.HasAVX2,
		HasSSE42: cpu.X86.HasSSE42,
		HasERMS:  cpu.X86.HasERMS,
	}
	if leaf == nil {
		f.GigabytePages = true
		f.NoExecute = true
		return f
	}
	_, _, _, edx := leaf(0x80000001, 0)
	f.GigabytePages = edx&(1<<26) != 0
	f.NoExecute = edx&(1<<20) != 0
	return f
}
