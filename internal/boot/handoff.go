package boot

import "vmkernel/internal/arch"

// MappingFlag mirrors the subset of vm.Flag the loader needs to
// describe its bootstrap mappings, duplicated here (rather than
// imported) so boot has no dependency on vm — the loader handoff is
// defined before VM exists, per spec.md §2's bootstrap dataflow.
type MappingFlag uint

const (
	MapWrite MappingFlag = 1 << iota
	MapExec
	MapLarge
)

// Mapping describes one bootstrap mapping VM init must install before
// switching to the new page table: the kernel image, the framebuffer,
// the boot stack, and the DMA window. spec.md §4.6: "get_mem_mappings()
// returns a null-terminated array"; here that is simply a Go slice and
// the loop in kernel.initVM ranges over it instead of sentinel-scanning.
type Mapping struct {
	Phys  arch.Pa_t
	Virt  uintptr
	Pages uint32
	Flags MappingFlag
}

// Framebuffer describes the boot-time linear framebuffer. Out of the
// core's scope to draw into; VM only needs its extent to map it.
type Framebuffer struct {
	Base        arch.Pa_t
	Scanline    uint32
	Width       uint32
	Height      uint32
	ColorFormat uint32
}

// DebugTable is an optional embedded symbol table produced by the
// build, consumed only by the diagnostics package to symbolicate a
// panic's stack trace.
type DebugTable struct {
	Symbols []DebugSymbol
}

// DebugSymbol names one symbol's address range.
type DebugSymbol struct {
	Name string
	Addr uintptr
	Size uintptr
}

// Handoff is the complete, read-only loader->kernel contract (spec.md
// §6): the memory map, the bootstrap mapping list, the framebuffer
// descriptor, and an optional debug table. VM init consumes it exactly
// once; afterward Boot is read-only for symbol/mapping introspection.
type Handoff struct {
	MemMap      *MemMap
	Mappings    []Mapping
	FB          Framebuffer
	DebugTable  *DebugTable
	CPUCount    int
}

// GetMemMap returns the sorted physical memory map.
func (h *Handoff) GetMemMap() *MemMap { return h.MemMap }

// GetMemMappings returns the bootstrap mapping list.
func (h *Handoff) GetMemMappings() []Mapping { return h.Mappings }

// GetFB returns the framebuffer descriptor.
func (h *Handoff) GetFB() Framebuffer { return h.FB }

// GetDebugTable returns the optional embedded symbol table, or nil if
// the build did not embed one.
func (h *Handoff) GetDebugTable() *DebugTable { return h.DebugTable }

// Alloc serves an early physical allocation from the handoff's memory
// map, the one mutating operation Handoff exposes before BPA exists.
func (h *Handoff) Alloc(pages uint32) arch.Pa_t {
	return h.MemMap.Alloc(pages)
}
