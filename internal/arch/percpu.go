package arch

// MaxCPUs bounds the per-CPU table. The teacher's runtime fork reaches
// this value via runtime.MAXCPUS; this module hardcodes a generous
// compile-time bound since it does not control the Go scheduler.
const MaxCPUs = 64

// PerCPU is the "global process-local anchor" pattern from spec.md
// Design Notes, reimplemented without a segment-register trick: a
// contiguous table indexed by CPU id, one T per core, with the whole
// table allocated as a single object so each entry lands on a
// predictable offset a bootstrap loader could pin to its own page.
// Callers that know their own CPU id index directly; callers that
// don't supply a CPUHint function.
type PerCPU[T any] struct {
	slots [MaxCPUs]T
}

// Slot returns a pointer to the entry for cpu, panicking if cpu is out
// of range rather than silently aliasing CPU 0's state.
func (p *PerCPU[T]) Slot(cpu int) *T {
	if cpu < 0 || cpu >= MaxCPUs {
		panic("arch: cpu id out of range")
	}
	return &p.slots[cpu]
}

// CPUHint resolves the calling goroutine to a logical CPU id. Tests and
// the single-threaded bootstrap path use a fixed hint of 0; a real
// kernel would read this from a per-core GS-relative field. Declared as
// a variable, not a constant, so kernel init can install the real hook
// once SMP bring-up has assigned ids (spec.md Design Notes: "accessors
// take the CPU id as an explicit argument or read it from a
// thread-local hook").
var CPUHint = func() int { return 0 }

// My returns the slot for the calling goroutine's logical CPU.
func (p *PerCPU[T]) My() *T {
	return p.Slot(CPUHint())
}
