// Package diag is the core's structured logger and fatal halt path:
// boot-sequence milestones and low-memory warnings go through klog,
// and Fatal disassembles the faulting instruction stream, symbolicates
// the surrounding stack, and halts. kernel.Init calls Fatal when a
// bootstrap step fails; the allocators' and mapper's own invariant
// checks panic directly and do not go through Fatal, so they print no
// register snapshot. Grounded on the teacher's kernel panic path (kernel/chentry.go,
// the source's only direct logging call site), generalized from a bare
// log.Fatal into the structured klog/x86asm/demangle pipeline
// SPEC_FULL.md's ambient stack calls for.
package diag

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"vmkernel/internal/arch"
	"vmkernel/internal/boot"
	"vmkernel/internal/physmem"
)

// klog is the core's process-wide structured logger. A real kernel has
// no stderr; this hosted build writes to whatever logrus.StandardLogger
// is configured with, the same substitution physmem makes for DRAM.
var klog = logrus.StandardLogger()

func init() {
	klog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Milestone logs a boot-sequence step at info level (spec.md §2's
// dataflow: arch preinit, VM init, BPA init, UMA armed).
func Milestone(step string, fields logrus.Fields) {
	klog.WithFields(fields).Info(step)
}

// LowMemory logs a warning when an allocator's free count drops below
// a caller-chosen threshold. Not itself an invariant violation — just
// the structured-logging hook spec.md's ambient stack calls for.
func LowMemory(source string, free, total uint64) {
	klog.WithFields(logrus.Fields{
		"source": source,
		"free":   free,
		"total":  total,
	}).Warn("low memory")
}

// Symbolicate resolves a virtual address to "name+offset" using the
// handoff's debug table, or "" if none is embedded or no symbol
// contains addr.
func Symbolicate(dt *boot.DebugTable, addr uintptr) string {
	if dt == nil {
		return ""
	}
	for _, s := range dt.Symbols {
		if addr >= s.Addr && addr < s.Addr+s.Size {
			off := addr - s.Addr
			name := demangle.Filter(s.Name)
			if off == 0 {
				return name
			}
			return fmt.Sprintf("%s+%#x", name, off)
		}
	}
	return ""
}

// disassemble decodes up to n instructions starting at the physical
// address phys, rendering each in Plan 9 syntax via x86asm — the same
// "print the fault site" step a real kernel's panic handler performs
// against the instruction pointer's backing page.
func disassemble(phys arch.Pa_t, n int) []string {
	lines := make([]string, 0, n)
	off := uintptr(phys) &^ uintptr(arch.PGOFFSET)
	pc := uint64(phys)
	src := physmem.Frame(arch.Pa_t(off))
	cursor := int(uintptr(phys) - off)
	for i := 0; i < n && cursor < len(src); i++ {
		inst, err := x86asm.Decode(src[cursor:], 64)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%#x: <decode error: %v>", pc, err))
			break
		}
		lines = append(lines, fmt.Sprintf("%#x: %s", pc, x86asm.GoSyntax(inst, pc, nil)))
		cursor += inst.Len
		pc += uint64(inst.Len)
	}
	return lines
}

// Frame is one entry of a Fatal report's synthetic stack trace: the
// caller supplies return addresses (a hosted Go panic/recover has no
// privileged frame pointer to walk), and Fatal resolves each through
// the debug table.
type Frame struct {
	Addr uintptr
}

// FaultReport is everything Fatal prints before halting: the
// violated-invariant message, the register snapshot, a handful of
// decoded instructions at the fault site, and the symbolicated trace.
type FaultReport struct {
	Message  string
	Fault    arch.Pa_t
	Regs     arch.Registers
	Trace    []Frame
	DebugTbl *boot.DebugTable
}

// Fatal logs report at the fatal level with registers, the disassembled
// fault site, and a symbolicated stack trace, then halts the process —
// this hosted build's only available stand-in for the real kernel's
// "disable interrupts and spin forever" (spec.md §7: "the core prints
// registers and a stack trace and halts").
func Fatal(report FaultReport) {
	fields := logrus.Fields{
		"cr3": fmt.Sprintf("%#x", uint64(report.Regs.CR3())),
		"nxe": report.Regs.NXEEnabled(),
	}
	for i, l := range disassemble(report.Fault, 4) {
		fields[fmt.Sprintf("insn[%d]", i)] = l
	}
	for i, f := range report.Trace {
		sym := Symbolicate(report.DebugTbl, f.Addr)
		if sym == "" {
			sym = fmt.Sprintf("%#x", uint64(f.Addr))
		}
		fields[fmt.Sprintf("frame[%d]", i)] = sym
	}
	klog.WithFields(fields).Fatal(report.Message)
}

// PoolSample is one named allocator's outstanding-byte reading, the
// input to WriteAllocProfile.
type PoolSample struct {
	Name  string
	Bytes int64
}

// WriteAllocProfile renders samples as a pprof "inuse_space" profile,
// encoded with github.com/google/pprof/profile exactly as that library
// would read it back. Each pool becomes its own single-sample stack
// (a one-frame "location" named after the pool), since this core has
// no per-allocation call stacks to attribute bytes to — the allocators
// themselves are the attribution unit (spec.md §8's allocated_bytes/
// allocated_count testable properties, rendered in a format any
// existing pprof tool can already open).
func WriteAllocProfile(w io.Writer, samples []PoolSample) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "inuse_space", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	for i, s := range samples {
		fn := &profile.Function{ID: uint64(i + 1), Name: s.Name}
		loc := &profile.Location{ID: uint64(i + 1), Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Bytes},
		})
	}
	return p.Write(w)
}
