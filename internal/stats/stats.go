// Package stats implements compile-time-gated counters for the
// allocators. When Enabled is false every operation on a Counter_t or
// Cycles_t compiles down to a no-op so the hot allocation paths pay
// nothing for instrumentation in a production kernel build.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

// Enabled turns per-operation counters on. Flip to true for a debug build.
const Enabled = false

// Timing turns elapsed-cycle accounting on. Independent of Enabled because
// timing costs more per call than a bare increment.
const Timing = false

// Now returns a monotonic timestamp used by Cycles_t. The teacher's
// runtime exposes a raw RDTSC read; this module runs on the stock Go
// runtime, so wall-clock nanoseconds (time.Now().UnixNano) stand in for
// a cycle counter — cheap enough to sample on every slow-path
// allocation, but wall-clock time, so not guaranteed to increase
// monotonically.
func Now() uint64 {
	if Timing {
		return uint64(time.Now().UnixNano())
	}
	return 0
}

// Counter_t is a statistical counter, atomically updated.
type Counter_t int64

// Cycles_t accumulates elapsed Now() deltas.
type Cycles_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), 1)
	}
}

// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), n)
	}
}

// Add adds the cycles elapsed since start.
func (c *Cycles_t) Add(start uint64) {
	if Timing {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), int64(Now()-start))
	}
}

// Load reads the current counter value regardless of Enabled, so tests
// can assert on it even in a build where instrumentation is compiled out
// (in which case it is simply always zero).
func (c *Counter_t) Load() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(c)))
}

// String renders every Counter_t/Cycles_t field of st as a report. Used by
// bpa.Allocator.StatsReport.
func String(st interface{}) string {
	if !Enabled && !Timing {
		return ""
	}
	v := reflect.ValueOf(st)
	var s strings.Builder
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s.WriteString("\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10))
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s.WriteString("\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10))
		}
	}
	s.WriteString("\n")
	return s.String()
}
