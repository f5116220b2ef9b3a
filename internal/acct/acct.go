// Package acct provides an atomically updated allocation ledger. It is
// the same take/give-with-rollback counter the teacher uses for
// per-process resource limits (limits.Sysatomic_t), repurposed here to
// track the one system-wide quantity the memory core itself must
// account for: bytes currently handed out by the universal allocator
// (spec.md §8 testable property 3, "UMA::allocated_bytes").
package acct

import "sync/atomic"

// Ledger tracks a monotonically-bounded count of outstanding units
// (bytes or pages). Given/Taken never let the count go negative.
type Ledger struct {
	outstanding int64
}

// Given records units being returned to the pool (a free).
func (l *Ledger) Given(n uint64) {
	if n == 0 {
		return
	}
	v := atomic.AddInt64(&l.outstanding, -int64(n))
	if v < 0 {
		panic("acct: ledger went negative")
	}
}

// Taken records units being handed out (an allocation).
func (l *Ledger) Taken(n uint64) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&l.outstanding, int64(n))
}

// Outstanding reports the current ledger balance.
func (l *Ledger) Outstanding() uint64 {
	return uint64(atomic.LoadInt64(&l.outstanding))
}
