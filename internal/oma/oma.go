// Package oma implements the object memory allocator: fixed-size slab
// buckets backed by physical page runs. Grounded on the teacher's
// Objmem_t (mem/mem.go), which carves a bucket into an object pool, a
// bitmap, and a trailing header, and recycles an emptied bucket back to
// its page source once a second bucket exists. That bucket-recycling
// rule, the header-at-the-end layout, and the find-first-clear-bit
// allocation scan are kept; the pointer-based Go struct layout is
// replaced with the physmem-addressed byte layout the rest of this
// module uses, since obj_size and capacity are now spec-driven inputs
// rather than a handful of hardcoded kernel object types.
package oma

import (
	"vmkernel/internal/arch"
	"vmkernel/internal/physmem"
	"vmkernel/internal/util"
)

// PageSource supplies and reclaims the physically contiguous page runs
// an OMA carves into buckets. bpa.Allocator implements it; OMA only
// declares the interface so bpa can in turn use an OMA for its own
// free-list node allocation without an import cycle (spec.md Design
// Notes, "cyclic ownership between BPA, OMAs, and page tables").
type PageSource interface {
	AllocPages(rank uint) (phys arch.Pa_t, ok bool)
	FreePages(phys arch.Pa_t, rank uint)
}

// headerSize is the size in bytes reserved for the trailing bucket
// header. The bucket's forward-link lives as an ordinary Go pointer
// field (buckets are *bucket values on the Go heap; only the object
// pool and bitmap occupy simulated physical bytes), so headerSize's
// only job is to give the capacity formula in spec.md §4.2 a genuine
// sizeof(header) to subtract rather than silently degenerating to
// zero — sized to one cache line, as the teacher's Bhdr_t trails each
// bucket.
const headerSize = 64

// bucket is one contiguous run of pages backing up to capacity objects
// of objSize each. The object pool occupies the first
// capacity*objSize bytes of the run; the bitmap occupies the next
// ceil(capacity/8) bytes; headerSize bytes are reserved after that
// (spec.md §3, "the header is placed at the end of the run").
type bucket struct {
	base      arch.Pa_t
	objSize   uint32
	capacity  uint32
	allocated uint32
	protected bool // true for a bootstrap bucket: never recycled
	next      *bucket
}

func (b *bucket) bitmap() []byte {
	off := uintptr(b.capacity) * uintptr(b.objSize)
	return physmem.Range(b.base+arch.Pa_t(off), uintptr((b.capacity+7)/8))
}

// OMA is a fixed-size object allocator: a singly linked chain of
// buckets, each carved from a page run obtained through the
// PageSource, or — during bootstrap — a single manually supplied run
// that is never returned.
type OMA struct {
	objSize uint32
	rank    uint // log2(pages per bucket)
	pages   uint32
	cap     uint32 // per-bucket object cap set by NewWithHint; 0 means none
	src     PageSource
	buckets *bucket
}

// New constructs an OMA with an explicit pages-per-bucket, which must
// be a power of two (spec.md §4.2 contract, first constructor form).
func New(objSize uint32, pagesPerBucket uint32, src PageSource) *OMA {
	if !util.IsPow2(pagesPerBucket) {
		panic("oma: pagesPerBucket must be a power of two")
	}
	return &OMA{
		objSize: objSize,
		rank:    util.FloorLog2(pagesPerBucket),
		pages:   pagesPerBucket,
		src:     src,
	}
}

// NewWithHint constructs an OMA whose buckets each hold at most
// capacityHint objects, rounding pages-per-bucket up to the nearest
// power of two (spec.md §4.2 contract, second constructor form).
func NewWithHint(objSize uint32, capacityHint uint32, src PageSource) *OMA {
	need := uint64(objSize) * uint64(capacityHint)
	pagesNeeded := (need + uint64(arch.PGSIZE) - 1) / uint64(arch.PGSIZE)
	if pagesNeeded == 0 {
		pagesNeeded = 1
	}
	rank := util.CeilLog2(pagesNeeded)
	o := New(objSize, uint32(1)<<rank, src)
	o.cap = capacityHint
	return o
}

// Bootstrap constructs an OMA over a single manually supplied page run,
// used for the free-list-node OMA and the PTE OMA before BPA exists
// (spec.md §4.2, "Bitstrap OMA"). That first bucket is marked protected
// and is never returned to src even once empty; if src is non-nil and
// the protected bucket fills up, later buckets are drawn from it and do
// follow the normal recycling rule (spec.md Design Notes: "the
// bootstrap buckets are never freed" — new ones are).
func Bootstrap(objSize uint32, pool arch.Pa_t, pages uint32, src PageSource) *OMA {
	o := &OMA{
		objSize: objSize,
		rank:    util.FloorLog2(pages),
		pages:   pages,
		src:     src,
	}
	o.buckets = o.newBucketAt(pool)
	o.buckets.protected = true
	return o
}

func capacityFor(objSize uint32, pages uint32) uint32 {
	runSize := uint64(pages) * uint64(arch.PGSIZE)
	if runSize <= headerSize {
		panic("oma: bucket too small for header")
	}
	cap64 := (runSize - headerSize) / uint64(objSize)
	cap := uint32(cap64)
	for cap > 0 {
		bitmapBytes := uint64(cap+7) / 8
		if uint64(cap)*uint64(objSize)+bitmapBytes+headerSize <= runSize {
			break
		}
		cap--
	}
	return cap
}

func (o *OMA) newBucketAt(phys arch.Pa_t) *bucket {
	physmem.Zero(phys, o.pages)
	capacity := capacityFor(o.objSize, o.pages)
	if o.cap > 0 && capacity > o.cap {
		capacity = o.cap
	}
	return &bucket{
		base:     phys,
		objSize:  o.objSize,
		capacity: capacity,
	}
}

// Alloc returns an objSize-byte, objSize-aligned region, or ok=false if
// no bucket has room and no page source can grow the pool (spec.md §7
// alloc_fail).
func (o *OMA) Alloc() (phys arch.Pa_t, ok bool) {
	for b := o.buckets; b != nil; b = b.next {
		if idx, found := firstClearBit(b.bitmap(), b.capacity); found {
			setBit(b.bitmap(), idx)
			b.allocated++
			return b.base + arch.Pa_t(idx)*arch.Pa_t(o.objSize), true
		}
	}
	if o.src == nil {
		return 0, false
	}
	base, ok := o.src.AllocPages(o.rank)
	if !ok {
		return 0, false
	}
	nb := o.newBucketAt(base)
	nb.next = o.buckets
	o.buckets = nb
	idx, _ := firstClearBit(nb.bitmap(), nb.capacity)
	setBit(nb.bitmap(), idx)
	nb.allocated++
	return nb.base + arch.Pa_t(idx)*arch.Pa_t(o.objSize), true
}

// Free releases an allocation previously returned by Alloc. It panics
// if ptr was not handed out by this OMA, since that is a wild-pointer
// invariant violation (spec.md §7, fatal). If the owning bucket becomes
// empty and at least one other bucket remains, it is returned to the
// page source.
func (o *OMA) Free(ptr arch.Pa_t) {
	var prev *bucket
	for b := o.buckets; b != nil; prev, b = b, b.next {
		end := b.base + arch.Pa_t(b.capacity)*arch.Pa_t(o.objSize)
		if ptr < b.base || ptr >= end {
			continue
		}
		off := ptr - b.base
		if uint64(off)%uint64(o.objSize) != 0 {
			panic("oma: free of misaligned pointer")
		}
		idx := uint32(uint64(off) / uint64(o.objSize))
		if !clearBit(b.bitmap(), idx) {
			panic("oma: double free")
		}
		b.allocated--
		if b.allocated == 0 && !b.protected && (prev != nil || b.next != nil) {
			o.unlink(prev, b)
			o.src.FreePages(b.base, o.rank)
		}
		return
	}
	panic("oma: free of pointer not owned by this OMA")
}

func (o *OMA) unlink(prev, b *bucket) {
	if prev == nil {
		o.buckets = b.next
	} else {
		prev.next = b.next
	}
}

// Owns reports whether ptr falls within one of this OMA's buckets,
// without panicking — the non-fatal containment check UMA needs to
// route a free between its pools before falling back to the DMA
// window (spec.md §4.5).
func (o *OMA) Owns(ptr arch.Pa_t) bool {
	for b := o.buckets; b != nil; b = b.next {
		end := b.base + arch.Pa_t(b.capacity)*arch.Pa_t(o.objSize)
		if ptr >= b.base && ptr < end {
			return true
		}
	}
	return false
}

// ObjSize reports the fixed object size this OMA hands out.
func (o *OMA) ObjSize() uint32 { return o.objSize }

// SetSource installs (or replaces) the page source this OMA draws new
// buckets from. Used to hand the page-table OMA a real BPA once one
// exists, completing the bootstrap handoff spec.md's Design Notes
// describe: the OMA starts over a single manually supplied run with a
// nil source, then grows through BPA once BPA's own seeding (which
// itself depends on this OMA's bootstrap bucket for free-list nodes)
// has completed.
func (o *OMA) SetSource(src PageSource) { o.src = src }

// AllocatedCount sums the allocated object count across every bucket,
// the quantity spec.md §8 testable property 7 calls allocated_count.
func (o *OMA) AllocatedCount() uint32 {
	var n uint32
	for b := o.buckets; b != nil; b = b.next {
		n += b.allocated
	}
	return n
}

// BucketCount reports how many buckets currently back this OMA.
func (o *OMA) BucketCount() int {
	n := 0
	for b := o.buckets; b != nil; b = b.next {
		n++
	}
	return n
}

func firstClearBit(bm []byte, limit uint32) (uint32, bool) {
	for i := uint32(0); i < limit; i++ {
		if bm[i/8]&(1<<(i%8)) == 0 {
			return i, true
		}
	}
	return 0, false
}

func setBit(bm []byte, i uint32) {
	bm[i/8] |= 1 << (i % 8)
}

// clearBit clears bit i and reports whether it had been set.
func clearBit(bm []byte, i uint32) bool {
	was := bm[i/8]&(1<<(i%8)) != 0
	bm[i/8] &^= 1 << (i % 8)
	return was
}
