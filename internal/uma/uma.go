// Package uma implements the universal memory allocator: it routes a
// generic-size request either to a per-rank OMA pool or, above a
// configured threshold, straight to the buddy allocator with the run
// tracked in a size tree. Grounded on the teacher's Kmem_t dispatcher
// (mem/mem.go), which picks between its fixed-size object allocators
// and the physical allocator by requested size; this module
// generalizes that fixed handful of kernel object types into the
// spec's arbitrary size-rank pooling and adds the tree-tracked
// large-allocation path the teacher's Kmem_t does not need, since
// every one of its large objects is already a whole page.
package uma

import (
	"github.com/google/btree"

	"vmkernel/internal/acct"
	"vmkernel/internal/arch"
	"vmkernel/internal/bpa"
	"vmkernel/internal/oma"
	"vmkernel/internal/util"
	"vmkernel/internal/vm"
)

// MinRank is log2 of the smallest object size a pool serves (2^4 = 16
// bytes); this and MaxSmallSize are the "min_rank"/"max_small_size"
// compile-time tunables spec.md §4.5 calls out.
const MinRank = 4

// MaxSmallSize is the largest request routed to a pool rather than
// straight to BPA.
const MaxSmallSize = 4096

// treeDegree is the google/btree node fan-out for the large-alloc
// tree; unrelated to any architectural constant, chosen as the
// library's own suggested default.
const treeDegree = 32

// record is one entry in the large-alloc tree: spec.md §3's
// "(phys_base_page, size_pages)" pair, keyed by phys_base_page. It is
// an ordinary Go-heap value, not physmem-resident, matching the
// precedent set by oma.bucket: bookkeeping structures live on the Go
// heap, only the memory they describe lives in simulated physmem.
type record struct {
	basePage uint32
	pages    uint32
}

func (r *record) Less(than btree.Item) bool {
	return r.basePage < than.(*record).basePage
}

// UMA dispatches allocations between MinRank..MaxSmallSize pools and
// BPA-direct large allocations, per spec.md §4.5.
type UMA struct {
	pools  []*oma.OMA // pools[i] serves objects of size 1<<(MinRank+i)
	bpa    *bpa.Allocator
	mapper *vm.Mapper
	tree   *btree.BTree
	ledger acct.Ledger
}

// New arms a UMA over an already-initialized BPA and mapper, building
// one OMA pool per rank from MinRank up to MaxSmallSize (spec.md §2
// data flow: "UMA is then armed with one OMA per small size rank").
func New(b *bpa.Allocator, m *vm.Mapper) *UMA {
	topRank := util.CeilLog2(uint32(MaxSmallSize))
	n := int(topRank-MinRank) + 1
	pools := make([]*oma.OMA, n)
	for i := range pools {
		objSize := uint32(1) << (MinRank + uint(i))
		pools[i] = oma.NewWithHint(objSize, 64, b)
	}
	return &UMA{
		pools:  pools,
		bpa:    b,
		mapper: m,
		tree:   btree.New(treeDegree),
	}
}

// rankFor picks the pool index for a small request (spec.md §4.5:
// "rank = max(ceil_log2(s), min_rank) - min_rank").
func rankFor(size uint64) int {
	r := util.CeilLog2(size)
	if r < MinRank {
		r = MinRank
	}
	return int(r - MinRank)
}

// Alloc returns a pointer to a region of at least size bytes, or
// ok=false on alloc_fail. Requests above MaxSmallSize round up to a
// page-rank run from BPA and are addressed through the DMA window;
// smaller requests come from a pool whose returned pointer is the raw
// physical address oma.Alloc hands back, matching the free path's
// bucket-containment check in §4.5.
func (u *UMA) Alloc(size uint64) (uintptr, bool) {
	if size == 0 {
		size = 1
	}
	if size > MaxSmallSize {
		pages := (size + uint64(arch.PGSIZE) - 1) / uint64(arch.PGSIZE)
		rank := util.CeilLog2(pages)
		phys, ok := u.bpa.AllocPages(rank)
		if !ok {
			return 0, false
		}
		basePage := uint32(phys >> arch.PGSHIFT)
		u.tree.ReplaceOrInsert(&record{basePage: basePage, pages: uint32(1) << rank})
		bytes := (uint64(1) << rank) * uint64(arch.PGSIZE)
		u.ledger.Taken(bytes)
		return u.mapper.GetVirtDMA(phys), true
	}

	pool := u.pools[rankFor(size)]
	phys, ok := pool.Alloc()
	if !ok {
		return 0, false
	}
	u.ledger.Taken(uint64(pool.ObjSize()))
	return uintptr(phys), true
}

// Free releases a pointer previously returned by Alloc. It first
// checks every pool's bucket list for containment; failing that, it
// translates ptr through the DMA window and pops the matching record
// from the large-alloc tree (spec.md §4.5).
func (u *UMA) Free(ptr uintptr) {
	phys := arch.Pa_t(ptr)
	for _, pool := range u.pools {
		if pool.Owns(phys) {
			pool.Free(phys)
			u.ledger.Given(uint64(pool.ObjSize()))
			return
		}
	}

	basePhys, ok := u.mapper.GetPhysDMA(ptr)
	if !ok {
		panic("uma: free of pointer not owned by any pool or the DMA window")
	}
	if uint64(basePhys)%uint64(arch.PGSIZE) != 0 {
		panic("uma: large free pointer not page-aligned")
	}
	basePage := uint32(basePhys >> arch.PGSHIFT)
	item := u.tree.Delete(&record{basePage: basePage})
	if item == nil {
		panic("uma: free of untracked large allocation")
	}
	rec := item.(*record)
	rank := util.FloorLog2(rec.pages)
	u.bpa.FreePages(basePhys, rank)
	u.ledger.Given(uint64(rec.pages) * uint64(arch.PGSIZE))
}

// AllocatedBytes reports the ledger's current outstanding balance,
// spec.md §8 testable property 3's "UMA::allocated_bytes".
func (u *UMA) AllocatedBytes() uint64 {
	return u.ledger.Outstanding()
}

// TreeLen reports how many large-alloc records are currently tracked,
// for tests asserting the tree empties out (spec.md §8 scenario 6).
func (u *UMA) TreeLen() int {
	return u.tree.Len()
}
