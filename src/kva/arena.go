// Package kva implements the kernel virtual memory arena: a
// variable-length virtual region allocator over size buckets, with
// optional on-demand paging for arenas that need it (spec §4.3).
package kva

import (
	"nexke/src/kernel"
	"nexke/src/mem"
)

// footerMagic marks the footer record kept for any region >= 2 pages,
// used to find left neighbors when coalescing (spec §3). The lookup
// scans all footer records, so it is linear in the number of regions,
// not O(1).
const footerMagic = 0x4b56464f // "KVFO"

// Region is one free-or-allocated virtual range (spec §3 KVRegion).
type Region struct {
	Base  mem.Vaddr
	Pages uint64
	Free  bool

	prev, next *Region // bucket list links when Free
	bucket     int
}

type footer struct {
	magic uint32
	size  uint64
}

// bucketBounds gives the five size buckets spec §3 specifies, in
// pages: 1-4, 5-8, 9-16, 17-32, 33+.
var bucketBounds = [4]uint64{4, 8, 16, 32}

func bucketFor(pages uint64) int {
	for i, b := range bucketBounds {
		if pages <= b {
			return i
		}
	}
	return len(bucketBounds)
}

type bucketList struct {
	head *Region
}

func (bl *bucketList) push(r *Region) {
	r.prev, r.next = nil, bl.head
	if bl.head != nil {
		bl.head.prev = r
	}
	bl.head = r
}

func (bl *bucketList) remove(r *Region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		bl.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
}

// Arena is a fixed contiguous virtual range partitioned into buckets of
// free regions plus a set of currently-allocated regions (spec §3 KV
// arena, §4.3).
type Arena struct {
	Name     string
	Base     mem.Vaddr
	Pages    uint64
	NeedsMap bool

	buckets  [len(bucketBounds) + 1]bucketList
	regions  map[mem.Vaddr]*Region // every region, free or allocated, by base
	footers  map[mem.Vaddr]footer  // footer words, keyed by the region's base (i.e. logically "at region_pages-1")
	faulter  Faulter
}

// Faulter is the VM-object fault path a needsMap arena drives on
// allocation/free (spec §4.3's "allocate also faults in frames now").
// Implemented by the vm package; kept as an interface here to avoid an
// import cycle.
type Faulter interface {
	FaultIn(v mem.Vaddr) *kernel.Error
	Release(v mem.Vaddr)
}

// NewArena creates an arena spanning [base, base+pages*PageSize) with
// the entire range initially free.
func NewArena(name string, base mem.Vaddr, pages uint64, needsMap bool, faulter Faulter) *Arena {
	a := &Arena{
		Name:     name,
		Base:     base,
		Pages:    pages,
		NeedsMap: needsMap,
		regions:  make(map[mem.Vaddr]*Region),
		footers:  make(map[mem.Vaddr]footer),
		faulter:  faulter,
	}
	r := &Region{Base: base, Pages: pages, Free: true}
	a.insertFree(r)
	return a
}

func (a *Arena) insertFree(r *Region) {
	r.Free = true
	r.bucket = bucketFor(r.Pages)
	a.buckets[r.bucket].push(r)
	a.regions[r.Base] = r
	if r.Pages >= 2 {
		a.footers[r.Base] = footer{magic: footerMagic, size: r.Pages}
	} else {
		delete(a.footers, r.Base)
	}
}

func (a *Arena) removeFree(r *Region) {
	a.buckets[r.bucket].remove(r)
	delete(a.footers, r.Base)
}

// AllocNoDemand is the allocation flag spec §4.3 names NO_DEMAND: the
// caller takes responsibility for faulting pages in itself.
const AllocNoDemand = 1 << 0

// Alloc reserves a region of at least `pages` pages. For NeedsMap
// arenas, it also faults frames in immediately unless AllocNoDemand is
// set (spec §4.3).
func (a *Arena) Alloc(pages uint64, flags int) (*Region, *kernel.Error) {
	if pages == 0 {
		return nil, kernel.New(kernel.ErrInvalid, "zero-page request")
	}
	r := a.findFit(pages)
	if r == nil {
		return nil, kernel.OOM
	}
	a.removeFree(r)

	if r.Pages > pages {
		rest := &Region{Base: r.Base + mem.Vaddr(pages*mem.PageSize), Pages: r.Pages - pages}
		r.Pages = pages
		a.insertFree(rest)
	}
	r.Free = false
	a.regions[r.Base] = r
	if r.Pages >= 2 {
		a.footers[r.Base] = footer{magic: footerMagic, size: r.Pages}
	}

	if a.NeedsMap && flags&AllocNoDemand == 0 {
		for i := uint64(0); i < r.Pages; i++ {
			if err := a.faulter.FaultIn(r.Base + mem.Vaddr(i*mem.PageSize)); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (a *Arena) findFit(pages uint64) *Region {
	startBucket := bucketFor(pages)
	for b := startBucket; b < len(a.buckets); b++ {
		for r := a.buckets[b].head; r != nil; r = r.next {
			if r.Pages >= pages {
				return r
			}
		}
	}
	return nil
}

// Free returns a region to the free state and coalesces with adjacent
// free neighbors, left then right (spec §4.3).
func (a *Arena) Free(r *Region) {
	if r.Free {
		kernel.Panicf("kva", "double free of region at %#x", r.Base)
	}
	if a.NeedsMap {
		for i := uint64(0); i < r.Pages; i++ {
			a.faulter.Release(r.Base + mem.Vaddr(i*mem.PageSize))
		}
	}
	delete(a.regions, r.Base)
	delete(a.footers, r.Base)

	merged := r
	if left := a.leftNeighbor(merged); left != nil && left.Free {
		a.removeFree(left)
		delete(a.regions, left.Base)
		left.Pages += merged.Pages
		merged = left
	}
	if right := a.rightNeighbor(merged); right != nil && right.Free {
		a.removeFree(right)
		delete(a.regions, right.Base)
		merged.Pages += right.Pages
	}
	a.insertFree(merged)
}

// leftNeighbor finds the region ending exactly at r.Base by scanning
// the footer records of regions of 2 or more pages. Regions of 1 page
// carry no footer; they are found by a direct lookup one page back.
func (a *Arena) leftNeighbor(r *Region) *Region {
	// Scan footers map for any region whose base+pages*PageSize == r.Base.
	// This models "read the footer at the page immediately before r"
	// without needing real byte-addressed memory.
	for base, f := range a.footers {
		if base+mem.Vaddr(f.size*mem.PageSize) == r.Base {
			if neighbor, ok := a.regions[base]; ok {
				return neighbor
			}
		}
	}
	// Single-page free neighbor: no footer, so look it up directly one
	// page back.
	if r.Base >= a.Base+mem.Vaddr(mem.PageSize) {
		cand := r.Base - mem.Vaddr(mem.PageSize)
		if neighbor, ok := a.regions[cand]; ok && neighbor.Pages == 1 {
			return neighbor
		}
	}
	return nil
}

func (a *Arena) rightNeighbor(r *Region) *Region {
	cand := r.Base + mem.Vaddr(r.Pages*mem.PageSize)
	if neighbor, ok := a.regions[cand]; ok {
		return neighbor
	}
	return nil
}

// AllocMMIO reserves a virtual range for device registers (spec §4.3).
// It takes no physical address and maps nothing: it only reserves the
// virtual range, without faulting frames in, and any MMU mapping of
// the returned region is done by the caller.
func (a *Arena) AllocMMIO(pages uint64) (*Region, *kernel.Error) {
	return a.Alloc(pages, AllocNoDemand)
}

// Stats reports free-bucket occupancy, for the round-trip testable
// property in spec §8 ("alloc+free restores bucket occupancy").
func (a *Arena) Stats() [len(bucketBounds) + 1]int {
	var s [len(bucketBounds) + 1]int
	for i := range a.buckets {
		n := 0
		for r := a.buckets[i].head; r != nil; r = r.next {
			n++
		}
		s[i] = n
	}
	return s
}

// FreePages sums all free region sizes, in pages.
func (a *Arena) FreePages() uint64 {
	var total uint64
	for i := range a.buckets {
		for r := a.buckets[i].head; r != nil; r = r.next {
			total += r.Pages
		}
	}
	return total
}
