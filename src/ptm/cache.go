// Package ptm implements the portable, machine-independent page-table
// manager: hierarchical walk/map/unmap driven through a page-table
// mapping-window cache (spec §4.4).
package ptm

import (
	"sync"

	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/mmu"
)

// minLowPriority is the floor below which a high-priority eviction
// request is refused the right to evict another high-priority entry,
// per spec §4.4: "high-priority entries may evict other high-priority
// ones only if a minimum count of low-priority entries exists".
const minLowPriority = 2

// Backing stands in for physical memory access to page-table frames:
// in a real kernel this would be done through the reserved virtual
// window itself; here it is the thing the window is made to "point
// at" (see SPEC_FULL.md on the host-runnable model).
type Backing interface {
	Read(p mem.Paddr) *mmu.Table
	Alloc() (mem.Paddr, *kernel.Error)
	Free(p mem.Paddr)
}

// entry models one page-table mapping-window cache entry (spec §3).
type entry struct {
	reservedVA   mem.Vaddr
	target       mem.Paddr
	tracking     bool // holds a valid (possibly stale) target; "in-use list" membership
	pinned       bool // actively protecting a live walk; never evictable
	highPriority bool
}

// Cache is the per-address-space page-table mapping-window cache
// (spec §3, §4.4).
type Cache struct {
	mu sync.Mutex

	entries []entry
	free    []int // stack of indices not tracking any target
	inUse   []int // ordered list of indices tracking a target, oldest first

	// lowPriorityCount tracks how many cache entries are currently at
	// low priority, counting free entries as low-priority capacity
	// since any of them can still absorb a low-priority acquire.
	lowPriorityCount int
	backing          Backing
}

// NewCache builds a cache of size entries, each pre-assigned a
// reserved virtual window address starting at windowBase.
func NewCache(size int, windowBase mem.Vaddr, backing Backing) *Cache {
	c := &Cache{entries: make([]entry, size), backing: backing}
	for i := range c.entries {
		c.entries[i].reservedVA = windowBase + mem.Vaddr(i*mem.PageSize)
		c.free = append(c.free, i)
	}
	c.lowPriorityCount = size
	return c
}

// acquire pins an entry pointed at target, evicting if necessary. It
// returns the entry index or OOM/panics per spec's documented
// suspension point.
func (c *Cache) acquire(target mem.Paddr, highPriority bool) (int, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Reuse an already-tracking entry pointed at the same target, if
	// any (avoids a redundant PTE write + flush).
	for _, idx := range c.inUse {
		if c.entries[idx].target == target && c.entries[idx].tracking {
			c.pin(idx, highPriority)
			return idx, nil
		}
	}

	if len(c.free) > 0 {
		idx := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.install(idx, target, highPriority)
		return idx, nil
	}

	idx, err := c.evictOne(highPriority)
	if err != nil {
		return 0, err
	}
	c.install(idx, target, highPriority)
	return idx, nil
}

func (c *Cache) install(idx int, target mem.Paddr, highPriority bool) {
	e := &c.entries[idx]
	e.target = target
	e.tracking = true
	c.inUse = append(c.inUse, idx)
	c.pin(idx, highPriority)
}

func (c *Cache) pin(idx int, highPriority bool) {
	e := &c.entries[idx]
	if e.highPriority && !highPriority {
		c.lowPriorityCount++
	}
	if !e.highPriority && highPriority {
		c.lowPriorityCount--
	}
	e.highPriority = highPriority
	e.pinned = true
}

// evictOne scans the in-use list oldest first for a
// not-pinned entry whose priority allows eviction (spec §4.4).
func (c *Cache) evictOne(wantHighPriority bool) (int, *kernel.Error) {
	// First pass: prefer evicting a low-priority entry.
	for i := 0; i < len(c.inUse); i++ {
		idx := c.inUse[i]
		e := &c.entries[idx]
		if e.pinned {
			continue
		}
		if !e.highPriority {
			c.removeFromInUse(i)
			return idx, nil
		}
	}
	// No low-priority victim. A high-priority requester may evict
	// another high-priority entry only if the floor is satisfied.
	if wantHighPriority && c.lowPriorityCount >= minLowPriority {
		for i := 0; i < len(c.inUse); i++ {
			idx := c.inUse[i]
			e := &c.entries[idx]
			if e.pinned {
				continue
			}
			c.removeFromInUse(i)
			return idx, nil
		}
	}
	// Suspension point: spec §9 says today's draft asserts here; a
	// future SMP implementation should block. acquireForEviction is
	// the one call site that would need to change.
	return c.acquireForEviction()
}

func (c *Cache) removeFromInUse(i int) {
	c.inUse = append(c.inUse[:i], c.inUse[i+1:]...)
}

// acquireForEviction is the documented suspension point (spec §9):
// single-CPU nexke panics; a future SMP scheduler blocks here instead.
func (c *Cache) acquireForEviction() (int, *kernel.Error) {
	kernel.Panicf("ptm", "page-table cache exhausted with no evictable entry")
	return 0, nil
}

// release unpins idx once a walk no longer needs the window to stay
// put. The entry remains in the in-use list (still tracking its last
// target) so a subsequent walk touching the same table can reuse it
// without a PTE rewrite.
func (c *Cache) release(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idx].pinned = false
}

// Window maps target into the cache, returning the backing table and a
// release function the caller must invoke once done (spec §4.4: "a
// single PTE write followed by a TLB invalidate of that one address").
func (c *Cache) Window(target mem.Paddr, highPriority bool) (*mmu.Table, func(), *kernel.Error) {
	idx, err := c.acquire(target, highPriority)
	if err != nil {
		return nil, nil, err
	}
	mmu.DefaultFlusher.InvalidatePage(c.entries[idx].reservedVA)
	return c.backing.Read(target), func() { c.release(idx) }, nil
}
