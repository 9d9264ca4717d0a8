// Package slab implements the multi-sized object cache allocator over
// the frame manager (spec §4.2): internal and external slabs, object
// coloring, and a general-purpose size-class allocator built on top.
//
// Each slab draws its page count from the frame manager for correct
// frame-accounting, but its addressable bytes live in a Go-heap buffer
// (mem.Frame carries no real backing storage in this host-runnable
// model — see SPEC_FULL.md). Free lists are threaded through that
// buffer instead of raw physical memory, and internal-slab objects are
// resolved by address range rather than by page-align-down, since the
// buffer has no guaranteed page alignment.
package slab

import (
	"sync"
	"unsafe"

	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/util"
)

// emptyListThreshold bounds how many fully-free slabs a cache keeps
// around before releasing surplus ones back to the frame manager
// (spec §4.2, "surplus empty slabs are released").
const emptyListThreshold = 3

// FramesProvider abstracts the frame manager so caches can be unit
// tested without a live Manager. *mem.Manager satisfies it.
type FramesProvider interface {
	AllocPagesAt(count uint64, maxAddr mem.Paddr, align uint64) (*mem.Frame, *kernel.Error)
	FreePages(f *mem.Frame, count uint64)
}

// slabBuf is the free-list node living inside a free buffer's own
// memory (spec §9, tagged union of buffer descriptor vs. live object).
type slabBuf struct {
	next *slabBuf
}

// slab is one slab: a run of pages carved into fixed-size objects.
type slab struct {
	mem      []byte
	base     uintptr
	frame    *mem.Frame
	free     *slabBuf
	numAvail uint32
	cache    *Cache

	owner      *list
	prev, next *slab
}

// list is an intrusive doubly linked list of slabs (empty/partial/full).
// Each slab tracks its current owner so moving it between lists never
// needs to guess which one currently holds it.
type list struct {
	head, tail *slab
	length     int
}

func (l *list) pushFront(s *slab) {
	s.owner = l
	s.prev, s.next = nil, l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	if l.tail == nil {
		l.tail = s
	}
	l.length++
}

func (l *list) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next, s.owner = nil, nil, nil
	l.length--
}

func (l *list) popFront() *slab {
	s := l.head
	if s != nil {
		l.remove(s)
	}
	return s
}

// moveTo removes s from its current owning list and pushes it to dst.
func moveTo(s *slab, dst *list) {
	if s.owner != nil {
		s.owner.remove(s)
	}
	dst.pushFront(s)
}

// Cache holds every slab backing objects of one size/alignment (spec
// §3 SlabCache).
type Cache struct {
	mu sync.Mutex

	Name      string
	ObjSize   uint64
	Align     uint64
	slabPages uint64
	maxObj    uint32
	external  bool

	color    uint64
	maxColor uint64

	empty, partial, full list

	numObjects uint64

	// objIndex maps a live object's address back to its slab for
	// external caches (spec §4.2, "hash the object pointer... into a
	// fixed-size bucket array"). Represented as a real map here since
	// nexke models the bucket array's semantics, not its memory layout.
	objIndex map[uintptr]*slab

	frames FramesProvider
}

// NewCache creates a cache for fixed-size objects. slabPages is chosen
// by the caller (spec leaves slab sizing to policy); external control
// is selected automatically once slabPages > 1, matching spec §4.2.
func NewCache(name string, objSize, align uint64, slabPages uint64, frames FramesProvider) *Cache {
	if align == 0 {
		align = 8
	}
	objSize = util.Roundup(objSize, align)
	c := &Cache{
		Name:      name,
		ObjSize:   objSize,
		Align:     align,
		slabPages: slabPages,
		frames:    frames,
		external:  slabPages > 1,
	}
	slabBytes := slabPages * mem.PageSize
	c.maxObj = uint32(slabBytes / objSize)
	if c.maxObj == 0 {
		c.maxObj = 1
	}
	c.maxColor = util.Max(uint64(1), (slabBytes-uint64(c.maxObj)*objSize)/util.Max(align, 1))
	if c.external {
		c.objIndex = make(map[uintptr]*slab)
	}
	return c
}

// grow allocates a fresh slab, applies coloring, threads a free list of
// maxObj buffers, and appends it to the empty list (spec §4.2).
func (c *Cache) grow() *kernel.Error {
	f, err := c.frames.AllocPagesAt(c.slabPages, ^mem.Paddr(0), 1)
	if err != nil {
		return err
	}
	slabBytes := c.slabPages * mem.PageSize
	buf := make([]byte, slabBytes)
	base := uintptr(unsafe.Pointer(&buf[0]))

	colorOff := c.color * c.Align
	c.color = (c.color + 1) % c.maxColor

	s := &slab{mem: buf, base: base, frame: f, cache: c}
	cur := base + uintptr(colorOff)
	for i := uint32(0); i < c.maxObj; i++ {
		b := (*slabBuf)(unsafe.Pointer(cur))
		b.next = s.free
		s.free = b
		if c.external {
			c.objIndex[cur] = s
		}
		cur += uintptr(c.ObjSize)
	}
	s.numAvail = c.maxObj
	c.empty.pushFront(s)
	return nil
}

// Alloc pops an object from the partial list (growing the cache if
// necessary) and returns its address (spec §4.2 Allocation).
func (c *Cache) Alloc() (uintptr, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.partial.head
	if s == nil {
		if s = c.empty.popFront(); s != nil {
			c.partial.pushFront(s)
		}
	}
	if s == nil {
		if err := c.grow(); err != nil {
			return 0, err
		}
		s = c.empty.popFront()
		c.partial.pushFront(s)
	}

	buf := s.free
	s.free = buf.next
	s.numAvail--
	c.numObjects++

	if s.numAvail == 0 {
		moveTo(s, &c.full)
	}
	return uintptr(unsafe.Pointer(buf)), nil
}

// Free returns obj to its containing slab (spec §4.2), resolving the
// slab by a range scan over the cache's slabs for internal caches
// (walkFor) or the object index for external ones.
func (c *Cache) Free(obj uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slabOf(obj)
	if s == nil {
		kernel.Panicf("slab", "free of unowned object %#x in cache %s", obj, c.Name)
	}

	b := (*slabBuf)(unsafe.Pointer(obj))
	b.next = s.free
	s.free = b
	s.numAvail++
	c.numObjects--

	switch {
	case s.numAvail == c.maxObj:
		if s.owner != nil {
			s.owner.remove(s)
		}
		if c.empty.length >= emptyListThreshold {
			c.releaseSlab(s)
			return
		}
		c.empty.pushFront(s)
	case s.numAvail == 1:
		moveTo(s, &c.partial)
	}
}

func (c *Cache) releaseSlab(s *slab) {
	if c.external {
		for k, v := range c.objIndex {
			if v == s {
				delete(c.objIndex, k)
			}
		}
	}
	c.frames.FreePages(s.frame, c.slabPages)
}

func (c *Cache) slabOf(obj uintptr) *slab {
	if c.external {
		return c.objIndex[obj]
	}
	return c.walkFor(obj)
}

// walkFor resolves obj to its containing internal slab by range, not by
// page-align-down: a slab's backing buffer is a Go-heap allocation
// (slab.go's "mem.Frame carries no real backing storage" doc comment)
// with no guaranteed page alignment, so only s.base itself — recorded
// at grow() time — is trustworthy as a bound.
func (c *Cache) walkFor(obj uintptr) *slab {
	slabBytes := uintptr(c.slabPages * mem.PageSize)
	for _, l := range []*list{&c.partial, &c.full, &c.empty} {
		for s := l.head; s != nil; s = s.next {
			if obj >= s.base && obj < s.base+slabBytes {
				return s
			}
		}
	}
	return nil
}

// NumObjects returns the count of live objects, satisfying the spec §8
// invariant numObjects == Σ(maxObj - slab.numAvail) across partial+full.
func (c *Cache) NumObjects() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numObjects
}

// EmptyLen reports how many fully-free slabs are retained.
func (c *Cache) EmptyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.empty.length
}
