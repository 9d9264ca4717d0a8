package slab

import (
	"unsafe"

	"nexke/src/kernel"
)

// Allocator is the general-purpose size-class allocator sitting on top
// of the slab caches (spec §4.2): powers of two from minClass up to
// maxClass. Malloc picks the smallest cache whose object size >= the
// request; Free requires the caller to pass the size class back.
type Allocator struct {
	classes []*Cache
	byShift map[uint]*Cache
}

// NewAllocator builds the size-class ladder from minSize to maxSize
// inclusive (both must be powers of two). The kernel allocator uses
// 16..8192; the boot-stage allocator uses 16..2048 (spec §4.2).
func NewAllocator(minSize, maxSize uint64, frames FramesProvider) *Allocator {
	a := &Allocator{byShift: make(map[uint]*Cache)}
	for sz := minSize; sz <= maxSize; sz *= 2 {
		slabPages := uint64(1)
		if sz*8 > 4096 {
			slabPages = (sz * 8) / 4096
		}
		c := NewCache(classLabel(sz), sz, sz, slabPages, frames)
		a.classes = append(a.classes, c)
		a.byShift[bitLen(sz)] = c
	}
	return a
}

func classLabel(sz uint64) string {
	return "size-" + itoa(sz)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func bitLen(v uint64) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// classFor returns the smallest cache whose object size >= size.
func (a *Allocator) classFor(size uint64) *Cache {
	for _, c := range a.classes {
		if c.ObjSize >= size {
			return c
		}
	}
	return nil
}

// Malloc allocates size bytes from the smallest fitting size class.
func (a *Allocator) Malloc(size uint64) (unsafe.Pointer, *kernel.Error) {
	c := a.classFor(size)
	if c == nil {
		return nil, kernel.New(kernel.ErrInvalid, "size %d exceeds largest class", size)
	}
	p, err := c.Alloc()
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(p), nil
}

// Free releases ptr, which must have been returned by Malloc(size) for
// the same size value (the size-class discipline spec §4.2 requires).
func (a *Allocator) Free(ptr unsafe.Pointer, size uint64) {
	c := a.classFor(size)
	if c == nil {
		kernel.Panicf("slab", "free with unknown size class %d", size)
	}
	c.Free(uintptr(ptr))
}

// ClassOf exposes the cache backing a given size, for callers that want
// to inspect occupancy (e.g. KV-arena region-record accounting).
func (a *Allocator) ClassOf(size uint64) *Cache {
	return a.classFor(size)
}
