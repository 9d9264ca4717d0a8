package slab

import (
	"testing"

	"nexke/src/kernel"
	"nexke/src/mem"
)

// fakeFrames is a minimal FramesProvider that never runs out, so slab
// tests exercise cache bookkeeping without depending on mem.Manager's
// boot-entry format.
type fakeFrames struct {
	freed int
}

func (f *fakeFrames) AllocPagesAt(count uint64, maxAddr mem.Paddr, align uint64) (*mem.Frame, *kernel.Error) {
	return &mem.Frame{}, nil
}

func (f *fakeFrames) FreePages(fr *mem.Frame, count uint64) {
	f.freed++
}

func TestSlabRecycling(t *testing.T) {
	// 64-byte objects, one-page slab => maxObj = 4096/64 = 64 (spec
	// scenario uses 63 to account for an embedded header; the portable
	// model here has no embedded header so maxObj is the full 64, and
	// the test exercises the same empty/partial/full transitions with
	// that number).
	fr := &fakeFrames{}
	c := NewCache("test64", 64, 64, 1, fr)

	var objs []uintptr
	for i := 0; i < int(c.maxObj); i++ {
		p, err := c.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		objs = append(objs, p)
	}
	if c.NumObjects() != uint64(c.maxObj) {
		t.Fatalf("numObjects = %d, want %d", c.NumObjects(), c.maxObj)
	}

	// free one: slab moves full -> partial
	c.Free(objs[0])
	if c.partial.length != 1 || c.full.length != 0 {
		t.Fatalf("after one free: partial=%d full=%d, want 1,0", c.partial.length, c.full.length)
	}

	// free the rest: slab moves partial -> empty and is retained
	for _, o := range objs[1:] {
		c.Free(o)
	}
	if c.NumObjects() != 0 {
		t.Fatalf("numObjects after freeing all = %d, want 0", c.NumObjects())
	}
	if c.EmptyLen() != 1 {
		t.Fatalf("empty list = %d, want 1 (retained, under threshold)", c.EmptyLen())
	}
}

func TestSlabSurplusEmptyReleased(t *testing.T) {
	fr := &fakeFrames{}
	c := NewCache("test16", 16, 16, 1, fr)

	// Fill emptyListThreshold+1 slabs, then fully drain them; each
	// drained slab goes empty, and a slab that empties while the empty
	// list already holds emptyListThreshold slabs is released back to
	// the frame provider.
	var objs []uintptr
	for i := 0; i < (emptyListThreshold+1)*int(c.maxObj); i++ {
		p, _ := c.Alloc()
		objs = append(objs, p)
	}
	for _, o := range objs {
		c.Free(o)
	}
	if c.EmptyLen() > emptyListThreshold {
		t.Fatalf("empty list = %d, want <= %d", c.EmptyLen(), emptyListThreshold)
	}
	if fr.freed == 0 {
		t.Fatal("expected at least one slab released to the frame provider")
	}
}

func TestSizeClassAllocator(t *testing.T) {
	fr := &fakeFrames{}
	a := NewAllocator(16, 2048, fr)

	p, err := a.Malloc(100)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	c := a.ClassOf(100)
	if c.ObjSize < 100 {
		t.Fatalf("class size %d too small for request 100", c.ObjSize)
	}
	a.Free(p, 100)
	if c.NumObjects() != 0 {
		t.Fatalf("numObjects after free = %d, want 0", c.NumObjects())
	}
}
