package kva

import (
	"testing"

	"nexke/src/kernel"
	"nexke/src/mem"
)

type nopFaulter struct{}

func (nopFaulter) FaultIn(v mem.Vaddr) *kernel.Error { return nil }
func (nopFaulter) Release(v mem.Vaddr)               {}

func TestFragmentAndCoalesce(t *testing.T) {
	a := NewArena("test", 0, 1024, false, nil)

	r10, err := a.Alloc(10, 0)
	if err != nil {
		t.Fatalf("alloc 10: %v", err)
	}
	r100, err := a.Alloc(100, 0)
	if err != nil {
		t.Fatalf("alloc 100: %v", err)
	}

	a.Free(r10)
	if got := bucketFor(10); a.buckets[got].head == nil {
		t.Fatalf("freed 10-page region not found in bucket %d (9-16)", got)
	}

	a.Free(r100)
	// Freeing the 100-page region merges it with the freed 10-page
	// region on its left and the remaining 1024-110 tail on its right,
	// giving one region covering the full arena again, in the 33+
	// bucket.
	total := a.FreePages()
	if total != 1024 {
		t.Fatalf("total free pages = %d, want 1024", total)
	}
	lastBucket := len(bucketBounds)
	if a.buckets[lastBucket].head == nil {
		t.Fatalf("expected a region in the 33+ bucket after full coalesce")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewArena("rt", 0, 256, false, nil)
	before := a.Stats()

	r, err := a.Alloc(20, 0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	a.Free(r)
	after := a.Stats()

	if before != after {
		t.Fatalf("bucket occupancy changed across alloc+free: before=%v after=%v", before, after)
	}
}

func TestNoTwoFreeRegionsAdjacent(t *testing.T) {
	a := NewArena("adj", 0, 64, false, nil)
	r1, _ := a.Alloc(4, 0)
	r2, _ := a.Alloc(4, 0)
	r3, _ := a.Alloc(4, 0)
	a.Free(r1)
	a.Free(r3)
	a.Free(r2)

	// After freeing all three (and the remaining tail is still free),
	// exactly one free region should remain covering everything.
	count := 0
	for i := range a.buckets {
		for r := a.buckets[i].head; r != nil; r = r.next {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected regions to fully coalesce into 1, got %d", count)
	}
}
