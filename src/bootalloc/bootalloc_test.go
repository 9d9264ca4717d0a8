package bootalloc

import "testing"

func TestAllocSplitsAndReturnsDistinctBlocks(t *testing.T) {
	h := New(make([]byte, pageSize))

	a, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct block offsets")
	}
	if h.BlockSize(a) != 64 || h.BlockSize(b) != 64 {
		t.Fatalf("block sizes = %d, %d, want 64, 64", h.BlockSize(a), h.BlockSize(b))
	}
}

func TestFreeCoalescesLeftAndRight(t *testing.T) {
	h := New(make([]byte, pageSize))

	a, _ := h.Alloc(64)
	b, _ := h.Alloc(64)
	c, _ := h.Alloc(64)

	h.Free(a)
	h.Free(c)
	h.Free(b) // both neighbors already free: merges left into a, right into the page remainder

	merged := h.BlockSize(a)
	if merged != pageUsable() {
		t.Fatalf("merged size = %d, want %d (whole page coalesced back together)", merged, pageUsable())
	}
}

func TestAllocFailsWhenExhausted(t *testing.T) {
	h := New(make([]byte, pageSize))
	usable := pageUsable()

	if _, err := h.Alloc(usable); err != nil {
		t.Fatalf("alloc whole page: %v", err)
	}
	if _, err := h.Alloc(1); err == nil {
		t.Fatal("expected OOM on an already-exhausted page")
	}
}

func TestLargeAllocSpansMultiplePages(t *testing.T) {
	h := New(make([]byte, 4*pageSize))

	off, err := h.Alloc(3 * pageSize)
	if err != nil {
		t.Fatalf("large alloc: %v", err)
	}
	if !h.IsLarge(off) {
		t.Fatal("expected isLarge set on a multi-page allocation")
	}

	h.Free(off)
	// Freeing the run returns every page it spanned to the page pool
	// as independent free blocks, so a small allocation succeeds again.
	small, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("alloc after large free: %v", err)
	}
	if h.IsLarge(small) {
		t.Fatal("fresh small allocation should not inherit isLarge")
	}
}

func TestSmallRemainderStaysWithServedBlock(t *testing.T) {
	h := New(make([]byte, pageSize))
	usable := pageUsable()

	// Request all but a sliver smaller than minSplit; the sliver must
	// not become its own unusable free block.
	off, err := h.Alloc(usable - 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if h.BlockSize(off) != usable {
		t.Fatalf("block size = %d, want %d (remainder absorbed)", h.BlockSize(off), usable)
	}
}
