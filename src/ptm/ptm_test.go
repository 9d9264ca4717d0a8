package ptm

import (
	"testing"

	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/mmu"
)

type fakeBacking struct {
	tables map[mem.Paddr]*mmu.Table
	next   mem.Paddr
}

func newFakeBacking() *fakeBacking {
	b := &fakeBacking{tables: make(map[mem.Paddr]*mmu.Table), next: 0x1000}
	b.tables[0] = &mmu.Table{} // top-level table at phys 0
	return b
}

func (b *fakeBacking) Read(p mem.Paddr) *mmu.Table {
	t, ok := b.tables[p]
	if !ok {
		t = &mmu.Table{}
		b.tables[p] = t
	}
	return t
}

func (b *fakeBacking) Alloc() (mem.Paddr, *kernel.Error) {
	p := b.next
	b.next += mem.PageSize
	b.tables[p] = &mmu.Table{}
	return p, nil
}

func (b *fakeBacking) Free(p mem.Paddr) { delete(b.tables, p) }

func newTestSpace() (*Space, *fakeBacking) {
	back := newFakeBacking()
	c := NewCache(8, 0xffff800000000000, back)
	return &Space{Top: 0, Cache: c}, back
}

func TestMapGetUnmapRoundTrip(t *testing.T) {
	s, _ := newTestSpace()
	v := mem.Vaddr(0x400000)
	phys := mem.Paddr(0x500000)

	if err := s.Map(v, phys, mmu.PermWrite); err != nil {
		t.Fatalf("map: %v", err)
	}
	got, ok := s.GetMapping(v)
	if !ok || got != phys {
		t.Fatalf("GetMapping = %#x,%v want %#x,true", got, ok, phys)
	}

	s.Unmap(v)
	if _, ok := s.GetMapping(v); ok {
		t.Fatal("expected unmapped after Unmap")
	}
}

func TestCacheEvictionUnderPressure(t *testing.T) {
	back := newFakeBacking()
	c := NewCache(3, 0xffff800000000000, back)
	s := &Space{Top: 0, Cache: c}

	// Map enough distinct addresses that walking forces the 3-entry
	// cache to evict and reacquire repeatedly; this must not panic.
	for i := 0; i < 20; i++ {
		v := mem.Vaddr(uintptr(i) * 0x200000)
		if err := s.Map(v, mem.Paddr(0x600000+uint64(i)*mem.PageSize), mmu.PermWrite); err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
	}
}
