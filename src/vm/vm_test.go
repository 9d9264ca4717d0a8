package vm

import (
	"testing"

	"nexke/src/boot"
	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/mmu"
	"nexke/src/ptm"
)

type fakeBacking struct {
	tables map[mem.Paddr]*mmu.Table
	next   mem.Paddr
}

func newFakeBacking() *fakeBacking {
	b := &fakeBacking{tables: make(map[mem.Paddr]*mmu.Table), next: 0x1000}
	b.tables[0] = &mmu.Table{}
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

func realFrameManager(pages uint64) *mem.Manager {
	m := &mem.Manager{}
	m.Init([]boot.MemEntry{
		{Base: 0, Size: pages * mem.PageSize, Type: boot.MemFree},
	})
	return m
}

func TestObjectFaultInAndDestroy(t *testing.T) {
	mgr := realFrameManager(64)
	obj := CreateObject(16, KernelMemory, PermRead|PermWrite, mgr)

	f1, err := obj.faultIn(0)
	if err != nil {
		t.Fatalf("faultIn: %v", err)
	}
	f2, err := obj.faultIn(uint64(mem.PageSize))
	if err != nil {
		t.Fatalf("faultIn: %v", err)
	}
	if f1.Pfn() == f2.Pfn() {
		t.Fatal("expected distinct frames for distinct offsets")
	}

	// Re-fault on the same offset returns the same frame.
	f1b, err := obj.faultIn(0)
	if err != nil || f1b.Pfn() != f1.Pfn() {
		t.Fatalf("re-fault mismatch: %v %v", f1b, err)
	}

	before := mgr.Zones[0].FreeCount()
	obj.Deref()
	after := mgr.Zones[0].FreeCount()
	if after != before+2 {
		t.Fatalf("expected 2 frames released on destroy, free count %d -> %d", before, after)
	}
}

func TestObjectDerefPanicsOnNegativeRefcount(t *testing.T) {
	mgr := realFrameManager(16)
	obj := CreateObject(4, KernelMemory, PermRead|PermWrite, mgr)
	obj.Deref()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double deref")
		}
	}()
	obj.Deref()
}

func TestGuardPageFaultsFail(t *testing.T) {
	mgr := realFrameManager(16)
	obj := CreateObject(4, KernelMemory, PermGuard, mgr)
	if _, err := obj.faultIn(0); err == nil {
		t.Fatal("expected guard-page fault to fail")
	}
}

func newTestSpace() (*ptm.Space, *fakeBacking) {
	back := newFakeBacking()
	c := ptm.NewCache(8, 0xffff800000000000, back)
	return &ptm.Space{Top: 0, Cache: c}, back
}

func TestPageFaultInstallsMapping(t *testing.T) {
	mgr := realFrameManager(64)
	obj := CreateObject(16, KernelMemory, PermRead|PermWrite, mgr)

	pt, _ := newTestSpace()
	space := NewAddressSpace(0x400000, 0x400000+16*mem.PageSize, pt)
	space.AddEntry(0x400000, 16, obj, 0, mmu.PermWrite)

	if err := PageFault(space, space, true, 0x400000, FaultNotPresent); err != nil {
		t.Fatalf("page fault: %v", err)
	}
	if _, ok := pt.GetMapping(0x400000); !ok {
		t.Fatal("expected mapping installed after fault")
	}
}

func TestPageFaultNoEntryFails(t *testing.T) {
	pt, _ := newTestSpace()
	space := NewAddressSpace(0x400000, 0x500000, pt)
	if err := PageFault(space, space, true, 0x400000, FaultNotPresent); err == nil {
		t.Fatal("expected failure with no space entry")
	}
}

func TestPageFaultPermViolationNotResolved(t *testing.T) {
	mgr := realFrameManager(64)
	obj := CreateObject(16, KernelMemory, PermRead|PermWrite, mgr)

	pt, _ := newTestSpace()
	space := NewAddressSpace(0x400000, 0x400000+16*mem.PageSize, pt)
	space.AddEntry(0x400000, 16, obj, 0, mmu.PermWrite)

	if err := PageFault(space, space, true, 0x400000, FaultPermViolation); err == nil {
		t.Fatal("expected permission-violation fault to fail (no COW)")
	}
}

func TestKVAFaulterRoundTrip(t *testing.T) {
	mgr := realFrameManager(64)
	pt, _ := newTestSpace()
	space := NewAddressSpace(0xffffff0000000000, 0xffffff0000000000+64*mem.PageSize, pt)
	obj := CreateObject(64, KernelMemory, PermRead|PermWrite, mgr)

	kf := &KVAFaulter{Space: space, Obj: obj, Perm: mmu.PermWrite}
	v := mem.Vaddr(0xffffff0000000000)

	if err := kf.FaultIn(v); err != nil {
		t.Fatalf("FaultIn: %v", err)
	}
	if _, ok := pt.GetMapping(v); !ok {
		t.Fatal("expected mapping after FaultIn")
	}

	kf.Release(v)
	if _, ok := pt.GetMapping(v); ok {
		t.Fatal("expected mapping gone after Release")
	}
}
