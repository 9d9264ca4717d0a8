package vm

import (
	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/mmu"
)

// KVAFaulter adapts one (AddressSpace, Object) pair to kva.Faulter, so
// a demand-paged KV arena can drive page-in/out through the same fault
// machinery a real page fault would use (spec §4.3's "needsMap"
// arenas call this on Alloc/Free instead of waiting for a trap).
type KVAFaulter struct {
	Space *AddressSpace
	Obj   *Object
	Perm  mmu.Perm
}

// FaultIn pages in v eagerly, used by kva.Arena.Alloc for needsMap
// arenas (spec §4.3).
func (k *KVAFaulter) FaultIn(v mem.Vaddr) *kernel.Error {
	k.Space.LockPmap()
	defer k.Space.UnlockPmap()

	offset := uint64(v) - uint64(k.Space.Start)
	f, err := k.Obj.faultIn(offset)
	if err != nil {
		return err
	}
	f.Lock()
	f.AddMap(k.Space, v)
	f.Unlock()
	return k.Space.PT.Map(v, f.Paddr(), k.Perm)
}

// Release unmaps v and drops the object's page for it, used by
// kva.Arena.Free for needsMap arenas (spec §4.3 "free unmaps, removes
// from the backing object, and releases the frames").
func (k *KVAFaulter) Release(v mem.Vaddr) {
	k.Space.LockPmap()
	defer k.Space.UnlockPmap()

	offset := uint64(v) - uint64(k.Space.Start)
	k.Obj.mu.Lock()
	f := k.Obj.hash.remove(offset)
	k.Obj.mu.Unlock()
	if f == nil {
		return
	}
	f.Lock()
	f.RemoveMap(k.Space, v)
	f.Unlock()
	k.Space.PT.Unmap(v)
	k.Obj.frames.FreePage(f)
}
