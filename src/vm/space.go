package vm

import (
	"sync"

	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/mmu"
	"nexke/src/ptm"
)

// SpaceEntry maps a virtual range to (object, offset) within an
// address space (spec §3).
type SpaceEntry struct {
	Base   mem.Vaddr
	Pages  uint64
	Object *Object
	Offset uint64
	Perm   mmu.Perm
}

func (e *SpaceEntry) contains(v mem.Vaddr) bool {
	return v >= e.Base && v < e.Base+mem.Vaddr(e.Pages*mem.PageSize)
}

// AddressSpace is {start, end, entries, MMU state} (spec §3). The
// mutex orders space > object > page, matching spec §5.
type AddressSpace struct {
	sync.Mutex

	Start, End mem.Vaddr
	entries    []*SpaceEntry

	PT *ptm.Space

	pgfltaken bool
}

// NewAddressSpace creates an address space over [start,end) backed by
// the given page-table Space.
func NewAddressSpace(start, end mem.Vaddr, pt *ptm.Space) *AddressSpace {
	return &AddressSpace{Start: start, End: end, PT: pt}
}

// LockPmap acquires the space lock and marks that page-table
// manipulation is in progress (teacher: Vm_t.Lock_pmap/pgfltaken).
func (as *AddressSpace) LockPmap() {
	as.Lock()
	as.pgfltaken = true
}

// UnlockPmap releases the space lock.
func (as *AddressSpace) UnlockPmap() {
	as.pgfltaken = false
	as.Unlock()
}

// AssertPmapLocked panics if the space lock is not currently held for
// page-table manipulation.
func (as *AddressSpace) AssertPmapLocked() {
	if !as.pgfltaken {
		kernel.Panicf("vm", "pmap lock must be held")
	}
}

// AddEntry installs a new mapping of [base, base+pages*PageSize) to
// (object, offset) within the space.
func (as *AddressSpace) AddEntry(base mem.Vaddr, pages uint64, obj *Object, offset uint64, perm mmu.Perm) *SpaceEntry {
	as.Lock()
	defer as.Unlock()
	e := &SpaceEntry{Base: base, Pages: pages, Object: obj, Offset: offset, Perm: perm}
	as.entries = append(as.entries, e)
	return e
}

// lookup finds the space entry spanning v, if any. Caller must hold
// as's lock.
func (as *AddressSpace) lookup(v mem.Vaddr) *SpaceEntry {
	for _, e := range as.entries {
		if e.contains(v) {
			return e
		}
	}
	return nil
}

// unmapLocked removes the mapping at v from the page table only; it
// touches neither the frame's reverse mapping nor the object's page
// hash (used by Object.destroy, which handles both itself).
func (as *AddressSpace) unmapLocked(v mem.Vaddr) {
	as.Lock()
	as.PT.Unmap(v)
	as.Unlock()
}

// FaultCode distinguishes a hardware-reported permission
// violation (present page, wrong access) from an access to a wholly
// unmapped address, per spec §4.5's error-code inspection step.
type FaultCode int

const (
	FaultNotPresent FaultCode = iota
	FaultPermViolation
)

// PageFault is the fault entry point (spec §4.5): align down, pick the
// space, look up the entry, fault the page in, resolve permission,
// and map the frame into the faulting space.
func PageFault(kernelSpace, userSpace *AddressSpace, isKernelFault bool, vaddr mem.Vaddr, code FaultCode) *kernel.Error {
	v := mem.Vaddr(uint64(vaddr) &^ (mem.PageSize - 1))
	space := userSpace
	if isKernelFault {
		space = kernelSpace
	}
	if space == nil {
		return kernel.New(kernel.ErrInvalid, "fault with no address space")
	}

	space.LockPmap()
	defer space.UnlockPmap()

	entry := space.lookup(v)
	if entry == nil {
		return kernel.New(kernel.ErrNotFound, "no space entry spans %#x", v)
	}
	offset := entry.Offset + uint64(v-entry.Base)

	f, err := entry.Object.faultIn(offset)
	if err != nil {
		return err
	}

	// Open question (spec §9): permission-violation faults are not
	// resolved via copy-on-write; the space entry's permission is
	// reused unchanged and a present-page permission violation simply
	// fails, matching today's "future extension point" status.
	resultPerm := entry.Perm
	if code == FaultPermViolation {
		return kernel.New(kernel.ErrInvalid, "permission violation at %#x not resolved (no COW)", v)
	}

	f.Lock()
	f.AddMap(space, v)
	f.Unlock()

	return space.PT.Map(v, f.Paddr(), resultPerm)
}
