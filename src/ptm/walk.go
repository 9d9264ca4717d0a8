package ptm

import (
	"nexke/src/kernel"
	"nexke/src/mem"
	"nexke/src/mmu"
)

// Space binds a Cache to one address space's top-level table.
type Space struct {
	Top   mem.Paddr
	Cache *Cache
	User  bool // whether leaf mappings installed through this space default to user-accessible
}

// levelIndex extracts the index into a table at the given level
// (0 = leaf) for virtual address v, assuming a 4-level (amd64, no
// LA57) hierarchy; 9 bits per level starting at bit 12.
func levelIndex(v mem.Vaddr, level int) int {
	shift := uint(mem.PageShift) + uint(9*level)
	return int((uint64(v) >> shift) & 0x1ff)
}

// Map installs a leaf mapping for v -> phys with perm, walking and
// allocating intermediate tables as needed (spec §4.4 Walk-and-map).
func (s *Space) Map(v mem.Vaddr, phys mem.Paddr, perm mmu.Perm) *kernel.Error {
	levels := mmu.LevelCount
	cur := s.Top
	for level := levels - 1; level >= 1; level-- {
		table, release, err := s.Cache.Window(cur, level >= levels-1)
		if err != nil {
			return err
		}
		idx := levelIndex(v, level)
		pte := table[idx]
		if !pte.Present() {
			childPhys, aerr := s.Cache.backing.Alloc()
			if aerr != nil {
				release()
				return aerr
			}
			childTable, crelease, werr := s.Cache.Window(childPhys, false)
			if werr != nil {
				release()
				return werr
			}
			childTable.Zero()
			crelease()

			newPTE := mmu.MakePTE(childPhys, mmu.PermWrite, s.User)
			if !mmu.Verify(pte, newPTE) {
				release()
				kernel.Panicf("ptm", "user PTE installed beneath kernel PTE at %#x level %d", v, level)
			}
			table[idx] = newPTE
			pte = newPTE
		}
		cur = pte.Addr()
		release()
	}

	table, release, err := s.Cache.Window(cur, false)
	if err != nil {
		return err
	}
	defer release()
	idx := levelIndex(v, 0)
	newPTE := mmu.MakePTE(phys, perm, s.User)
	if !mmu.Verify(table[idx], newPTE) {
		kernel.Panicf("ptm", "user PTE installed beneath kernel PTE at %#x leaf", v)
	}
	table[idx] = newPTE
	mmu.DefaultFlusher.InvalidatePage(v)
	return nil
}

// GetMapping walks to the leaf PTE for v without allocating, returning
// the mapped physical address and whether a mapping exists (spec §4.4
// Walk-and-get).
func (s *Space) GetMapping(v mem.Vaddr) (mem.Paddr, bool) {
	levels := mmu.LevelCount
	cur := s.Top
	for level := levels - 1; level >= 1; level-- {
		table, release, err := s.Cache.Window(cur, level >= levels-1)
		if err != nil {
			return 0, false
		}
		idx := levelIndex(v, level)
		pte := table[idx]
		release()
		if !pte.Present() {
			return 0, false
		}
		cur = pte.Addr()
	}
	table, release, err := s.Cache.Window(cur, false)
	if err != nil {
		return 0, false
	}
	defer release()
	pte := table[levelIndex(v, 0)]
	if !pte.Present() {
		return 0, false
	}
	return pte.Addr(), true
}

// Unmap clears the leaf PTE for v, never allocating (spec §4.4
// Walk-and-unmap).
func (s *Space) Unmap(v mem.Vaddr) {
	levels := mmu.LevelCount
	cur := s.Top
	for level := levels - 1; level >= 1; level-- {
		table, release, err := s.Cache.Window(cur, level >= levels-1)
		if err != nil {
			return
		}
		idx := levelIndex(v, level)
		pte := table[idx]
		release()
		if !pte.Present() {
			return
		}
		cur = pte.Addr()
	}
	table, release, err := s.Cache.Window(cur, false)
	if err != nil {
		return
	}
	defer release()
	table[levelIndex(v, 0)] = 0
	mmu.DefaultFlusher.InvalidatePage(v)
}
