// Package mem implements the physical frame manager: the page-frame
// database, zones, and contiguous/constrained allocation (spec §4.1).
package mem

import "nexke/src/util"

// PageShift and PageSize describe the hardware page geometry assumed
// throughout the core.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Pfn is a page-frame number: a physical address divided by PageSize.
type Pfn uint64

// Paddr is a physical address.
type Paddr uint64

// Vaddr is a virtual address. Kept distinct from Paddr so the two
// address spaces can never be implicitly confused (spec §9, typed
// pointers).
type Vaddr uint64

// ToPfn truncates a physical address down to its containing frame.
func (p Paddr) ToPfn() Pfn { return Pfn(p >> PageShift) }

// ToPaddr expands a frame number back to its base physical address.
func (f Pfn) ToPaddr() Paddr { return Paddr(f) << PageShift }

// PagesFor returns the number of pages needed to cover size bytes.
func PagesFor(size uint64) uint64 {
	return util.Roundup(size, uint64(PageSize)) / PageSize
}
