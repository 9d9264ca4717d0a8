package mmu

import "nexke/src/mem"

// x86_64 PTE bit layout (spec §6): PF_P, PF_RW, PF_US, PF_WT, PF_CD,
// PF_A, PF_D, PF_PS, PF_G, PF_NX at their canonical positions.
const (
	flagPresent  PTE = 1 << 0
	flagWrite    PTE = 1 << 1
	flagUser     PTE = 1 << 2
	flagPWT      PTE = 1 << 3
	flagPCD      PTE = 1 << 4
	flagAccessed PTE = 1 << 5
	flagDirty    PTE = 1 << 6
	flagPS       PTE = 1 << 7
	flagGlobal   PTE = 1 << 8
	flagNX       PTE = 1 << 63

	addrMask PTE = 0x000f_ffff_ffff_f000
)

// LevelCount is the number of page-table levels the walker uses (spec
// §4.4 walk levels). It is 4; nothing in this tree changes it, and
// DetectFeatures does not probe LA57.
var LevelCount = 4

// canonicalTop mirrors high bits for the non-canonical split (spec
// §6). With 4-level paging, bit 47 is the sign bit; with 5-level
// (LA57), bit 56 is.
func canonicalTop() uint {
	if LevelCount == 5 {
		return 56
	}
	return 47
}

// Canonicalize sign-extends a virtual address's top bits to match the
// current LevelCount, matching hardware's canonical-address rule.
func Canonicalize(v mem.Vaddr) mem.Vaddr {
	top := canonicalTop()
	signBit := uint64(1) << top
	raw := uint64(v)
	if raw&signBit != 0 {
		mask := ^uint64(0) << (top + 1)
		raw |= mask
	} else {
		mask := (uint64(1) << (top + 1)) - 1
		raw &= mask
	}
	return mem.Vaddr(raw)
}
