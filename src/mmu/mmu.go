// Package mmu is the architecture-specific layer: PTE encoding, TLB
// flush, and early-boot mapping (spec §4.4). This file holds the
// portable permission vocabulary; mmu_amd64.go holds the x86_64 bit
// layout.
package mmu

import "nexke/src/mem"

// Perm is the per-page permission set surfaced through the MMU API
// (spec §6): Readable is implicit (every present mapping is readable).
type Perm uint32

const (
	PermWrite Perm = 1 << iota
	PermExec
	PermKernel
	PermCacheDisable
	PermWriteThrough
)

// PTE is an opaque, architecture-encoded page-table entry. The
// portable page-table manager (package ptm) never inspects its bits
// directly; it always goes through the MMU layer's accessors.
type PTE uint64

// Table is one level of page table: 512 (or 1024 on non-PAE... nexke
// targets amd64 only) entries.
type Table [512]PTE

// Present reports whether e refers to a valid mapping or sub-table.
func (e PTE) Present() bool { return e&flagPresent != 0 }

// Leaf reports whether e is a final-level mapping (PS bit set at a
// non-leaf level, or always true at the leaf level — callers at the
// leaf level don't need to ask).
func (e PTE) Leaf() bool { return e&flagPS != 0 }

// Addr extracts the physical frame this entry targets.
func (e PTE) Addr() mem.Paddr { return mem.Paddr(e & addrMask) }

// IsUser reports whether e is accessible from user mode.
func (e PTE) IsUser() bool { return e&flagUser != 0 }

// MakePTE encodes a present mapping to phys with the given permission
// and kernel/user bit.
func MakePTE(phys mem.Paddr, perm Perm, user bool) PTE {
	e := PTE(phys) & addrMask
	e |= flagPresent
	if perm&PermWrite != 0 {
		e |= flagWrite
	}
	if perm&PermExec == 0 && nxSupported {
		e |= flagNX
	}
	if user {
		e |= flagUser
	}
	if perm&PermCacheDisable != 0 {
		e |= flagPCD
	}
	if perm&PermWriteThrough != 0 {
		e |= flagPWT
	}
	return e
}

// Verify rejects installing a user PTE beneath a kernel PTE (spec
// §4.4, §7 "User-vs-kernel rule violation").
func Verify(parent, child PTE) bool {
	if parent.Present() && !parent.IsUser() && child.Present() && child.IsUser() {
		return false
	}
	return true
}

// Zero clears every entry in t.
func (t *Table) Zero() {
	for i := range t {
		t[i] = 0
	}
}
