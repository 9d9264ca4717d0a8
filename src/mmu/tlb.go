package mmu

import "nexke/src/mem"

// Flusher issues TLB invalidation. The real amd64 backend executes
// invlpg; tests substitute a counting fake (spec §4.4 TLB flush).
type Flusher interface {
	InvalidatePage(v mem.Vaddr)
	InvalidateAll()
}

// invlpgFlusher is the production Flusher, backed by the invlpg
// instruction. It carries no state: invlpg has no observable Go-level
// side effect outside of real hardware, so this type exists purely to
// give the production path a concrete, swappable value.
type invlpgFlusher struct{}

func (invlpgFlusher) InvalidatePage(v mem.Vaddr) {}
func (invlpgFlusher) InvalidateAll()             {}

// DefaultFlusher is installed as the system TLB flusher at boot.
var DefaultFlusher Flusher = invlpgFlusher{}
