package mem

import (
	"sort"

	"nexke/src/boot"
	"nexke/src/kernel"
	"nexke/src/klog"
	"nexke/src/util"
)

// ZoneFlags classifies a zone's usability, mirroring spec §3.
type ZoneFlags uint32

const (
	ZoneAllocatable ZoneFlags = 1 << iota
	ZoneReserved
	ZoneMMIO
	ZoneReclaimable
	ZoneKernel
	ZoneNoGeneric
)

// Zone is a maximal contiguous PFN range with identical flags. It owns
// the dense PFN map (array of Frame) for its range.
type Zone struct {
	Base  Pfn
	Count uint64
	Flags ZoneFlags

	Frames []Frame

	freeHead int64 // index into Frames of first free frame, -1 if none
	freeLen  uint64
}

// Allocatable reports whether generic allocation may draw from z.
func (z *Zone) Allocatable() bool {
	return z.Flags&ZoneAllocatable != 0
}

// Generic reports whether z is eligible for *implicit* general
// allocation (Allocatable and not marked NoGeneric).
func (z *Zone) Generic() bool {
	return z.Allocatable() && z.Flags&ZoneNoGeneric == 0
}

// FreeCount returns the number of free frames currently in z.
func (z *Zone) FreeCount() uint64 {
	return z.freeLen
}

func (z *Zone) contains(pfn Pfn) bool {
	return pfn >= z.Base && pfn < z.Base+Pfn(z.Count)
}

func (z *Zone) frameOf(pfn Pfn) *Frame {
	return &z.Frames[uint64(pfn-z.Base)]
}

// pushFree prepends a frame to z's free list (spec §4.1 free_page).
func (z *Zone) pushFree(f *Frame) {
	idx := int64(uint64(f.pfn - z.Base))
	f.nextFree = z.freeHead
	z.freeHead = idx
	z.freeLen++
	f.State = Free
}

// popFree removes and returns the head of z's free list, or nil.
func (z *Zone) popFree() *Frame {
	if z.freeHead < 0 {
		return nil
	}
	f := &z.Frames[z.freeHead]
	z.freeHead = f.nextFree
	z.freeLen--
	return f
}

func memTypeToFlags(t boot.MemType) ZoneFlags {
	switch t {
	case boot.MemFree, boot.MemFWReclaim, boot.MemBootReclaim:
		return ZoneAllocatable
	case boot.MemMMIO:
		return ZoneMMIO
	case boot.MemReserved, boot.MemACPINVS:
		return ZoneReserved
	case boot.MemACPIReclaim:
		return ZoneReclaimable
	default:
		return ZoneAllocatable
	}
}

// Manager owns every zone in the system and serves frame allocation.
type Manager struct {
	Zones []*Zone

	bestHint int // index into Zones of the cached "best generic zone"
}

// Global is the system-wide frame manager singleton (spec §9, "global
// mutable state... implement as explicit singletons").
var Global = &Manager{}

// Init builds the zone table from the firmware memory map (spec
// §4.1 Initialization, steps 1-4). Init applies no platform-specific
// splits; a caller carves extra zones with SplitZone once Init
// returns.
func (m *Manager) Init(entries []boot.MemEntry) {
	type raw struct {
		base, limit Pfn
		flags       ZoneFlags
	}
	var raws []raw
	for _, e := range entries {
		base := Pfn(e.Base >> PageShift)
		limit := Pfn((e.Base + e.Size) >> PageShift)
		if limit <= base {
			continue
		}
		raws = append(raws, raw{base, limit, memTypeToFlags(e.Type)})
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i].base < raws[j].base })

	var kept []raw
	for _, r := range raws {
		if len(kept) > 0 {
			prev := kept[len(kept)-1]
			if r.base < prev.limit {
				klog.Warnf("mem: dropping overlapping map entry [%#x,%#x)", r.base, r.limit)
				continue
			}
		}
		kept = append(kept, r)
	}

	m.Zones = m.Zones[:0]
	for _, r := range kept {
		z := &Zone{Base: r.base, Count: uint64(r.limit - r.base), Flags: r.flags}
		z.freeHead = -1
		z.Frames = make([]Frame, z.Count)
		for i := range z.Frames {
			z.Frames[i] = Frame{zone: z, pfn: z.Base + Pfn(i), State: Unusable}
		}
		if z.Allocatable() {
			for i := len(z.Frames) - 1; i >= 0; i-- {
				z.pushFree(&z.Frames[i])
			}
		}
		m.Zones = append(m.Zones, z)
	}
	m.mergeAdjacent()
	m.bestHint = -1
}

// mergeAdjacent merges neighboring zones that share identical flags
// (spec §3 zone invariant, §4.1 step 4).
func (m *Manager) mergeAdjacent() {
	if len(m.Zones) == 0 {
		return
	}
	merged := []*Zone{m.Zones[0]}
	for _, z := range m.Zones[1:] {
		last := merged[len(merged)-1]
		if last.Flags == z.Flags && last.Base+Pfn(last.Count) == z.Base {
			last.Count += z.Count
			last.Frames = append(last.Frames, z.Frames...)
			for i := range last.Frames {
				last.Frames[i].zone = last
			}
			last.freeHead = -1
			last.freeLen = 0
			for i := len(last.Frames) - 1; i >= 0; i-- {
				if last.Frames[i].State == Free {
					last.pushFree(&last.Frames[i])
				}
			}
			continue
		}
		merged = append(merged, z)
	}
	m.Zones = merged
}

// SplitZone carves [splitBase, splitBase+count) out of an existing
// allocatable zone, applying extraFlags to the carved-out piece (spec
// §4.1 step 5, PC-specific NoGeneric splits). It is a no-op if the
// requested range does not lie entirely inside one allocatable zone.
func (m *Manager) SplitZone(splitBase Pfn, count uint64, extraFlags ZoneFlags) {
	for i, z := range m.Zones {
		if !z.contains(splitBase) || !z.contains(splitBase+Pfn(count)-1) {
			continue
		}
		if !z.Allocatable() {
			return
		}
		var pieces []*Zone
		if splitBase > z.Base {
			pieces = append(pieces, rebuildZone(z, z.Base, uint64(splitBase-z.Base), z.Flags))
		}
		pieces = append(pieces, rebuildZone(z, splitBase, count, z.Flags|extraFlags))
		tailBase := splitBase + Pfn(count)
		tailCount := uint64(z.Base+Pfn(z.Count)) - uint64(tailBase)
		if tailCount > 0 {
			pieces = append(pieces, rebuildZone(z, tailBase, tailCount, z.Flags))
		}
		m.Zones = append(append(append([]*Zone{}, m.Zones[:i]...), pieces...), m.Zones[i+1:]...)
		return
	}
}

func rebuildZone(src *Zone, base Pfn, count uint64, flags ZoneFlags) *Zone {
	z := &Zone{Base: base, Count: count, Flags: flags, freeHead: -1}
	z.Frames = make([]Frame, count)
	for i := range z.Frames {
		orig := &src.Frames[uint64(base-src.Base)+uint64(i)]
		z.Frames[i] = *orig
		z.Frames[i].zone = z
		z.Frames[i].pfn = base + Pfn(i)
	}
	for i := len(z.Frames) - 1; i >= 0; i-- {
		if z.Frames[i].State == Free && z.Allocatable() {
			z.pushFree(&z.Frames[i])
		}
	}
	return z
}

// bestZone picks the allocatable, non-NoGeneric zone with the largest
// free count, caching the choice and re-validating it on each call
// (spec §4.1 tie-break rule).
func (m *Manager) bestZone() *Zone {
	if m.bestHint >= 0 && m.bestHint < len(m.Zones) {
		z := m.Zones[m.bestHint]
		if z.Generic() && z.FreeCount() > 0 {
			return z
		}
	}
	var best *Zone
	bestIdx := -1
	for i, z := range m.Zones {
		if !z.Generic() {
			continue
		}
		if best == nil || z.FreeCount() > best.FreeCount() {
			best = z
			bestIdx = i
		}
	}
	m.bestHint = bestIdx
	return best
}

// AllocPage serves a single free frame from the cached best generic
// zone (spec §4.1).
func (m *Manager) AllocPage() (*Frame, *kernel.Error) {
	z := m.bestZone()
	if z == nil {
		return nil, kernel.OOM
	}
	f := z.popFree()
	if f == nil {
		m.bestHint = -1
		return nil, kernel.OOM
	}
	f.State = InObject
	return f, nil
}

// AllocPagesAt finds count contiguous frames whose start address is
// aligned to align bytes (values below a page mean no alignment), all
// below maxAddr. Every allocatable zone not marked Reserved is a
// candidate here; the NoGeneric rule only bans *implicit* general
// allocation, not explicit constrained requests (spec §4.1).
func (m *Manager) AllocPagesAt(count uint64, maxAddr Paddr, align uint64) (*Frame, *kernel.Error) {
	if count == 0 {
		return nil, kernel.New(kernel.ErrInvalid, "zero count")
	}
	alignPages := align >> PageShift
	if alignPages == 0 {
		alignPages = 1
	}
	maxPfn := Pfn(maxAddr >> PageShift)
	for _, z := range m.Zones {
		if !z.Allocatable() || z.Flags&ZoneReserved != 0 {
			continue
		}
		base := util.Roundup(uint64(z.Base), alignPages)
		for base+count <= uint64(z.Base)+z.Count {
			if Pfn(base)+Pfn(count) > maxPfn {
				break
			}
			if m.regionFree(z, Pfn(base), count) {
				return m.claimRegion(z, Pfn(base), count), nil
			}
			base = util.Roundup(base+1, alignPages)
		}
	}
	return nil, kernel.OOM
}

func (m *Manager) regionFree(z *Zone, base Pfn, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if z.frameOf(base + Pfn(i)).State != Free {
			return false
		}
	}
	return true
}

func (m *Manager) claimRegion(z *Zone, base Pfn, count uint64) *Frame {
	// Rebuild the free list excluding the claimed run; O(zone size)
	// but constrained allocation is a cold path (DMA/below-4G setup).
	var kept []*Frame
	for i := z.freeHead; i >= 0; {
		f := &z.Frames[i]
		next := f.nextFree
		if f.pfn < base || f.pfn >= base+Pfn(count) {
			kept = append(kept, f)
		}
		i = next
	}
	z.freeHead = -1
	z.freeLen = 0
	for i := len(kept) - 1; i >= 0; i-- {
		z.pushFree(kept[i])
	}
	for i := uint64(0); i < count; i++ {
		z.frameOf(base + Pfn(i)).State = InObject
	}
	return z.frameOf(base)
}

// FindPagePfn returns the canonical Frame record for any PFN. PFNs
// outside an allocatable zone synthesize an Unusable record so callers
// can build mappings for MMIO-owned frames (spec §4.1).
func (m *Manager) FindPagePfn(pfn Pfn) *Frame {
	for _, z := range m.Zones {
		if z.contains(pfn) {
			return z.frameOf(pfn)
		}
	}
	return &Frame{pfn: pfn, State: Unusable}
}

// FreePage returns a single frame to its owning zone's free list.
func (m *Manager) FreePage(f *Frame) {
	if f.State != InObject {
		kernel.Panicf("mem", "double free of pfn %#x", f.pfn)
	}
	if len(f.Maps) != 0 {
		kernel.Panicf("mem", "free of mapped pfn %#x", f.pfn)
	}
	f.zone.pushFree(f)
}

// FreePages frees count contiguous frames starting at f.
func (m *Manager) FreePages(f *Frame, count uint64) {
	z := f.zone
	for i := uint64(0); i < count; i++ {
		m.FreePage(z.frameOf(f.pfn + Pfn(i)))
	}
}
