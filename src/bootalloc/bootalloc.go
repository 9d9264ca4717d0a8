// Package bootalloc implements the pre-kernel boot-stage heap (spec
// §4.9): a page-based allocator used before the frame manager and
// slab caches exist. Grounded on the teacher's early physical-page
// bootstrap (mem.Phys_init walks a flat run of pages building its own
// free list before any other allocator exists) generalized to the
// block-header-with-coalescing heap the spec describes, in the style
// of the free-block/coalesce bookkeeping used by the pack's region
// allocator (region_alloc.go's FreeBlock/AllocBlock pair).
package bootalloc

import "nexke/src/kernel"

const (
	pageSize = 4096
	// minSplit is the minimum payload, in bytes, worth splitting off as
	// its own free block: a remainder is split only if it can hold a
	// header, a footer and at least minSplit bytes; smaller leftovers
	// stay with the served block instead of becoming unusable fragments.
	minSplit = 32

	headerSize = 40
	footerSize = 8

	noBlock = ^uint64(0) // sentinel: no next/prev block in this page's chain
)

// blockHeader sits at the start of every block, whether free or
// allocated. size is the block's usable payload size, not counting
// the header or the trailing size-at-end word. A block's trailing
// word mirrors size so Free can read a neighbor's size without
// walking the chain from the page's first block.
type blockHeader struct {
	size    uint64
	alloc   bool
	isLarge bool   // part of a multi-page run served directly to the page pool
	pages   uint64 // page count of the run, meaningful only when isLarge
	next    uint64 // offset of the next block header on this page, or noBlock
	prev    uint64 // offset of the previous block header on this page, or noBlock
}

// Heap is a page-based boot allocator over a single contiguous byte
// arena, the boot memory pool handed off at kernel entry (spec §6).
type Heap struct {
	arena []byte
	pages []uint64 // offset of the first block header on each page
}

// New builds a heap over arena, which must be a multiple of the page
// size in length. The whole arena starts as one free block per page.
func New(arena []byte) *Heap {
	if len(arena) == 0 || len(arena)%pageSize != 0 {
		kernel.Panicf("bootalloc", "arena length %d not a multiple of the page size", len(arena))
	}
	h := &Heap{arena: arena}
	numPages := len(arena) / pageSize
	h.pages = make([]uint64, numPages)
	for i := range h.pages {
		base := uint64(i * pageSize)
		h.pages[i] = base
		h.writeHeader(base, blockHeader{size: pageUsable(), next: noBlock, prev: noBlock})
	}
	return h
}

func pageUsable() uint64 { return pageSize - headerSize - footerSize }

func (h *Heap) writeHeader(off uint64, b blockHeader) {
	buf := h.arena[off : off+headerSize]
	putU64(buf[0:8], b.size)
	putBool(buf[8:9], b.alloc)
	putBool(buf[9:10], b.isLarge)
	putU64(buf[16:24], b.next)
	putU64(buf[24:32], b.prev)
	putU64(buf[32:40], b.pages)
	h.writeFooter(off, b.size)
}

func (h *Heap) readHeader(off uint64) blockHeader {
	buf := h.arena[off : off+headerSize]
	return blockHeader{
		size:    getU64(buf[0:8]),
		alloc:   getBool(buf[8:9]),
		isLarge: getBool(buf[9:10]),
		next:    getU64(buf[16:24]),
		prev:    getU64(buf[24:32]),
		pages:   getU64(buf[32:40]),
	}
}

func (h *Heap) writeFooter(off, size uint64) {
	footerOff := off + headerSize + size
	putU64(h.arena[footerOff:footerOff+footerSize], size)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

func getBool(b []byte) bool { return b[0] != 0 }

func dataOffset(headerOff uint64) uint64 { return headerOff + headerSize }
func headerOffset(dataOff uint64) uint64 { return dataOff - headerSize }

// Alloc picks the first free block of sufficient size across the
// whole arena, splitting it if the remainder can hold a new block of
// at least minSplit payload bytes, and returns the offset of its data pointer. Requests larger than one
// page's usable space are served as a multi-page large block (spec
// §4.9).
func (h *Heap) Alloc(size uint64) (uint64, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	if size > pageUsable() {
		return h.allocLarge(size)
	}

	for _, first := range h.pages {
		off := first
		for {
			b := h.readHeader(off)
			if !b.alloc && !b.isLarge && b.size >= size {
				h.split(off, b, size)
				return dataOffset(off), nil
			}
			if b.next == noBlock {
				break
			}
			off = b.next
		}
	}
	return 0, kernel.New(kernel.ErrOOM, "boot heap exhausted for size %d", size)
}

// split carves size bytes off the front of the free block at off. If
// the remainder is smaller than minSplit plus a header and a footer,
// it is left inside the served
// block as internal fragmentation; otherwise the remainder becomes a
// new free block threaded into the same page's chain.
func (h *Heap) split(off uint64, b blockHeader, size uint64) {
	remainder := b.size - size
	if remainder < minSplit+headerSize+footerSize {
		b.alloc = true
		h.writeHeader(off, b)
		return
	}

	newOff := off + headerSize + size + footerSize
	newSize := remainder - headerSize - footerSize
	newBlock := blockHeader{size: newSize, next: b.next, prev: off}
	h.writeHeader(newOff, newBlock)
	if b.next != noBlock {
		next := h.readHeader(b.next)
		next.prev = newOff
		h.writeHeader(b.next, next)
	}

	b.size = size
	b.alloc = true
	b.next = newOff
	h.writeHeader(off, b)
}

// allocLarge serves size directly from whole pages, marking the first
// block isLarge so Free knows to return the entire run rather than
// coalesce within one page (spec §9 open question, resolved toward
// the more complete draft).
func (h *Heap) allocLarge(size uint64) (uint64, *kernel.Error) {
	needed := (size + headerSize + footerSize + pageSize - 1) / pageSize
	run := needed * pageSize

	for start := 0; start+int(needed) <= len(h.pages); start++ {
		if h.runIsWhollyFree(start, int(needed)) {
			off := h.pages[start]
			b := blockHeader{size: run - headerSize - footerSize, alloc: true, isLarge: true, pages: needed, next: noBlock, prev: noBlock}
			h.writeHeader(off, b)
			return dataOffset(off), nil
		}
	}
	return 0, kernel.New(kernel.ErrOOM, "boot heap exhausted for large allocation of %d bytes", size)
}

// pageIndexOf returns the index into h.pages whose first block is at
// off, or -1 if off is not a page's first block.
func (h *Heap) pageIndexOf(off uint64) int {
	for i, p := range h.pages {
		if p == off {
			return i
		}
	}
	return -1
}

func (h *Heap) runIsWhollyFree(start, count int) bool {
	for i := start; i < start+count; i++ {
		b := h.readHeader(h.pages[i])
		if b.alloc || b.size != pageUsable() {
			return false
		}
	}
	return true
}

// Free returns the block at dataOff to the free list, coalescing with
// its left and right chain neighbors when they are themselves free
// (spec §4.9: "free reads both the next block's header and the
// previous block's trailing size to coalesce left and right").
func (h *Heap) Free(dataOff uint64) {
	off := headerOffset(dataOff)
	b := h.readHeader(off)

	if b.isLarge {
		start := h.pageIndexOf(off)
		if start < 0 {
			kernel.Panicf("bootalloc", "free of large block at offset %d not page-aligned", off)
		}
		for i := start; i < start+int(b.pages); i++ {
			h.writeHeader(h.pages[i], blockHeader{size: pageUsable(), next: noBlock, prev: noBlock})
		}
		return
	}

	b.alloc = false
	h.writeHeader(off, b)

	if b.next != noBlock {
		next := h.readHeader(b.next)
		if !next.alloc {
			b = h.mergeRight(off, b, next)
		}
	}

	if off%pageSize != 0 {
		prevSize := getU64(h.arena[off-footerSize : off])
		prevOff := off - footerSize - prevSize - headerSize
		prev := h.readHeader(prevOff)
		if !prev.alloc {
			h.mergeRight(prevOff, prev, b)
		}
	}
}

// mergeRight absorbs right into left, extending left's size to cover
// right's header, payload, and footer, and re-threads the chain.
// Returns left's updated header.
func (h *Heap) mergeRight(leftOff uint64, left, right blockHeader) blockHeader {
	left.size = left.size + headerSize + footerSize + right.size
	left.next = right.next
	h.writeHeader(leftOff, left)
	if right.next != noBlock {
		nn := h.readHeader(right.next)
		nn.prev = leftOff
		h.writeHeader(right.next, nn)
	}
	return left
}

// BlockSize reports the usable payload size of the block at dataOff,
// for tests and diagnostics.
func (h *Heap) BlockSize(dataOff uint64) uint64 {
	return h.readHeader(headerOffset(dataOff)).size
}

// IsLarge reports whether the block at dataOff is a multi-page large
// block.
func (h *Heap) IsLarge(dataOff uint64) bool {
	return h.readHeader(headerOffset(dataOff)).isLarge
}
