// Package res implements the resource-ID arena: a scarce-integer
// allocator over a fixed [minId, maxId] range, grounded on the
// teacher's map-based MSI vector allocator (msi.Msivecs_t) but
// generalized to a chunked bitmap per spec §4.6.
package res

import "sync"

const bitsPerWord = 64

// chunkKind distinguishes the chunk handing out ids sequentially
// (RANGED) from one built around a real allocation bitmap (MAPPED,
// built lazily the first time an id outside any live chunk's range is
// freed, per spec §4.6: "the bitmap is never garbage-collected back
// to RANGED").
type chunkKind int

const (
	chunkRanged chunkKind = iota
	chunkMapped
)

// chunk is either the arena's single RANGED chunk (spanning the whole
// rounded range) or one of possibly several 64-id MAPPED chunks
// created on demand by Free.
type chunk struct {
	base       uint64
	windowSize uint64
	kind       chunkKind
	freeCount  int
	inList     bool // currently present in Arena.chunks (the allocation-order list)

	// RANGED fields. nextSeq is the global sequential cursor; freeSet
	// holds relative ids returned to circulation, whether pre-reserved
	// ahead of nextSeq or handed back after being issued.
	nextSeq uint64
	freeSet []uint64

	// MAPPED fields.
	allocMap  uint64 // bit set == allocated
	freeCache []uint64
}

func newRangedChunk(base, windowSize uint64) *chunk {
	return &chunk{base: base, windowSize: windowSize, kind: chunkRanged, freeCount: int(windowSize), inList: true}
}

// newMappedChunk builds a chunk whose bitmap starts all-ones (every id
// in the window considered already allocated), matching spec §4.6's
// free() rule: "create a new MAPPED chunk with all-ones bitmap, clear
// the bit for the freed id".
func newMappedChunk(base, windowSize uint64) *chunk {
	c := &chunk{base: base, windowSize: windowSize, kind: chunkMapped}
	if windowSize >= bitsPerWord {
		c.allocMap = ^uint64(0)
	} else {
		c.allocMap = ^uint64(0) &^ (^uint64(0) << windowSize)
	}
	return c
}

const freeCacheMax = 6

func containsRel(s []uint64, rel uint64) bool {
	for _, x := range s {
		if x == rel {
			return true
		}
	}
	return false
}

func removeRel(s []uint64, rel uint64) []uint64 {
	for i, x := range s {
		if x == rel {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// allocFromRanged walks the sequential cursor, skipping any id already
// sitting in freeSet (a pre-reservation ahead of the cursor, never
// actually issued); once the whole range is scanned it falls back to
// serving from freeSet, oldest first.
func (c *chunk) allocFromRanged() (uint64, bool) {
	for c.nextSeq < c.windowSize {
		rel := c.nextSeq
		c.nextSeq++
		if containsRel(c.freeSet, rel) {
			continue
		}
		c.freeCount--
		return c.base + rel, true
	}
	if len(c.freeSet) > 0 {
		rel := c.freeSet[0]
		c.freeSet = c.freeSet[1:]
		c.freeCount--
		return c.base + rel, true
	}
	return 0, false
}

// freeRanged returns rel to circulation. If the sequential cursor has
// already passed rel, the id was genuinely allocated and this restores
// a consumed slot. If the cursor has not yet reached rel, the id is
// being reserved ahead of time (spec §8 scenario 6); it was already
// counted as free, so freeCount is unchanged.
func (c *chunk) freeRanged(rel uint64) {
	if rel < c.nextSeq {
		c.freeCount++
	}
	c.freeSet = append(c.freeSet, rel)
}

// allocFromMapped pops from the small free cache if present, else
// scans the bitmap linearly and refills the cache (spec §4.6).
func (c *chunk) allocFromMapped() (uint64, bool) {
	if len(c.freeCache) > 0 {
		rel := c.freeCache[len(c.freeCache)-1]
		c.freeCache = c.freeCache[:len(c.freeCache)-1]
		c.allocMap |= 1 << rel
		c.freeCount--
		return c.base + rel, true
	}
	for i := uint64(0); i < c.windowSize; i++ {
		if c.allocMap&(1<<i) == 0 {
			c.allocMap |= 1 << i
			c.freeCount--
			for j := i + 1; j < c.windowSize && uint64(len(c.freeCache)) < freeCacheMax; j++ {
				if c.allocMap&(1<<j) == 0 {
					c.freeCache = append(c.freeCache, j)
				}
			}
			return c.base + i, true
		}
	}
	return 0, false
}

func (c *chunk) freeMapped(rel uint64) {
	c.allocMap &^= 1 << rel
	c.freeCache = removeRel(c.freeCache, rel)
	c.freeCount++
}

func popcount64(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// Arena is one named id space (spec §3: "create(name, minId, maxId)").
type Arena struct {
	mu sync.Mutex

	Name         string
	minId, maxId uint64

	chunks []*chunk          // sorted descending by freeCount; the allocation order
	byBase map[uint64]*chunk // hash table keyed by chunk.base, per spec "chunk.base % N"
}

// Create builds an arena covering [minId, maxId], rounding maxId up
// to a multiple of 64 and installing one initial RANGED chunk
// covering the full range (spec §4.6).
func Create(name string, minId, maxId uint64) *Arena {
	rounded := (maxId + bitsPerWord) / bitsPerWord * bitsPerWord

	a := &Arena{Name: name, minId: minId, maxId: rounded - 1, byBase: make(map[uint64]*chunk)}
	c := newRangedChunk(minId, rounded-minId)
	a.chunks = append(a.chunks, c)
	a.byBase[minId] = c
	return a
}

// sortChunks keeps the chunk list ordered by descending free count
// (spec §4.6: "the head chunk is the allocation target").
func (a *Arena) sortChunks() {
	for i := 1; i < len(a.chunks); i++ {
		for j := i; j > 0 && a.chunks[j-1].freeCount < a.chunks[j].freeCount; j-- {
			a.chunks[j-1], a.chunks[j] = a.chunks[j], a.chunks[j-1]
		}
	}
}

func (a *Arena) removeChunk(c *chunk) {
	for i, x := range a.chunks {
		if x == c {
			a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
			break
		}
	}
	c.inList = false
	if c.kind == chunkRanged {
		// A RANGED chunk that has handed out and recycled its entire
		// range has nothing left to give; let a future free for any id
		// in its span start a fresh per-window MAPPED chunk instead of
		// resurrecting a sequential cursor that has already run out.
		delete(a.byBase, c.base)
	}
}

// Alloc returns the next free id, or -1 if the arena is exhausted
// (spec §4.6, §8 scenario 6).
func (a *Arena) Alloc() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.chunks) == 0 || a.chunks[0].freeCount == 0 {
		return -1
	}
	head := a.chunks[0]

	var id uint64
	var ok bool
	switch head.kind {
	case chunkRanged:
		id, ok = head.allocFromRanged()
	case chunkMapped:
		id, ok = head.allocFromMapped()
	}
	if !ok {
		return -1
	}
	if head.freeCount == 0 {
		a.removeChunk(head)
	}
	a.sortChunks()
	return int64(id)
}

// windowBase returns the 64-id-aligned window base containing id,
// relative to the arena's minId (spec §4.6: "base = id & ~63").
func (a *Arena) windowBase(id uint64) uint64 {
	return a.minId + (id-a.minId)/bitsPerWord*bitsPerWord
}

// Free returns id to circulation (spec §4.6). If the id is still
// covered by the arena's RANGED chunk, it is added to that chunk's
// free set (served once the sequential cursor catches up or exhausts,
// per spec §8 scenario 6). Otherwise a MAPPED chunk for its 64-id
// window is found or created.
func (a *Arena) Free(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.byBase[a.minId]; ok && c.kind == chunkRanged && id >= c.base && id < c.base+c.windowSize {
		c.freeRanged(id - c.base)
		if !c.inList {
			a.chunks = append(a.chunks, c)
			c.inList = true
		}
		a.sortChunks()
		return
	}

	base := a.windowBase(id)
	c, ok := a.byBase[base]
	if !ok {
		windowSize := uint64(bitsPerWord)
		if base+bitsPerWord > a.maxId+1 {
			windowSize = a.maxId + 1 - base
		}
		c = newMappedChunk(base, windowSize)
		a.byBase[base] = c
	}
	c.freeMapped(id - c.base)

	if !c.inList {
		a.chunks = append(a.chunks, c)
		c.inList = true
	}
	a.sortChunks()
}

// FreeCount reports the free-id count for the chunk tracking id, or 0
// if none does (spec §8 invariant: freeCount(chunk) ==
// popcount(~allocMap) for MAPPED chunks).
func (a *Arena) FreeCount(id uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.byBase[a.minId]; ok && c.kind == chunkRanged && id >= c.base && id < c.base+c.windowSize {
		return c.freeCount
	}
	base := a.windowBase(id)
	c, ok := a.byBase[base]
	if !ok {
		return 0
	}
	if c.kind == chunkMapped {
		return popcount64(^c.allocMap & (^uint64(0) >> (bitsPerWord - c.windowSize)))
	}
	return c.freeCount
}
