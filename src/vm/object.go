// Package vm implements the pageable-object model and fault handler
// (spec §4.5): memory objects, their per-object page hash, reverse
// mappings, and page-in-on-fault, plus the address-space record that
// binds virtual ranges to objects.
package vm

import (
	"sync"

	"nexke/src/kernel"
	"nexke/src/mem"
)

// Backend distinguishes how an object's pages come into existence.
// Only KernelMemory is defined today (spec §4.5); the table is kept
// pluggable for future pageable backends.
type Backend interface {
	// PageIn is called when a page at offset within the object needs
	// a frame. KernelMemory's PageIn is a no-op: the frame from the
	// object's FrameAllocator is used as is, with no zeroing.
	PageIn(obj *Object, offset uint64, f *mem.Frame) *kernel.Error
	// Destroy runs once when an object's refcount reaches zero.
	Destroy(obj *Object)
}

type kernelMemoryBackend struct{}

func (kernelMemoryBackend) PageIn(*Object, uint64, *mem.Frame) *kernel.Error { return nil }
func (kernelMemoryBackend) Destroy(*Object)                                 {}

// KernelMemory is the only backend spec §4.5 defines: non-pageable,
// page-in is a no-op, destroy is a no-op.
var KernelMemory Backend = kernelMemoryBackend{}

const hashBuckets = 64 // spec §3 MAX_BUCKETS

// pageHash is bucketed by offset the way the teacher's hashtable
// package buckets by key hash (hashtable.bucket_t chains elem_t
// entries per bucket); the object mutex stands in for hashtable's
// per-bucket RWMutex since every pageHash access already runs under
// Object.mu.
type pageHash struct {
	buckets [hashBuckets][]*mem.Frame
}

func (h *pageHash) bucket(offset uint64) int {
	return int(offset % hashBuckets)
}

func (h *pageHash) lookup(offset uint64) *mem.Frame {
	for _, f := range h.buckets[h.bucket(offset)] {
		if f.Hash.Offset == offset {
			return f
		}
	}
	return nil
}

func (h *pageHash) insert(offset uint64, f *mem.Frame) {
	f.Hash.Offset = offset
	b := h.bucket(offset)
	h.buckets[b] = append(h.buckets[b], f)
}

func (h *pageHash) remove(offset uint64) *mem.Frame {
	b := h.bucket(offset)
	for i, f := range h.buckets[b] {
		if f.Hash.Offset == offset {
			h.buckets[b] = append(h.buckets[b][:i], h.buckets[b][i+1:]...)
			return f
		}
	}
	return nil
}

func (h *pageHash) all() []*mem.Frame {
	var out []*mem.Frame
	for _, b := range h.buckets {
		out = append(out, b...)
	}
	return out
}

// Perm is the permission declared for an object's pages.
type Perm uint32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermGuard // a guard page: faulting on it is always an error
)

// Object is a pageable or non-pageable backing store exposed into
// address spaces (spec §3).
type Object struct {
	mu sync.Mutex

	Backend  Backend
	Perm     Perm
	Pages    uint64
	refCount int

	hash pageHash

	frames FrameAllocator
}

// FrameAllocator is the subset of *mem.Manager the VM layer needs.
type FrameAllocator interface {
	AllocPage() (*mem.Frame, *kernel.Error)
	FreePage(f *mem.Frame)
}

// CreateObject allocates and initializes a new object (spec §4.5).
func CreateObject(pages uint64, backend Backend, perm Perm, frames FrameAllocator) *Object {
	return &Object{Backend: backend, Perm: perm, Pages: pages, refCount: 1, frames: frames}
}

// Ref increments the object's reference count.
func (o *Object) Ref() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refCount++
}

// Deref decrements the reference count, destroying the object when it
// reaches zero (spec §3 invariant, §4.5).
func (o *Object) Deref() {
	o.mu.Lock()
	destroy := false
	o.refCount--
	if o.refCount < 0 {
		kernel.Panicf("vm", "object refcount went negative")
	}
	if o.refCount == 0 {
		destroy = true
	}
	o.mu.Unlock()

	if destroy {
		o.destroy()
	}
}

// destroy walks the object's page hash, clears reverse mappings,
// unmaps each page from every space that mapped it, and frees the
// pages (spec §4.5).
func (o *Object) destroy() {
	o.mu.Lock()
	frames := o.hash.all()
	o.mu.Unlock()

	for _, f := range frames {
		f.Lock()
		maps := append([]mem.RevMap{}, f.Maps...)
		f.Unlock()
		for _, m := range maps {
			if space, ok := m.Space.(*AddressSpace); ok {
				space.unmapLocked(m.Vaddr)
			}
			f.Lock()
			f.RemoveMap(m.Space, m.Vaddr)
			f.Unlock()
		}
		o.frames.FreePage(f)
	}
	o.Backend.Destroy(o)
}

// faultIn looks up (object, offset). Any fault on a guard-page object
// fails. Otherwise a frame already in the hash is returned as is; if
// none is present it allocates a frame, inserts it into the hash and
// calls the backend's page-in (spec §4.5).
func (o *Object) faultIn(offset uint64) (*mem.Frame, *kernel.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f := o.hash.lookup(offset); f != nil {
		if o.Perm&PermGuard != 0 {
			return nil, kernel.New(kernel.ErrInvalid, "fault on guard page at offset %d", offset)
		}
		return f, nil
	}
	if o.Perm&PermGuard != 0 {
		return nil, kernel.New(kernel.ErrInvalid, "fault on guard page at offset %d", offset)
	}
	f, err := o.frames.AllocPage()
	if err != nil {
		return nil, err
	}
	o.hash.insert(offset, f)
	f.Object = o
	if err := o.Backend.PageIn(o, offset, f); err != nil {
		o.hash.remove(offset)
		o.frames.FreePage(f)
		return nil, err
	}
	return f, nil
}
