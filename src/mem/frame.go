package mem

import "sync"

// State is the lifecycle state of a Frame (spec §3).
type State int

const (
	Free State = iota
	InObject
	Unusable
)

// RevMap is a non-owning reverse mapping: "this frame is mapped at
// virtual address Vaddr within address space Space". AddressSpace is
// an interface{} here to avoid an import cycle with the vm package;
// the vm package asserts it back to *vm.AddressSpace.
type RevMap struct {
	Space interface{}
	Vaddr Vaddr
}

// HashLink threads a Frame into its owning object's page hash:
// next/prev pointers plus the page's offset within the object.
type HashLink struct {
	Next, Prev *Frame
	Offset     uint64
}

// Frame is the per-physical-page control record (spec §3). Exactly one
// of "on zone free list" / "owned by an object" holds at any time,
// enforced by State plus the owning zone/object bookkeeping.
type Frame struct {
	zone *Zone
	pfn  Pfn

	State State

	// Object is the VM object owning this frame when State ==
	// InObject; nil otherwise. Declared interface{} for the same
	// import-cycle reason as RevMap.Space.
	Object interface{}
	Hash   HashLink

	Maps []RevMap

	nextFree int64 // free-list link within the owning zone

	mu sync.Mutex
}

// Pfn returns the frame's page-frame number.
func (f *Frame) Pfn() Pfn { return f.pfn }

// Paddr returns the frame's base physical address.
func (f *Frame) Paddr() Paddr { return f.pfn.ToPaddr() }

// Lock/Unlock protect Frame.Maps and Frame.Hash against concurrent
// fault-handler and reclaim paths (spec §5, "per-frame lock protects
// the reverse-mapping list").
func (f *Frame) Lock()   { f.mu.Lock() }
func (f *Frame) Unlock() { f.mu.Unlock() }

// AddMap records a new reverse mapping (space, vaddr). Must be called
// with f locked.
func (f *Frame) AddMap(space interface{}, v Vaddr) {
	f.Maps = append(f.Maps, RevMap{Space: space, Vaddr: v})
}

// RemoveMap deletes the reverse mapping for (space, vaddr), if
// present. Must be called with f locked.
func (f *Frame) RemoveMap(space interface{}, v Vaddr) {
	for i, m := range f.Maps {
		if m.Space == space && m.Vaddr == v {
			f.Maps = append(f.Maps[:i], f.Maps[i+1:]...)
			return
		}
	}
}
