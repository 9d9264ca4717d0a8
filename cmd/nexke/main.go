// Command nexke is the kernel core's runtime initializer: it takes a
// boot handoff record and wires every portable subsystem together,
// the way the teacher's mem.Phys_init chains physical-page discovery
// straight into the slab allocator at boot. The zone table is the
// mem.Global package singleton; the general allocator, kernel address
// space and the other subsystem state are built and held here in main.
// No per-CPU control block is modeled.
//
// nexke has no real bootloader handoff in this tree (nexboot is out of
// scope); buildHandoff stands in for it the same way the host-runnable
// model stands in for hardware elsewhere in this repo (ptm.Backing,
// timer.HWClock, intr.Controller). A real boot path replaces
// buildHandoff's synthetic record with whatever nexboot actually
// passes at entry.
package main

import (
	"sync"

	"nexke/src/boot"
	"nexke/src/bootalloc"
	"nexke/src/intr"
	"nexke/src/kernel"
	"nexke/src/klog"
	"nexke/src/kva"
	"nexke/src/mem"
	"nexke/src/mmu"
	"nexke/src/ptm"
	"nexke/src/res"
	"nexke/src/slab"
	"nexke/src/timer"
	"nexke/src/vm"
)

const (
	kernelVAStart = mem.Vaddr(0xffff800000000000)
	kheapPages    = 4096 // 16 MiB demand-paged kernel heap
	mmioPages     = 256  // 1 MiB reserved for device register windows
	ptWindowBase  = mem.Vaddr(0xffffa00000000000)
	ptCacheSize   = 64

	vectorArenaMin = 32
	vectorArenaMax = 255
)

// heapBacking implements ptm.Backing over the Go heap: physical
// page-table frames are *mmu.Table values keyed by a synthetic
// paddr, since mem.Frame carries no addressable buffer of its own
// (see SPEC_FULL.md on the host-runnable model; grounded on the same
// pattern as ptm_test.go/vm_test.go's fakeBacking, made production-
// shaped here with a lock and a real frame-backed allocation path).
type heapBacking struct {
	mu     sync.Mutex
	tables map[mem.Paddr]*mmu.Table
	frames *mem.Manager
}

func newHeapBacking(frames *mem.Manager) *heapBacking {
	return &heapBacking{tables: make(map[mem.Paddr]*mmu.Table), frames: frames}
}

func (b *heapBacking) Read(p mem.Paddr) *mmu.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[p]
	if !ok {
		t = &mmu.Table{}
		b.tables[p] = t
	}
	return t
}

func (b *heapBacking) Alloc() (mem.Paddr, *kernel.Error) {
	f, err := b.frames.AllocPage()
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[f.Paddr()] = &mmu.Table{}
	return f.Paddr(), nil
}

func (b *heapBacking) Free(p mem.Paddr) {
	b.mu.Lock()
	delete(b.tables, p)
	b.mu.Unlock()
	f := b.frames.FindPagePfn(p.ToPfn())
	b.frames.FreePage(f)
}

// simController is the production Controller for the host-runnable
// model: a software interrupt controller with no real hardware
// underneath, tracking steering/enable/task-priority calls the way a
// local APIC driver would, minus the MMIO register writes (spec
// §4.8's Controller is deliberately left pluggable for exactly this
// reason).
type simController struct {
	mu      sync.Mutex
	steered map[int]int
	enabled map[int]bool
	tpr     intr.IPL
}

func newSimController() *simController {
	return &simController{steered: make(map[int]int), enabled: make(map[int]bool)}
}

func (c *simController) BeginInterrupt(vector int) bool { return true }
func (c *simController) EndInterrupt(vector int)        {}
func (c *simController) SetVector(source, vector int) {
	c.mu.Lock()
	c.steered[source] = vector
	c.mu.Unlock()
}
func (c *simController) Enable(source int) {
	c.mu.Lock()
	c.enabled[source] = true
	c.mu.Unlock()
}
func (c *simController) SetTaskPriority(ipl intr.IPL) {
	c.mu.Lock()
	c.tpr = ipl
	c.mu.Unlock()
}

// simClock is a SOFT HWClock (spec §4.7): it never fires on its own,
// so the scheduler's owner must poll it. There is no hardware deadline
// timer in the host-runnable model, so Arm is a no-op and Now counts
// calls instead of wall-clock time; a real port replaces this with the
// PIT/APIC-timer/HPET equivalent.
type simClock struct {
	mu   sync.Mutex
	tick uint64
}

func (c *simClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick++
	return c.tick
}
func (c *simClock) Arm(delta uint64) {}
func (c *simClock) IsSoft() bool     { return true }

// buildHandoff synthesizes the boot record a real nexboot stage would
// pass: 64 MiB of memory with the first 1 MiB reserved, a 2 MiB boot
// memory pool immediately above it, and the rest free.
func buildHandoff() *boot.Handoff {
	const (
		lowReserved = 1 << 20  // 0 - 1 MiB: legacy BIOS/real-mode reservation
		poolBase    = 1 << 20  // 1 MiB
		poolSize    = 2 << 20  // 2 MiB boot pool
		totalMem    = 64 << 20 // 64 MiB total
	)
	return &boot.Handoff{
		MemMap: []boot.MemEntry{
			{Base: 0, Size: lowReserved, Type: boot.MemReserved},
			{Base: poolBase, Size: poolSize, Type: boot.MemBootReclaim},
			{Base: poolBase + poolSize, Size: totalMem - poolBase - poolSize, Type: boot.MemFree},
		},
		PoolBase: poolBase,
		PoolSize: poolSize,
		Cmdline:  "-nosmp root /dev/sda1",
	}
}

func main() {
	handoff := buildHandoff()
	klog.Printf("nexke: boot handoff: %d map entries, pool [%#x,%#x)", len(handoff.MemMap), handoff.PoolBase, handoff.PoolBase+handoff.PoolSize)

	args := boot.ParseCmdline(handoff.Cmdline)
	if _, ok := boot.Lookup(args, "nosmp"); ok {
		klog.Printf("nexke: nosmp requested, booting with a single CPU")
	}

	// Boot-stage allocator over the handed-off pool, alive before the
	// frame manager and slab caches exist (spec §4.9).
	bootHeap := bootalloc.New(make([]byte, handoff.PoolSize))
	klog.Printf("nexke: boot heap ready over %d KiB pool", handoff.PoolSize/1024)

	// Frame manager: zone table from the firmware memory map, then the
	// boot pool itself is carved out as a reserved, non-generic zone
	// since bootalloc — not the slab allocator — owns those pages.
	mem.Global.Init(handoff.MemMap)
	mem.Global.SplitZone(mem.Pfn(handoff.PoolBase>>mem.PageShift), handoff.PoolSize>>mem.PageShift, mem.ZoneNoGeneric|mem.ZoneReserved)
	klog.Printf("nexke: %d zones built", len(mem.Global.Zones))

	// General-purpose slab allocator, the cache-of-caches spec §9 calls
	// out as a singleton.
	generalAlloc := slab.NewAllocator(16, 8192, mem.Global)

	// Kernel page-table manager: a mapping-window cache over the boot
	// backing, with a fresh, zeroed top-level table.
	backing := newHeapBacking(mem.Global)
	ptCache := ptm.NewCache(ptCacheSize, ptWindowBase, backing)
	top, err := backing.Alloc()
	if err != nil {
		klog.Panicf("nexke: allocating kernel top-level page table: %v", err)
	}
	backing.Read(top).Zero()
	kernelPT := &ptm.Space{Top: top, Cache: ptCache, User: false}

	// Kernel address space and a demand-paged heap arena over it (spec
	// §4.3, §4.5).
	kernelSpace := vm.NewAddressSpace(kernelVAStart, kernelVAStart+mem.Vaddr(kheapPages*mem.PageSize), kernelPT)
	kheapObj := vm.CreateObject(kheapPages, vm.KernelMemory, vm.PermWrite, mem.Global)
	kernelSpace.AddEntry(kernelVAStart, kheapPages, kheapObj, 0, mmu.PermWrite)
	faulter := &vm.KVAFaulter{Space: kernelSpace, Obj: kheapObj, Perm: mmu.PermWrite}
	kheapArena := kva.NewArena("kheap", kernelVAStart, kheapPages, true, faulter)
	klog.Printf("nexke: kernel heap arena: %d pages at %#x", kheapArena.Pages, kheapArena.Base)

	// MMIO window arena: virtual reservation only, mapped directly by
	// whatever device driver claims a range (spec §4.3 AllocMMIO).
	mmioBase := kernelVAStart + mem.Vaddr(kheapPages*mem.PageSize)
	mmioArena := kva.NewArena("mmio", mmioBase, mmioPages, false, nil)
	klog.Printf("nexke: mmio arena: %d pages at %#x", mmioArena.Pages, mmioArena.Base)

	// Interrupt vector space: hardware vectors are a scarce resource
	// allocated through the same id-arena machinery as any other
	// handle space (spec §4.6).
	vectorArena := res.Create("intr-vectors", vectorArenaMin, vectorArenaMax)

	// Interrupt and IPL subsystem (spec §4.8), driven by the simulated
	// controller above.
	ctrl := newSimController()
	vectors := intr.NewTable(ctrl)
	vectors.SetDefaultExceptionDispatcher(func(f *intr.Frame) {
		klog.Panicf("nexke: unresolved exception vector=%d ip=%#x", f.Vector, f.IP)
	})

	// Per-CPU timer scheduler (spec §4.7), SOFT-clocked in the absence
	// of a real deadline timer.
	clock := &simClock{}
	sched := timer.NewScheduler(clock)

	klog.Printf("nexke: runtime initialized: general allocator ready, %d-vector id arena, timer scheduler armed", vectorArenaMax-vectorArenaMin+1)

	// Claim the timer's own vector and chain its hardware handler in,
	// exercising the vector arena and the interrupt table together the
	// way a platform timer driver's init routine would.
	timerVec := vectorArena.Alloc()
	if timerVec < 0 {
		klog.Panicf("nexke: no vectors available for the timer interrupt")
	}
	ticks := 0
	timerIRQ := &intr.HwInterrupt{
		Source: 0,
		IPL:    intr.IPLTimer,
		Handler: func(f *intr.Frame) bool {
			ticks++
			return true
		},
	}
	if err := vectors.InstallHardware(int(timerVec), timerIRQ); err != nil {
		klog.Panicf("nexke: installing timer interrupt: %v", err)
	}

	// Arm a periodic scheduler event, the way a one-shot "reschedule"
	// callback gets armed at boot before the first tick ever fires.
	tickEvent := &timer.Event{}
	tickEvent.SetCb(func(arg interface{}) {
		vectors.Dispatch(&intr.Frame{Vector: int(timerVec)})
	}, nil)
	if err := sched.Reg(tickEvent, 1, timer.RegPeriodic); err != nil {
		klog.Panicf("nexke: arming boot tick: %v", err)
	}

	// Quick round-trip through the general allocator and the boot heap,
	// confirming both are actually serving before handing control to
	// the scheduler.
	scratch, err := generalAlloc.Malloc(128)
	if err != nil {
		klog.Panicf("nexke: general allocator self-check: %v", err)
	}
	generalAlloc.Free(scratch, 128)

	bootScratch, err := bootHeap.Alloc(64)
	if err != nil {
		klog.Panicf("nexke: boot heap self-check: %v", err)
	}
	bootHeap.Free(bootScratch)

	klog.Printf("nexke: handoff complete, timer vector %d armed, %d ticks observed at boot", timerVec, ticks)
}
