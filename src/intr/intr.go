// Package intr implements the interrupt and IPL subsystem (spec
// §4.8): a global vector table partitioned into exceptions, services,
// and hardware interrupts, per-source hardware interrupt chaining, and
// nested IPL raise/lower. Per-vector counters follow the teacher's
// stats package idiom (stats.Nirqs, stats.Irqs: plain atomic counters,
// no wrapper struct).
package intr

import (
	"sync"
	"sync/atomic"

	"nexke/src/kernel"
)

// IPL is the interrupt priority level. Higher masks more.
type IPL int

const (
	IPLLow IPL = iota
	IPLDevice
	IPLTimer
	IPLHigh // masks everything, including the timer interrupt
)

// Kind classifies a vector.
type Kind int

const (
	KindException Kind = iota
	KindService
	KindHardware
)

// ExceptionResult is returned by an exception handler.
type ExceptionResult int

const (
	ExceptionResolved ExceptionResult = iota
	ExceptionNotResolved
)

// Controller abstracts the platform interrupt controller (spec §4.8:
// begin_interrupt/end_interrupt, task-priority programming).
type Controller interface {
	// BeginInterrupt acknowledges vector, returning false if the
	// interrupt was spurious.
	BeginInterrupt(vector int) bool
	EndInterrupt(vector int)
	// SetVector steers a hardware source to vector.
	SetVector(source int, vector int)
	// Enable turns on delivery for source, done once when a vector's
	// chain is first initialized.
	Enable(source int)
	// SetTaskPriority programs the hardware task-priority equivalent
	// for ipl; not called at or above IPLHigh (spec §4.8 raise_ipl).
	SetTaskPriority(ipl IPL)
}

// Frame is the uniform trap context record handed to handlers.
type Frame struct {
	Vector int
	IP     uintptr
	Data   uintptr // exception error code, or unused for service/hw
}

// ExceptionHandler returns ExceptionResolved if it handled the fault.
type ExceptionHandler func(f *Frame) ExceptionResult

// ServiceHandler never fails (spec §4.8 "call handler; it never
// fails").
type ServiceHandler func(f *Frame)

// HwHandler returns true if it serviced the interrupt. Iteration over
// a chain stops at the first true.
type HwHandler func(f *Frame) bool

const (
	maskedFlag  = 1 << 0
	chainedFlag = 1 << 1
)

// HwInterrupt is one chain member sharing a hardware vector (spec
// §3).
type HwInterrupt struct {
	Source       int
	Vector       int
	IPL          IPL
	Handler      HwHandler
	flags        uint32
	nonChainable bool
	// Mode/polarity compatibility fields used when deciding whether a
	// later install may share this vector's chain.
	LevelTriggered bool
	ActiveLow      bool
}

func (h *HwInterrupt) masked() bool { return atomic.LoadUint32(&h.flags)&maskedFlag != 0 }

// Chained reports the CHAINED flag (spec §8: set on every member once
// a vector's chain has more than one entry).
func (h *HwInterrupt) Chained() bool { return atomic.LoadUint32(&h.flags)&chainedFlag != 0 }

// Mask sets or clears the MASKED flag, skipping this member during
// dispatch while masked.
func (h *HwInterrupt) Mask(masked bool) {
	for {
		old := atomic.LoadUint32(&h.flags)
		want := old &^ maskedFlag
		if masked {
			want |= maskedFlag
		}
		if atomic.CompareAndSwapUint32(&h.flags, old, want) {
			return
		}
	}
}

// Chain is the set of HwInterrupt records sharing one vector.
type Chain struct {
	Vector  int
	IPL     IPL
	members []*HwInterrupt
}

func (c *Chain) chained() bool { return len(c.members) > 1 }

// vectorEntry is one slot of the global vector table.
type vectorEntry struct {
	kind Kind
	exc  ExceptionHandler
	svc  ServiceHandler
	hw   *Chain

	nirqs uint64 // per-vector interrupt count (teacher: stats.Nirqs[100]int)
}

const hwBase = 32 // vectors below hwBase are exceptions; hardware vectors start here

// Table is the global vector table plus IPL state for one CPU (spec
// §3: "a single global table maps vector -> Interrupt object").
type Table struct {
	mu      sync.Mutex
	entries map[int]*vectorEntry

	ipl IPL

	spurious  uint64 // teacher-style atomic counter, total across vectors
	totalIrqs uint64

	ctrl Controller

	defaultExceptionDispatch func(f *Frame)
}

// NewTable builds an empty table driven by ctrl.
func NewTable(ctrl Controller) *Table {
	return &Table{entries: make(map[int]*vectorEntry), ctrl: ctrl}
}

// SetDefaultExceptionDispatcher installs the fallback invoked when an
// exception handler returns ExceptionNotResolved (spec §4.8 step 2).
func (t *Table) SetDefaultExceptionDispatcher(f func(frame *Frame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultExceptionDispatch = f
}

// InstallException registers vector as an exception (vector < hwBase).
func (t *Table) InstallException(vector int, h ExceptionHandler) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vector >= hwBase {
		return kernel.New(kernel.ErrInvalid, "exception vector %d at or above hardware base", vector)
	}
	if _, ok := t.entries[vector]; ok {
		return kernel.New(kernel.ErrExists, "vector %d already installed", vector)
	}
	t.entries[vector] = &vectorEntry{kind: KindException, exc: h}
	return nil
}

// InstallService registers vector as a service routine.
func (t *Table) InstallService(vector int, h ServiceHandler) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[vector]; ok {
		return kernel.New(kernel.ErrExists, "vector %d already installed", vector)
	}
	t.entries[vector] = &vectorEntry{kind: KindService, svc: h}
	return nil
}

func compatible(a, b *HwInterrupt) bool {
	return a.LevelTriggered == b.LevelTriggered && a.ActiveLow == b.ActiveLow
}

// InstallHardware attaches hw to vector. The first install on a vector
// initializes the chain, programs the controller's steering for
// source, and enables it; later installs share the chain if compatible
// by mode/polarity and the first member isn't marked non-chainable,
// else they are rejected (spec §4.8).
func (t *Table) InstallHardware(vector int, hw *HwInterrupt) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if vector < hwBase {
		return kernel.New(kernel.ErrInvalid, "hardware vector %d below hardware base", vector)
	}
	hw.Vector = vector

	e, ok := t.entries[vector]
	if !ok {
		e = &vectorEntry{kind: KindHardware, hw: &Chain{Vector: vector, IPL: hw.IPL}}
		t.entries[vector] = e
		e.hw.members = append(e.hw.members, hw)
		t.ctrl.SetVector(hw.Source, vector)
		t.ctrl.Enable(hw.Source)
		return nil
	}

	if e.kind != KindHardware {
		return kernel.New(kernel.ErrExists, "vector %d not a hardware vector", vector)
	}
	first := e.hw.members[0]
	if first.nonChainable || !compatible(first, hw) {
		return kernel.New(kernel.ErrExists, "vector %d incompatible for chaining", vector)
	}
	e.hw.members = append(e.hw.members, hw)
	if e.hw.chained() {
		for _, m := range e.hw.members {
			atomic.StoreUint32(&m.flags, atomic.LoadUint32(&m.flags)|chainedFlag)
		}
	}
	return nil
}

// RemapInterrupt moves the whole hardware chain from oldVector to newVector at
// newIPL, used when a later installer demands a different IPL and the
// existing chain permits remapping (spec §4.8).
func (t *Table) RemapInterrupt(oldVector, newVector int, newIPL IPL) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[oldVector]
	if !ok || e.kind != KindHardware {
		return kernel.New(kernel.ErrNotFound, "no hardware chain at vector %d", oldVector)
	}
	if _, exists := t.entries[newVector]; exists {
		return kernel.New(kernel.ErrExists, "vector %d already in use", newVector)
	}
	delete(t.entries, oldVector)
	e.hw.Vector = newVector
	e.hw.IPL = newIPL
	for _, m := range e.hw.members {
		m.Vector = newVector
		m.IPL = newIPL
		t.ctrl.SetVector(m.Source, newVector)
	}
	t.entries[newVector] = e
	return nil
}

// RaiseIPL asserts new > current, returning the old IPL to restore
// later. Below IPLHigh it also programs the controller task-priority
// equivalent (spec §4.8: implementations must tolerate nested
// raise/lower). The CPU interrupt-enable state is not modeled, so it
// does not re-enable interrupts.
func (t *Table) RaiseIPL(new IPL) IPL {
	t.mu.Lock()
	old := t.ipl
	if new <= old {
		t.mu.Unlock()
		kernel.Panicf("intr", "raise_ipl(%d) not above current %d", new, old)
	}
	t.ipl = new
	t.mu.Unlock()

	if new < IPLHigh {
		t.ctrl.SetTaskPriority(new)
	}
	return old
}

// LowerIPL restores old, mirroring RaiseIPL.
func (t *Table) LowerIPL(old IPL) {
	t.mu.Lock()
	t.ipl = old
	t.mu.Unlock()

	if old < IPLHigh {
		t.ctrl.SetTaskPriority(old)
	}
}

// CurrentIPL reports the active IPL.
func (t *Table) CurrentIPL() IPL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ipl
}

// Dispatch is entered from the CPU trap trampoline with a uniform
// context record (spec §4.8 steps 1-4).
func (t *Table) Dispatch(f *Frame) {
	atomic.AddUint64(&t.totalIrqs, 1)

	t.mu.Lock()
	e, ok := t.entries[f.Vector]
	t.mu.Unlock()
	if !ok {
		kernel.Panicf("intr", "bad trap: unknown vector %d", f.Vector)
	}
	atomic.AddUint64(&e.nirqs, 1)

	switch e.kind {
	case KindException:
		result := ExceptionNotResolved
		if e.exc != nil {
			result = e.exc(f)
		}
		if result == ExceptionNotResolved {
			t.mu.Lock()
			dispatch := t.defaultExceptionDispatch
			t.mu.Unlock()
			if dispatch != nil {
				dispatch(f)
			} else {
				kernel.Panicf("intr", "unresolved exception at vector %d", f.Vector)
			}
		}
	case KindService:
		if e.svc != nil {
			e.svc(f)
		}
	case KindHardware:
		t.dispatchHardware(f, e)
	}
}

func (t *Table) dispatchHardware(f *Frame, e *vectorEntry) {
	if !t.ctrl.BeginInterrupt(f.Vector) {
		atomic.AddUint64(&t.spurious, 1)
		return
	}

	old := t.RaiseIPL(e.hw.IPL)
	// Re-enabling interrupts at the chain's raised IPL is a hardware action
	// outside this simulation's scope; the IPL bookkeeping above is
	// what callers and tests observe.

	for _, m := range e.hw.members {
		if m.masked() {
			continue
		}
		if m.Handler != nil && m.Handler(f) {
			break
		}
	}

	t.LowerIPL(old)
	t.ctrl.EndInterrupt(f.Vector)
}

// SpuriousCount and TotalInterrupts expose the teacher-style plain
// counters for tests and diagnostics.
func (t *Table) SpuriousCount() uint64    { return atomic.LoadUint64(&t.spurious) }
func (t *Table) TotalInterrupts() uint64  { return atomic.LoadUint64(&t.totalIrqs) }
func (t *Table) VectorCount(vector int) uint64 {
	t.mu.Lock()
	e, ok := t.entries[vector]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(&e.nirqs)
}

// ChainLen reports the number of handlers sharing vector, for the
// spec §8 invariant "chainLen == |chain.list|".
func (t *Table) ChainLen(vector int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[vector]
	if !ok || e.kind != KindHardware {
		return 0
	}
	return len(e.hw.members)
}
