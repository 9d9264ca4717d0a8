package intr

import "testing"

// fakeController is a test-only Controller: it acknowledges every
// vector as non-spurious unless told otherwise, and records the
// task-priority and steering calls it receives.
type fakeController struct {
	spuriousVectors map[int]bool
	acked           []int
	ended           []int
	steered         map[int]int
	enabled         map[int]bool
	tpr             []IPL
}

func newFakeController() *fakeController {
	return &fakeController{
		spuriousVectors: make(map[int]bool),
		steered:         make(map[int]int),
		enabled:         make(map[int]bool),
	}
}

func (c *fakeController) BeginInterrupt(vector int) bool {
	c.acked = append(c.acked, vector)
	return !c.spuriousVectors[vector]
}
func (c *fakeController) EndInterrupt(vector int)      { c.ended = append(c.ended, vector) }
func (c *fakeController) SetVector(source, vector int) { c.steered[source] = vector }
func (c *fakeController) Enable(source int)            { c.enabled[source] = true }
func (c *fakeController) SetTaskPriority(ipl IPL)      { c.tpr = append(c.tpr, ipl) }

func TestExceptionResolvedSkipsDefault(t *testing.T) {
	tbl := NewTable(newFakeController())
	resolved := false
	tbl.InstallException(14, func(f *Frame) ExceptionResult {
		resolved = true
		return ExceptionResolved
	})
	defaultCalled := false
	tbl.SetDefaultExceptionDispatcher(func(f *Frame) { defaultCalled = true })

	tbl.Dispatch(&Frame{Vector: 14})
	if !resolved || defaultCalled {
		t.Fatalf("resolved=%v defaultCalled=%v", resolved, defaultCalled)
	}
}

func TestExceptionNotResolvedFallsToDefault(t *testing.T) {
	tbl := NewTable(newFakeController())
	tbl.InstallException(14, func(f *Frame) ExceptionResult { return ExceptionNotResolved })
	defaultCalled := false
	tbl.SetDefaultExceptionDispatcher(func(f *Frame) { defaultCalled = true })

	tbl.Dispatch(&Frame{Vector: 14})
	if !defaultCalled {
		t.Fatal("expected default dispatcher to run")
	}
}

func TestServiceHandlerAlwaysRuns(t *testing.T) {
	tbl := NewTable(newFakeController())
	ran := false
	tbl.InstallService(0x80, func(f *Frame) { ran = true })
	tbl.Dispatch(&Frame{Vector: 0x80})
	if !ran {
		t.Fatal("service handler did not run")
	}
}

func TestHardwareChainingSharesVector(t *testing.T) {
	ctrl := newFakeController()
	tbl := NewTable(ctrl)

	var order []int
	h1 := &HwInterrupt{Source: 1, IPL: IPLDevice, Handler: func(f *Frame) bool {
		order = append(order, 1)
		return false
	}}
	h2 := &HwInterrupt{Source: 2, IPL: IPLDevice, Handler: func(f *Frame) bool {
		order = append(order, 2)
		return true
	}}
	if err := tbl.InstallHardware(40, h1); err != nil {
		t.Fatalf("install h1: %v", err)
	}
	if err := tbl.InstallHardware(40, h2); err != nil {
		t.Fatalf("install h2: %v", err)
	}
	if got := tbl.ChainLen(40); got != 2 {
		t.Fatalf("chainLen = %d, want 2", got)
	}
	if !h1.Chained() || !h2.Chained() {
		t.Fatal("expected CHAINED set on every member once chainLen > 1")
	}

	tbl.Dispatch(&Frame{Vector: 40})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("chain order = %v, want [1 2]", order)
	}
	if tbl.TotalInterrupts() != 1 || tbl.VectorCount(40) != 1 {
		t.Fatalf("counters: total=%d vector=%d", tbl.TotalInterrupts(), tbl.VectorCount(40))
	}
}

func TestHardwareChainStopsAtFirstHandled(t *testing.T) {
	ctrl := newFakeController()
	tbl := NewTable(ctrl)

	calledSecond := false
	h1 := &HwInterrupt{Source: 1, IPL: IPLDevice, Handler: func(f *Frame) bool { return true }}
	h2 := &HwInterrupt{Source: 2, IPL: IPLDevice, Handler: func(f *Frame) bool {
		calledSecond = true
		return true
	}}
	tbl.InstallHardware(41, h1)
	tbl.InstallHardware(41, h2)

	tbl.Dispatch(&Frame{Vector: 41})
	if calledSecond {
		t.Fatal("second handler ran after first already serviced the interrupt")
	}
}

func TestIncompatibleChainRejected(t *testing.T) {
	ctrl := newFakeController()
	tbl := NewTable(ctrl)

	h1 := &HwInterrupt{Source: 1, IPL: IPLDevice, LevelTriggered: true}
	h2 := &HwInterrupt{Source: 2, IPL: IPLDevice, LevelTriggered: false}
	tbl.InstallHardware(42, h1)
	if err := tbl.InstallHardware(42, h2); err == nil {
		t.Fatal("expected rejection of incompatible chain member")
	}
}

func TestSpuriousInterruptIncrementsCounterAndSkipsHandler(t *testing.T) {
	ctrl := newFakeController()
	ctrl.spuriousVectors[43] = true
	tbl := NewTable(ctrl)

	ran := false
	tbl.InstallHardware(43, &HwInterrupt{Source: 1, IPL: IPLDevice, Handler: func(f *Frame) bool {
		ran = true
		return true
	}})

	tbl.Dispatch(&Frame{Vector: 43})
	if ran {
		t.Fatal("handler ran on a spurious interrupt")
	}
	if tbl.SpuriousCount() != 1 {
		t.Fatalf("spuriousCount = %d, want 1", tbl.SpuriousCount())
	}
	if len(ctrl.ended) != 0 {
		t.Fatal("EndInterrupt should not be called for a spurious interrupt")
	}
}

func TestRaiseLowerIPLNesting(t *testing.T) {
	ctrl := newFakeController()
	tbl := NewTable(ctrl)

	old1 := tbl.RaiseIPL(IPLDevice)
	old2 := tbl.RaiseIPL(IPLTimer)
	if tbl.CurrentIPL() != IPLTimer {
		t.Fatalf("current = %v, want IPLTimer", tbl.CurrentIPL())
	}
	tbl.LowerIPL(old2)
	if tbl.CurrentIPL() != IPLDevice {
		t.Fatalf("current after first lower = %v, want IPLDevice", tbl.CurrentIPL())
	}
	tbl.LowerIPL(old1)
	if tbl.CurrentIPL() != IPLLow {
		t.Fatalf("current after second lower = %v, want IPLLow", tbl.CurrentIPL())
	}
}

func TestRaiseIPLPanicsOnNonIncreasing(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic raising to a non-higher IPL")
		}
	}()
	ctrl := newFakeController()
	tbl := NewTable(ctrl)
	tbl.RaiseIPL(IPLDevice)
	tbl.RaiseIPL(IPLDevice)
}

func TestRemapInterruptMovesChain(t *testing.T) {
	ctrl := newFakeController()
	tbl := NewTable(ctrl)
	h := &HwInterrupt{Source: 5, IPL: IPLDevice, Handler: func(f *Frame) bool { return true }}
	tbl.InstallHardware(44, h)

	if err := tbl.RemapInterrupt(44, 45, IPLTimer); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if tbl.ChainLen(44) != 0 || tbl.ChainLen(45) != 1 {
		t.Fatalf("chainLen(44)=%d chainLen(45)=%d", tbl.ChainLen(44), tbl.ChainLen(45))
	}
	if ctrl.steered[5] != 45 {
		t.Fatalf("steered[5] = %d, want 45", ctrl.steered[5])
	}
}
