// Package timer implements the per-CPU timer-event scheduler (spec
// §4.7): a deadline-ordered event list driven by a hardware clock
// abstraction, grounded on the teacher's small locked-counter idiom
// (accnt.Accnt_t) but generalized to an ordered event list.
package timer

import (
	"sync"

	"nexke/src/kernel"
)

// Flags for Reg.
const (
	RegDereg    = 1 << 0 // deregister an existing registration before inserting
	RegPeriodic = 1 << 1 // re-arm with the same delta after every expiry
)

// HWClock abstracts the hardware deadline timer. SOFT-typed clocks
// never fire an interrupt on their own; the expiry handler must poll
// them (spec §4.7, §5 "NkPoll").
type HWClock interface {
	Now() uint64
	Arm(delta uint64)
	IsSoft() bool
}

// Cb is a callback-kind payload.
type Cb func(arg interface{})

// WaitObject is the subset of a wait-object the timeout path needs.
type WaitObject interface {
	WakeTimeout()
}

type payloadKind int

const (
	payloadNone payloadKind = iota
	payloadCb
	payloadWake
)

// Event is one armed timer registration (spec §3).
type Event struct {
	mu sync.Mutex

	deadline uint64
	delta    uint64
	periodic bool
	inList   bool

	kind    payloadKind
	cb      Cb
	cbArg   interface{}
	waitObj WaitObject

	next, prev *Event
}

// Scheduler is one per-CPU deadline-ordered event list (spec §4.7,
// §5: "per-CPU event-list lock > per-event lock").
type Scheduler struct {
	mu    sync.Mutex
	head  *Event
	clock HWClock
}

// NewScheduler builds a scheduler driven by clock.
func NewScheduler(clock HWClock) *Scheduler {
	return &Scheduler{clock: clock}
}

// insert threads e into the deadline-sorted list. Caller holds s.mu.
func (s *Scheduler) insert(e *Event) bool {
	becameHead := false
	if s.head == nil || e.deadline < s.head.deadline {
		e.next = s.head
		if s.head != nil {
			s.head.prev = e
		}
		s.head = e
		e.prev = nil
		becameHead = true
	} else {
		cur := s.head
		for cur.next != nil && cur.next.deadline <= e.deadline {
			cur = cur.next
		}
		e.next = cur.next
		if cur.next != nil {
			cur.next.prev = e
		}
		cur.next = e
		e.prev = cur
	}
	e.inList = true
	return becameHead
}

// remove unlinks e from the list. Caller holds s.mu.
func (s *Scheduler) remove(e *Event) {
	if !e.inList {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.next, e.prev = nil, nil
	e.inList = false
}

// Reg registers event to fire after delta ticks (spec §4.7). A delta
// of 0 is bumped to 1 so the deadline always strictly advances. If the
// event is already registered, Reg rejects the call unless RegDereg is
// set, in which case the existing registration is removed first.
func (s *Scheduler) Reg(e *Event, delta uint64, flags int) *kernel.Error {
	if delta == 0 {
		delta = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.mu.Lock()
	already := e.inList
	e.mu.Unlock()

	if already {
		if flags&RegDereg == 0 {
			return kernel.New(kernel.ErrExists, "timer event already registered")
		}
		s.remove(e)
	}

	e.mu.Lock()
	e.delta = delta
	e.deadline = s.clock.Now() + delta
	e.periodic = flags&RegPeriodic != 0
	e.mu.Unlock()

	if s.insert(e) && !s.clock.IsSoft() {
		s.clock.Arm(delta)
	}
	return nil
}

// Dereg removes event from the schedule. Idempotent against an event
// that already expired and was removed by the expiry handler.
func (s *Scheduler) Dereg(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasHead := s.head == e
	s.remove(e)

	if wasHead && !s.clock.IsSoft() {
		if s.head == nil {
			s.clock.Arm(0)
		} else {
			now := s.clock.Now()
			remaining := uint64(0)
			if s.head.deadline > now {
				remaining = s.head.deadline - now
			}
			s.clock.Arm(remaining)
		}
	}
}

// SetCb selects the callback payload for event.
func (e *Event) SetCb(cb Cb, arg interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind = payloadCb
	e.cb = cb
	e.cbArg = arg
}

// SetWake selects the wait-object payload for event.
func (e *Event) SetWake(w WaitObject) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind = payloadWake
	e.waitObj = w
}

// fire invokes event's payload once it has expired.
func (e *Event) fire() {
	e.mu.Lock()
	kind, cb, cbArg, wait := e.kind, e.cb, e.cbArg, e.waitObj
	e.mu.Unlock()

	switch kind {
	case payloadCb:
		if cb != nil {
			cb(cbArg)
		}
	case payloadWake:
		if wait != nil {
			wait.WakeTimeout()
		}
	}
}

// Expire is invoked from the timer interrupt (or, for a SOFT clock,
// from a polling loop). It removes and fires every event whose
// deadline equals the current head's deadline, batching ties, then
// re-arms the hardware timer for the new head (spec §4.7).
func (s *Scheduler) Expire() {
	s.mu.Lock()

	if s.head == nil {
		s.mu.Unlock()
		return
	}
	target := s.head.deadline

	var fired []*Event
	for s.head != nil && s.head.deadline == target {
		e := s.head
		s.remove(e)
		fired = append(fired, e)
	}

	var reinsert []*Event
	for _, e := range fired {
		e.mu.Lock()
		periodic, delta := e.periodic, e.delta
		e.mu.Unlock()
		if periodic {
			e.mu.Lock()
			e.deadline = target + delta
			e.mu.Unlock()
			reinsert = append(reinsert, e)
		}
	}
	for _, e := range reinsert {
		s.insert(e)
	}

	if !s.clock.IsSoft() {
		if s.head != nil {
			now := s.clock.Now()
			remaining := uint64(0)
			if s.head.deadline > now {
				remaining = s.head.deadline - now
			}
			s.clock.Arm(remaining)
		}
	}
	s.mu.Unlock()

	for _, e := range fired {
		e.fire()
	}
}

// Deadlines returns the current list's deadlines in order, for tests
// and diagnostics.
func (s *Scheduler) Deadlines() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for e := s.head; e != nil; e = e.next {
		out = append(out, e.deadline)
	}
	return out
}
