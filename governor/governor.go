package governor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wippyai/wasm-sandbox/clock"
)

// Verdict is the outcome of a checkpoint.
type Verdict uint8

const (
	Continue Verdict = iota
	BudgetExceeded
	DeadlineExceeded
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case BudgetExceeded:
		return "instruction budget exceeded"
	case DeadlineExceeded:
		return "deadline exceeded"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Abort is raised from a checkpoint to unwind guest execution. Host code
// panics with it; the crash boundary recovers it from the call error chain.
type Abort struct {
	Verdict  Verdict
	Consumed uint64
	Tick     uint64
}

func (a *Abort) Error() string {
	return fmt.Sprintf("governor: %s (consumed %d, tick %d)", a.Verdict, a.Consumed, a.Tick)
}

// forced is the deadline value meaning "now". Armed deadlines are always at
// least one tick ahead of a clock that starts at zero, so it never collides.
const forced uint64 = 0

// State is the governor state of one instance. Arm resets it before every
// call and Disarm retires it afterwards.
//
// Checkpoints (Charge, Check) touch only atomics and are called from the
// goroutine running guest code. Interrupt and Charge may also be called from
// other goroutines. The mutex guards arming and the wake channel only and is
// never held while guest code runs.
type State struct {
	clock *clock.Clock

	consumed atomic.Uint64
	deadline atomic.Uint64
	crossed  atomic.Bool

	budget       uint64
	timeoutTicks uint64
	remaining    uint64
	suspensions  int

	mu    sync.Mutex
	gen   uint64
	armed bool
	wake  chan struct{}
	woken bool
}

// New creates an unarmed state bound to c.
func New(c *clock.Clock) *State {
	return &State{clock: c}
}

// Arm resets the state for a new call and returns the call's generation,
// used to scope Interrupt to that call.
func (s *State) Arm(budget uint64, timeout time.Duration) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.armed = true
	s.budget = budget
	s.timeoutTicks = s.clock.Ticks(timeout)
	s.remaining = 0
	s.suspensions = 0
	s.wake = make(chan struct{})
	s.woken = false

	s.consumed.Store(0)
	s.crossed.Store(false)
	s.deadline.Store(s.clock.Now() + max(s.timeoutTicks, 1))
	return s.gen
}

// Disarm ends the current call. Interrupts that arrive afterwards are ignored.
func (s *State) Disarm() {
	s.mu.Lock()
	s.gen++
	s.armed = false
	s.mu.Unlock()
}

// Charge adds cost to the consumed count and evaluates the checkpoint.
// Budget exhaustion takes precedence over the deadline.
func (s *State) Charge(cost uint64) Verdict {
	c := s.consumed.Add(cost)
	if c < cost { // wrapped
		s.consumed.Store(math.MaxUint64)
		c = math.MaxUint64
	}
	if c >= s.budget {
		s.signal()
		return BudgetExceeded
	}
	return s.deadlineVerdict()
}

// Check evaluates the checkpoint without charging.
func (s *State) Check() Verdict {
	if s.consumed.Load() >= s.budget {
		return BudgetExceeded
	}
	return s.deadlineVerdict()
}

func (s *State) deadlineVerdict() Verdict {
	d := s.deadline.Load()
	if d == forced || s.clock.Now() > d {
		return DeadlineExceeded
	}
	return Continue
}

// Abort builds the abort value for v at the current point.
func (s *State) Abort(v Verdict) *Abort {
	return &Abort{Verdict: v, Consumed: s.consumed.Load(), Tick: s.clock.Now()}
}

// Interrupt forces the deadline of call gen to the present. The next
// checkpoint, or a suspended wait, observes DeadlineExceeded.
func (s *State) Interrupt(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed || s.gen != gen {
		return
	}
	s.deadline.Store(forced)
	s.signalLocked()
}

// InterruptCurrent interrupts whatever call is armed, if any.
func (s *State) InterruptCurrent() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.Interrupt(gen)
}

func (s *State) signal() {
	s.mu.Lock()
	s.signalLocked()
	s.mu.Unlock()
}

func (s *State) signalLocked() {
	if s.wake != nil && !s.woken {
		s.woken = true
		close(s.wake)
	}
}

// Suspend pauses the compute deadline for a host operation. Consumed cost is
// kept. It returns the tick after which the suspension itself times out.
func (s *State) Suspend() uint64 {
	now := s.clock.Now()
	d := s.deadline.Load()
	s.remaining = 0
	if d != forced && d > now {
		s.remaining = d - now
	}
	s.crossed.Store(true)
	s.suspensions++
	return now + max(s.timeoutTicks, 1)
}

// Resume re-arms the compute deadline with the ticks left at suspension.
// A deadline forced by Interrupt stays forced.
func (s *State) Resume() {
	d := s.deadline.Load()
	if d == forced {
		return
	}
	s.deadline.CompareAndSwap(d, s.clock.Now()+s.remaining)
}

// Await blocks while a host operation is pending. It returns Continue once
// done is closed, or the verdict that ended the wait: the suspension
// deadline passing, the budget being exhausted by charges made on behalf of
// the operation, or an interrupt.
func (s *State) Await(done <-chan struct{}, until uint64) Verdict {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()

	for {
		select {
		case <-done:
			return Continue
		default:
		}

		tick := s.clock.Changed()
		if s.consumed.Load() >= s.budget {
			return BudgetExceeded
		}
		if s.deadline.Load() == forced || s.clock.Now() > until {
			return DeadlineExceeded
		}

		select {
		case <-done:
			return Continue
		case <-wake:
			// the next iteration reports why
			wake = nil
		case <-tick:
		}
	}
}

// Deadline returns the tick after which the running call times out. It is
// zero once the call has been interrupted.
func (s *State) Deadline() uint64 {
	return s.deadline.Load()
}

// Consumed returns the cost accrued by the current or last call.
func (s *State) Consumed() uint64 {
	return s.consumed.Load()
}

// Crossed reports whether the current or last call suspended at a host boundary.
func (s *State) Crossed() bool {
	return s.crossed.Load()
}

// Suspensions returns how many times the current or last call suspended.
func (s *State) Suspensions() int {
	return s.suspensions
}

// Budget returns the armed instruction budget.
func (s *State) Budget() uint64 {
	return s.budget
}
