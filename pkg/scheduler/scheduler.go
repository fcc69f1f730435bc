// Package scheduler implements the simulator's virtual-time event queue.
//
// Virtual time is a non-negative real number that only advances when the
// [Scheduler] itself decides to advance it. There is no wall-clock waiting
// anywhere in this module: every protocol that needs to wait (ARP pending
// requests, IPv4 reassembly timeouts, ICMP echo timeouts, DHCP retries, STP
// timers) does so through [Scheduler.Once], [Scheduler.Delay], or
// [Scheduler.Repeat].
package scheduler

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// SpeedMode scales link transmission delay and repeat periods.
type SpeedMode int

const (
	// Normal runs the simulation at its natural virtual-time rate.
	Normal SpeedMode = iota

	// Paused disables all transmission; it is modelled as an effectively
	// infinite delay rather than as a frozen clock.
	Paused

	// Slower runs at half the natural rate.
	Slower

	// Faster runs at twice the natural rate.
	Faster
)

// String implements the fmt.Stringer interface for SpeedMode.
func (m SpeedMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Paused:
		return "paused"
	case Slower:
		return "slower"
	case Faster:
		return "faster"
	default:
		return "unknown"
	}
}

// multiplier returns the factor applied to a nominal delay to get the actual
// scheduled delay. Smaller is faster.
func (m SpeedMode) multiplier() float64 {
	switch m {
	case Slower:
		return 2
	case Faster:
		return 0.5
	case Paused, Normal:
		return 1
	default:
		return 1
	}
}

// errNilCallback is returned when a nil callback is scheduled.
const errNilCallback errors.Error = "scheduler: callback must not be nil"

// CancelFunc cancels a pending [Scheduler.Once], [Scheduler.Delay], or
// [Scheduler.Repeat] subscription. It is idempotent: calling it more than
// once, or after the event has already fired, has no effect.
type CancelFunc func()

// event is one entry in the scheduler's priority queue.
type event struct {
	at       float64
	seq      uint64
	repeat   float64 // 0 for one-shot events
	cancel   *atomic.Bool
	callback func()
	index    int
}

// eventQueue implements container/heap.Interface, ordering events by virtual
// time and, for ties, by scheduling order (FIFO)
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}

	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}

func (q *eventQueue) Push(x any) {
	e := x.(*event)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]

	return e
}

// Scheduler is the process-wide virtual-time queue driving the simulation.
// It is not safe for concurrent use: the simulation is single-threaded
// and cooperative
type Scheduler struct {
	queue  eventQueue
	now    float64
	seq    uint64
	speed  SpeedMode
	epoch  time.Time
	inside bool
}

// New creates a new, empty [Scheduler] at virtual time zero, running at
// [Normal] speed. Every test, and every independent simulated network,
// should construct its own Scheduler rather than share a singleton — see
// DESIGN.md for why this module uses an explicit handle instead of a
// package-level global singleton.
func New() *Scheduler {
	return &Scheduler{
		epoch: time.Unix(0, 0).UTC(),
		speed: Normal,
	}
}

// DeltaTime returns the current virtual time, in seconds, since the
// scheduler was created or last [Scheduler.Reset].
func (s *Scheduler) DeltaTime() float64 {
	return s.now
}

// Now implements the github.com/AdguardTeam/golibs/timeutil.Clock interface
// by mapping virtual time onto a fixed epoch. This lets lease-expiry and
// BPDU-aging code written against timeutil.Clock (as dhcpsvc's lease and
// v4 builders are) run unmodified against virtual time.
func (s *Scheduler) Now() time.Time {
	return s.epoch.Add(time.Duration(s.now * float64(time.Second)))
}

// Speed returns the scheduler's current speed mode.
func (s *Scheduler) Speed() SpeedMode {
	return s.speed
}

// SetSpeed changes the scheduler's speed mode. It does not retroactively
// rescale events already in the queue; it only affects delays computed by
// [Scheduler.Delay] and periods passed to future [Scheduler.Repeat] calls
// from this point on.
func (s *Scheduler) SetSpeed(m SpeedMode) {
	s.speed = m
}

// TransmissionFactor returns the multiplier applied to the bytes/speed
// conversion used by pkg/link to compute transmission delay. It is
// mode-dependent; the Slower-mode damped formula itself
// lives in pkg/link since it also needs the frame length, not just the
// mode.
func (s *Scheduler) TransmissionFactor() float64 {
	switch s.speed {
	case Faster:
		return 2
	case Slower:
		return 0.5
	case Paused:
		return 0
	case Normal:
		return 1
	default:
		return 1
	}
}

// Once schedules fn to run after delay virtual seconds and returns a handle
// that cancels it. delay must be non-negative. fn must not be nil.
//
// A delay of zero still defers fn to run after the caller returns: it
// lands at the same virtual time, behind every event already queued for
// that time.
func (s *Scheduler) Once(delay float64, fn func()) CancelFunc {
	return s.schedule(delay, 0, fn)
}

// Delay is a synonym for [Scheduler.Once] used when the caller's delay is a
// nominal duration that should be scaled by the current [SpeedMode], such
// as a link's transmission pacing. In [Paused] mode the delay is not
// scaled and the event fires like one from [Scheduler.Once]; it is
// pkg/link that refuses to transmit while paused.
func (s *Scheduler) Delay(delay float64, fn func()) CancelFunc {
	return s.schedule(delay*s.speed.multiplier(), 0, fn)
}

// Repeat calls fn at virtual times t0+period, t0+2*period, ... until
// cancelled, where t0 is the virtual time Repeat was called. period is
// scaled by the [SpeedMode] in force at that call. period must be
// positive. fn must not be nil.
func (s *Scheduler) Repeat(period float64, fn func()) CancelFunc {
	scaled := period * s.speed.multiplier()

	return s.schedule(scaled, scaled, fn)
}

func (s *Scheduler) schedule(delay, period float64, fn func()) CancelFunc {
	if fn == nil {
		panic(errNilCallback)
	}

	if delay < 0 {
		delay = 0
	}

	cancelled := &atomic.Bool{}
	e := &event{
		at:       s.now + delay,
		seq:      s.nextSeq(),
		repeat:   period,
		cancel:   cancelled,
		callback: fn,
	}
	heap.Push(&s.queue, e)

	return func() { cancelled.Store(true) }
}

func (s *Scheduler) nextSeq() uint64 {
	seq := s.seq
	s.seq++

	return seq
}

// Step pops and runs the single next pending event, advancing virtual time
// to that event's scheduled time. It returns false if the queue is empty.
//
// Step (and RunUntil/RunAll, which are built on it) recurses into Schedule
// calls made by the callback, but never executes a callback re-entrantly:
// the callback runs to completion, and only then is the next event (which
// may be one it just scheduled) popped.
func (s *Scheduler) Step() (ran bool) {
	if len(s.queue) == 0 {
		return false
	}

	e := heap.Pop(&s.queue).(*event)
	s.now = e.at

	if e.cancel.Load() {
		return true
	}

	if e.repeat > 0 {
		next := &event{
			at:       e.at + e.repeat,
			seq:      s.nextSeq(),
			repeat:   e.repeat,
			cancel:   e.cancel,
			callback: e.callback,
		}
		heap.Push(&s.queue, next)
	}

	s.inside = true
	e.callback()
	s.inside = false

	return true
}

// RunUntil runs every event scheduled at or before virtual time t, in
// order, and then advances the clock to exactly t. It is the primary way
// tests and topology drivers make virtual time pass.
func (s *Scheduler) RunUntil(t float64) {
	for len(s.queue) > 0 && s.queue[0].at <= t {
		s.Step()
	}

	if s.now < t {
		s.now = t
	}
}

// RunAll drains every pending event, including ones scheduled by callbacks
// as they run, up to maxSteps events. It panics if maxSteps is exceeded, to
// catch runaway [Scheduler.Repeat] subscriptions in tests — production code
// should use [Scheduler.RunUntil] instead, since a real topology's timers
// repeat forever by design.
func (s *Scheduler) RunAll(maxSteps int) {
	for i := 0; i < maxSteps; i++ {
		if !s.Step() {
			return
		}
	}

	panic("scheduler: RunAll exceeded maxSteps; a Repeat subscription is likely still pending")
}

// Pending returns the number of events currently queued.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Reset discards the queue and all pending subscriptions and resets virtual
// time to zero. It is test-only: production topologies should construct a
// fresh [Scheduler] instead of resetting a shared one.
func (s *Scheduler) Reset() {
	s.queue = nil
	s.now = 0
	s.seq = 0
}
