package vpn

import (
	"sync"
	"time"
)

// PollState is the adaptive timing parameters of a PollEngine: the engine
// collapses its interval to MinInterval the instant any channel reports
// activity, then backs off linearly by Increment on every idle tick until
// it saturates at MaxInterval.
//
// The bounds are constructor parameters rather than compile-time constants
// so tests can exercise the backoff curve on a compressed timescale.
type PollState struct {
	CurrentInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	Increment       time.Duration
}

// DefaultPollState is the engine's default tuning: a 100-microsecond
// floor, a 1-millisecond ceiling, and 100-microsecond backoff steps.
func DefaultPollState() PollState {
	return PollState{
		CurrentInterval: 100 * time.Microsecond,
		MinInterval:     100 * time.Microsecond,
		MaxInterval:     1 * time.Millisecond,
		Increment:       100 * time.Microsecond,
	}
}

// onActivity collapses the interval to the floor.
func (s *PollState) onActivity() {
	s.CurrentInterval = s.MinInterval
}

// onIdle grows the interval by Increment, saturating at MaxInterval.
func (s *PollState) onIdle() {
	s.CurrentInterval += s.Increment
	if s.CurrentInterval > s.MaxInterval {
		s.CurrentInterval = s.MaxInterval
	}
}

// PollEngine drives a node's transport-drain cadence. Each tick it invokes
// the supplied tick function; the tick function reports back whether it
// observed any activity, and the engine adjusts PollState accordingly
// before rescheduling itself.
//
// A PollEngine owns no transport or bridge state directly: it is a bare
// adaptive timer, reusable by anything that needs a drain loop with this
// backoff shape.
type PollEngine struct {
	state PollState
	tick  func() (active bool)

	mu      sync.Mutex
	timer   *time.Timer
	stop    chan struct{}
	stopped bool

	// inFlight counts timer arms that have been scheduled but whose run()
	// invocation has not yet returned. It is incremented before a timer is
	// armed (Start, and the Reset at the end of run) and decremented when
	// the corresponding run() returns, or by Stop when cancelling the timer
	// prevents that run() from ever starting, so Stop can wait out a
	// callback that is already executing when it's called.
	inFlight sync.WaitGroup
}

// NewPollEngine constructs an engine with the given initial state and tick
// callback. tick is invoked from the engine's own goroutine; it must not
// block indefinitely, since the next schedule only happens after it
// returns.
func NewPollEngine(state PollState, tick func() bool) *PollEngine {
	return &PollEngine{
		state: state,
		tick:  tick,
		stop:  make(chan struct{}),
	}
}

// Start begins the poll loop on a new goroutine. Calling Start more than
// once has no effect beyond the first call.
func (e *PollEngine) Start() {
	e.mu.Lock()
	if e.timer != nil {
		e.mu.Unlock()
		return
	}
	e.inFlight.Add(1)
	e.timer = time.AfterFunc(e.state.CurrentInterval, e.run)
	e.mu.Unlock()
}

func (e *PollEngine) run() {
	defer e.inFlight.Done()

	select {
	case <-e.stop:
		return
	default:
	}

	active := e.tick()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if active {
		e.state.onActivity()
	} else {
		e.state.onIdle()
	}
	e.inFlight.Add(1)
	e.timer.Reset(e.state.CurrentInterval)
	e.mu.Unlock()
}

// Stop halts the poll loop. It blocks until any tick already in progress
// has returned, so no tick fires after Stop returns. It is safe to call
// more than once.
func (e *PollEngine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	if e.timer != nil && e.timer.Stop() {
		// The pending run() was cancelled before it fired, so its deferred
		// Done will never happen; balance its arm here.
		e.inFlight.Done()
	}
	e.mu.Unlock()

	e.inFlight.Wait()
}

// Interval returns the engine's current poll interval.
func (e *PollEngine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.CurrentInterval
}
