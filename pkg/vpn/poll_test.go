package vpn

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollStateOnActivityCollapsesToMin(t *testing.T) {
	s := PollState{
		CurrentInterval: 800 * time.Microsecond,
		MinInterval:     100 * time.Microsecond,
		MaxInterval:     1000 * time.Microsecond,
		Increment:       100 * time.Microsecond,
	}
	s.onActivity()
	assert.Equal(t, s.MinInterval, s.CurrentInterval)
}

func TestPollStateOnIdleSaturatesAtMax(t *testing.T) {
	s := PollState{
		CurrentInterval: 1000 * time.Microsecond,
		MinInterval:     100 * time.Microsecond,
		MaxInterval:     1000 * time.Microsecond,
		Increment:       100 * time.Microsecond,
	}
	s.onIdle()
	assert.Equal(t, s.MaxInterval, s.CurrentInterval)
}

// TestPollStateBackoffAfterTwentyIdleTicks verifies that with min=100us,
// max=1000us, increment=100us, twenty consecutive idle ticks reach
// exactly the ceiling, and one active tick collapses back to min.
func TestPollStateBackoffAfterTwentyIdleTicks(t *testing.T) {
	s := PollState{
		CurrentInterval: 100 * time.Microsecond,
		MinInterval:     100 * time.Microsecond,
		MaxInterval:     1000 * time.Microsecond,
		Increment:       100 * time.Microsecond,
	}
	for i := 0; i < 20; i++ {
		s.onIdle()
	}
	assert.Equal(t, 1000*time.Microsecond, s.CurrentInterval)

	s.onActivity()
	assert.Equal(t, 100*time.Microsecond, s.CurrentInterval)
}

func TestPollStateStaysWithinBoundsAcrossMixedSequence(t *testing.T) {
	s := PollState{
		CurrentInterval: 100 * time.Microsecond,
		MinInterval:     100 * time.Microsecond,
		MaxInterval:     500 * time.Microsecond,
		Increment:       150 * time.Microsecond,
	}
	activity := []bool{false, false, true, false, false, false, false, true}
	for _, active := range activity {
		if active {
			s.onActivity()
		} else {
			s.onIdle()
		}
		assert.GreaterOrEqual(t, s.CurrentInterval, s.MinInterval)
		assert.LessOrEqual(t, s.CurrentInterval, s.MaxInterval)
	}
}

func TestPollEngineStopJoinsCleanly(t *testing.T) {
	var ticks int32
	var mu sync.Mutex
	stopped := false

	e := NewPollEngine(PollState{
		CurrentInterval: time.Millisecond,
		MinInterval:     time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Increment:       time.Millisecond,
	}, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			t.Error("tick invoked after Stop returned")
		}
		atomic.AddInt32(&ticks, 1)
		return false
	})

	e.Start()
	time.Sleep(20 * time.Millisecond)

	e.Stop()
	mu.Lock()
	stopped = true
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, atomic.LoadInt32(&ticks), int32(0))
}

func TestPollEngineActivityResetsInterval(t *testing.T) {
	active := int32(1)
	e := NewPollEngine(PollState{
		CurrentInterval: time.Millisecond,
		MinInterval:     time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Increment:       time.Millisecond,
	}, func() bool {
		return atomic.LoadInt32(&active) == 1
	})

	e.Start()
	defer e.Stop()
	time.Sleep(15 * time.Millisecond)

	assert.Equal(t, time.Millisecond, e.Interval())
}
