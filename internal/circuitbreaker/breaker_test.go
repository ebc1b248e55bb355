package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	return New(threshold, cooldown).WithClock(c.now), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, c := newBreaker(3, time.Minute)

	b.RecordFailure("orders")
	b.RecordFailure("orders")
	assert.True(t, b.Allow("orders"))

	b.RecordFailure("orders")
	assert.False(t, b.Allow("orders"))

	snap := b.Snapshot("orders")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.Failures)
	assert.Equal(t, c.now().Add(time.Minute), snap.RetryAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(openGauge.WithLabelValues("orders")))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newBreaker(2, time.Minute)
	b.RecordFailure("probe")
	b.RecordFailure("probe")

	c.advance(59 * time.Second)
	assert.False(t, b.Allow("probe"))

	c.advance(time.Second)
	assert.True(t, b.Allow("probe"), "cooldown elapsed admits one probe")
	assert.Equal(t, StateHalfOpen, b.State("probe"))
	assert.False(t, b.Allow("probe"), "second caller waits for the probe")

	b.RecordSuccess("probe")
	assert.Equal(t, StateClosed, b.State("probe"))
	assert.True(t, b.Allow("probe"))
	assert.Equal(t, 0.0, testutil.ToFloat64(openGauge.WithLabelValues("probe")))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newBreaker(2, time.Minute)
	b.RecordFailure("reopen")
	b.RecordFailure("reopen")
	c.advance(time.Minute)
	require.True(t, b.Allow("reopen"))

	b.RecordFailure("reopen")
	assert.Equal(t, StateOpen, b.State("reopen"))
	assert.Equal(t, c.now().Add(time.Minute), b.Snapshot("reopen").RetryAt)
	assert.False(t, b.Allow("reopen"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	b.RecordFailure("orders")

	assert.False(t, b.Allow("orders"))
	assert.True(t, b.Allow("stripe"))
	assert.Equal(t, Snapshot{State: StateClosed}, b.Snapshot("unknown"))
}

func TestExecute(t *testing.T) {
	b, _ := newBreaker(2, time.Minute)
	upstream := errors.New("503 from gateway")
	badRequest := errors.New("400 from gateway")
	countable := func(err error) bool { return err == upstream }

	// Caller errors never trip the circuit.
	for i := 0; i < 5; i++ {
		err := b.Execute("exec", countable, func() error { return badRequest })
		require.ErrorIs(t, err, badRequest)
	}
	assert.Equal(t, StateClosed, b.State("exec"))

	_ = b.Execute("exec", countable, func() error { return upstream })
	_ = b.Execute("exec", countable, func() error { return upstream })

	called := false
	err := b.Execute("exec", countable, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "fn must not run while open")
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b, _ := newBreaker(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("busy")
			b.Allow("busy")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Snapshot("busy").Failures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
