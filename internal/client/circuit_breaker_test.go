package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(maxFailures, timeout)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	cb, clock := newTestBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "closed circuits allow calls")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "2 failures stay closed")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "open circuits reject calls")

	clock.advance(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe in flight")

	// failed probe reopens
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(150 * time.Millisecond)
	assert.True(t, cb.Allow())

	// successful probe closes
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	cb.Failure()
	cb.Success()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
