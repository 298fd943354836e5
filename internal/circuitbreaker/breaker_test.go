package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute("llm", func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, b.State("llm"))
	assert.ErrorIs(t, b.Execute("llm", func() error { return nil }), ErrOpen)

	// Other keys are independent.
	assert.Equal(t, StateClosed, b.State("other"))
	assert.NoError(t, b.Execute("other", func() error { return nil }))
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := New(2, time.Minute)
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(1, 30*time.Second, WithClock(c.now))

	b.RecordFailure("k")
	assert.False(t, b.Allow("k"))

	c.t = c.t.Add(31 * time.Second)
	assert.True(t, b.Allow("k"), "one probe after cool-off")
	assert.Equal(t, StateHalfOpen, b.State("k"))
	assert.False(t, b.Allow("k"), "only one probe at a time")

	b.RecordSuccess("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(1, 30*time.Second, WithClock(c.now))

	b.RecordFailure("k")
	c.t = c.t.Add(time.Minute)
	assert.True(t, b.Allow("k"))
	b.RecordFailure("k")
	assert.Equal(t, StateOpen, b.State("k"))
	assert.False(t, b.Allow("k"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
