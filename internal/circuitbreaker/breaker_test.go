package circuitbreaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/circuitbreaker"
)

var errUpstream = errors.New("upstream 503")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	b := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Now:              clock.Now,
		OnStateChange: func(from, to circuitbreaker.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	fail := func() error { return errUpstream }
	ok := func() error { return nil }

	require.ErrorIs(t, b.Execute(fail), errUpstream)
	require.ErrorIs(t, b.Execute(fail), errUpstream)
	assert.Equal(t, circuitbreaker.StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.False(t, called)

	clock.now = clock.now.Add(time.Minute)
	require.NoError(t, b.Execute(ok))
	assert.Equal(t, circuitbreaker.StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	t.Parallel()

	notFound := errors.New("404")
	b := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, notFound) },
	})

	for range 3 {
		require.ErrorIs(t, b.Execute(func() error { return notFound }), notFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(0, 0)}
	b := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Second, Now: clock.Now})

	_ = b.Execute(func() error { return errUpstream })
	clock.now = clock.now.Add(2 * time.Second)
	_ = b.Execute(func() error { return errUpstream })

	assert.Equal(t, circuitbreaker.StateOpen, b.State())

	b.Reset()
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}
