package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	lat, lon float64
	err      error
}

func (s *fixedSource) Locate(ctx context.Context) (float64, float64, error) {
	return s.lat, s.lon, s.err
}

type recordingSink struct {
	mu      sync.Mutex
	samples []Sample
}

func (s *recordingSink) Report(ctx context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func (s *recordingSink) all() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

func TestTracker_EmitsImmediatelyOnGateOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	actorID := uuid.New()
	tracker := NewTracker(actorID, clock, 30*time.Second, &fixedSource{lat: 52.52, lon: 13.405}, sink)

	tracker.SetGate(true)

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 5*time.Millisecond)

	sample := sink.all()[0]
	assert.Equal(t, actorID, sample.ActorID)
	assert.Equal(t, 52.52, sample.Lat)
	assert.Equal(t, 13.405, sample.Lon)

	last, ok := tracker.Last()
	require.True(t, ok)
	assert.Equal(t, sample, last)
}

func TestTracker_SamplesPerInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	tracker := NewTracker(uuid.New(), clock, 30*time.Second, &fixedSource{}, sink)

	tracker.SetGate(true)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestTracker_GateIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	tracker := NewTracker(uuid.New(), clock, 30*time.Second, &fixedSource{}, sink)

	tracker.SetGate(true)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	// Re-opening an open gate must not restart sampling.
	tracker.SetGate(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
	assert.True(t, tracker.GateOpen())
}

func TestTracker_GateCloseStopsSampling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	tracker := NewTracker(uuid.New(), clock, 30*time.Second, &fixedSource{}, sink)

	tracker.SetGate(true)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	tracker.SetGate(false)
	assert.False(t, tracker.GateOpen())
	time.Sleep(20 * time.Millisecond)

	clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	// Closing a closed gate is a no-op.
	tracker.SetGate(false)
}

func TestTracker_PendingTickAfterCloseIsDropped(t *testing.T) {
	// A tick can already be queued when the gate closes. The stop signal
	// must win over it: no sample may be emitted once the gate is shut.
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	tracker := NewTracker(uuid.New(), clock, 30*time.Second, &fixedSource{}, sink)

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		tracker.run(stopCh)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	clock.BlockUntil(1)

	// Stop and deliver a tick in the same breath; the loop sees both ready.
	close(stopCh)
	clock.Advance(30 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampling loop never stopped")
	}
	assert.Equal(t, 1, sink.count())
}

func TestTracker_ClosedGateNeverSamples(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	tracker := NewTracker(uuid.New(), clock, 30*time.Second, &fixedSource{}, sink)

	clock.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	_, ok := tracker.Last()
	assert.False(t, ok)
}

func TestTracker_LocationFailureSkipsSample(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	source := &fixedSource{err: errors.New("gps unavailable")}
	tracker := NewTracker(uuid.New(), clock, 30*time.Second, source, sink)

	tracker.SetGate(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	_, ok := tracker.Last()
	assert.False(t, ok)
}
