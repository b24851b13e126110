package offer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_ExpiresExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock)
	jobID := uuid.New()

	fired := make(chan uuid.UUID, 2)
	timer.Start(jobID, 30*time.Second, func(id uuid.UUID) {
		fired <- id
	})

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)

	select {
	case id := <-fired:
		assert.Equal(t, jobID, id)
	case <-time.After(time.Second):
		t.Fatal("expiry callback never fired")
	}

	clock.Advance(time.Minute)
	select {
	case <-fired:
		t.Fatal("expiry fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandle_CancelSuppressesExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock)

	fired := make(chan uuid.UUID, 1)
	h := timer.Start(uuid.New(), 30*time.Second, func(id uuid.UUID) {
		fired <- id
	})

	clock.BlockUntil(1)
	h.Cancel()
	clock.Advance(time.Minute)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandle_CancelIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock)

	h := timer.Start(uuid.New(), 30*time.Second, func(uuid.UUID) {})
	clock.BlockUntil(1)

	h.Cancel()
	h.Cancel()
	h.Cancel()
}

func TestHandle_CancelAfterExpiryIsNoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock)

	fired := make(chan struct{}, 1)
	h := timer.Start(uuid.New(), time.Second, func(uuid.UUID) {
		fired <- struct{}{}
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expiry callback never fired")
	}

	h.Cancel()
}

func TestHandle_Remaining(t *testing.T) {
	clock := clockwork.NewFakeClock()
	timer := NewTimer(clock)

	h := timer.Start(uuid.New(), 30*time.Second, func(uuid.UUID) {})
	clock.BlockUntil(1)

	require.Equal(t, 30*time.Second, h.Remaining())

	clock.Advance(12 * time.Second)
	assert.Equal(t, 18*time.Second, h.Remaining())

	h.Cancel()
	assert.Equal(t, time.Duration(0), h.Remaining())
}

func TestHandle_NilSafe(t *testing.T) {
	var h *Handle
	h.Cancel()
	assert.Equal(t, time.Duration(0), h.Remaining())
}
