package offer

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Timer starts per-offer countdowns. The countdown is a client-side UX
// deadline only; a server-sent resolution is always authoritative and must
// cancel the local handle.
type Timer struct {
	clock clockwork.Clock
}

// NewTimer creates a Timer factory. In production pass
// clockwork.NewRealClock(); tests pass a FakeClock.
func NewTimer(clock clockwork.Clock) *Timer {
	return &Timer{clock: clock}
}

// Handle is one started countdown. Exactly one of onExpire or Cancel takes
// effect per handle, never both and never neither.
type Handle struct {
	jobID    uuid.UUID
	clock    clockwork.Clock
	deadline time.Time
	settled  atomic.Bool
	cancelCh chan struct{}
}

// Start begins a countdown for jobID and invokes onExpire from its own
// goroutine if no Cancel arrives within d.
func (t *Timer) Start(jobID uuid.UUID, d time.Duration, onExpire func(jobID uuid.UUID)) *Handle {
	h := &Handle{
		jobID:    jobID,
		clock:    t.clock,
		deadline: t.clock.Now().Add(d),
		cancelCh: make(chan struct{}),
	}

	timer := t.clock.NewTimer(d)
	go func() {
		select {
		case <-timer.Chan():
			if h.settled.CompareAndSwap(false, true) {
				log.Debug().Str("job_id", jobID.String()).Msg("offer timer expired")
				onExpire(jobID)
			}
		case <-h.cancelCh:
			stopAndDrainTimer(timer)
		}
	}()

	log.Debug().
		Str("job_id", jobID.String()).
		Dur("window", d).
		Msg("offer timer started")

	return h
}

// Cancel settles the handle without firing. Safe to call multiple times and
// after the timer has already fired; both are no-ops.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	if h.settled.CompareAndSwap(false, true) {
		close(h.cancelCh)
		log.Debug().Str("job_id", h.jobID.String()).Msg("offer timer cancelled")
	}
}

// Remaining reports the time left on the countdown, clamped at zero. Used by
// the UI layer to render the secondsRemaining countdown.
func (h *Handle) Remaining() time.Duration {
	if h == nil || h.settled.Load() {
		return 0
	}
	remaining := h.deadline.Sub(h.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// stopAndDrainTimer safely stops a timer and drains its channel so the
// goroutine that owns it never leaks a pending tick.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
