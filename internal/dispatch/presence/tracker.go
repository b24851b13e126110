package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is the sampling cadence while the gate is open.
const DefaultInterval = 30 * time.Second

// sampleTimeout bounds one locate-and-report cycle.
const sampleTimeout = 10 * time.Second

// Sample is one ephemeral location report. Nothing is persisted; the tracker
// holds only the most recent sample.
type Sample struct {
	ActorID    uuid.UUID
	Lat        float64
	Lon        float64
	CapturedAt time.Time
}

// Source provides the actor's current location.
type Source interface {
	Locate(ctx context.Context) (lat, lon float64, err error)
}

// Sink delivers samples to the backend.
type Sink interface {
	Report(ctx context.Context, sample Sample) error
}

// Tracker emits one location sample per interval while its gate is open. The
// gate is computed by the lifecycle manager; nothing else starts or stops the
// underlying ticker.
type Tracker struct {
	actorID  uuid.UUID
	clock    clockwork.Clock
	interval time.Duration
	source   Source
	sink     Sink

	mu     sync.Mutex
	open   bool
	stopCh chan struct{}
	last   *Sample
}

// NewTracker creates a tracker with a closed gate. interval <= 0 falls back
// to DefaultInterval.
func NewTracker(actorID uuid.UUID, clock clockwork.Clock, interval time.Duration, source Source, sink Sink) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		actorID:  actorID,
		clock:    clock,
		interval: interval,
		source:   source,
		sink:     sink,
	}
}

// SetGate opens or closes the sampling gate. Idempotent: opening an open
// gate is a no-op rather than a restart, so redundant lifecycle events never
// drift the sampling interval.
func (t *Tracker) SetGate(open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if open == t.open {
		return
	}
	t.open = open

	if open {
		t.stopCh = make(chan struct{})
		go t.run(t.stopCh)
		log.Info().Str("actor_id", t.actorID.String()).Msg("presence gate opened")
		return
	}

	close(t.stopCh)
	t.stopCh = nil
	log.Info().Str("actor_id", t.actorID.String()).Msg("presence gate closed")
}

// GateOpen reports whether the tracker is currently sampling.
func (t *Tracker) GateOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Last returns the most recent sample, if any has been captured.
func (t *Tracker) Last() (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Sample{}, false
	}
	return *t.last, true
}

// run emits the first sample immediately on gate-open, so the first status
// after acceptance is timely, then one sample per interval until the gate
// closes.
func (t *Tracker) run(stopCh chan struct{}) {
	t.emit()

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			// The gate may have closed while this tick was pending; stop
			// wins over the tick so no sample leaks past close.
			select {
			case <-stopCh:
				return
			default:
			}
			t.emit()
		}
	}
}

func (t *Tracker) emit() {
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	lat, lon, err := t.source.Locate(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("location lookup failed, skipping presence sample")
		return
	}

	sample := Sample{
		ActorID:    t.actorID,
		Lat:        lat,
		Lon:        lon,
		CapturedAt: t.clock.Now(),
	}

	t.mu.Lock()
	t.last = &sample
	t.mu.Unlock()

	if err := t.sink.Report(ctx, sample); err != nil {
		log.Warn().Err(err).Msg("presence report failed")
	}
}
