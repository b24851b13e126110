package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/api"
	"github.com/shiftly/dispatch/internal/dispatch/events"
	"github.com/shiftly/dispatch/internal/dispatch/offer"
)

var (
	// ErrUnknownJob is returned for operations on a job the manager does not
	// hold state for.
	ErrUnknownJob = errors.New("unknown job")
	// ErrAlreadyDecided is returned when a decision was already dispatched
	// for the offer, manually or by the auto-decline timer.
	ErrAlreadyDecided = errors.New("decision already submitted for this offer")
	// ErrNotRatable is returned when a rating is submitted before payment
	// has settled.
	ErrNotRatable = errors.New("rating requires settled payment")
)

// submitTimeout bounds fire-and-forget decision submissions such as the
// timer-triggered auto-decline.
const submitTimeout = 10 * time.Second

// Identity names the local actor for event targeting. Targeted updates match
// either the actor ID or the display name.
type Identity struct {
	ActorID     uuid.UUID
	DisplayName string
}

// Backend is what the manager needs from the coordination backend's
// request/response surface.
type Backend interface {
	AcceptJob(ctx context.Context, jobID uuid.UUID) (api.Decision, error)
	DeclineJob(ctx context.Context, jobID uuid.UUID) (api.Decision, error)
	RateJob(ctx context.Context, jobID uuid.UUID, stars int, feedback string) error
	JobState(ctx context.Context, jobID uuid.UUID) (events.JobUpdatedPayload, error)
}

// Gate is the presence tracker's gate. The manager is its single writer; UI
// code and raw channel events never set it directly.
type Gate interface {
	SetGate(open bool)
}

// Manager owns the lifecycle machines for every job the local actor cares
// about. It consumes channel events and user actions, produces state
// transitions, and drives the presence gate and the UI transition stream.
type Manager struct {
	identity Identity
	backend  Backend
	timers   *offer.Timer
	gate     Gate

	mu       sync.Mutex
	machines map[uuid.UUID]*Machine
	offers   map[uuid.UUID]offer.Offer
	handles  map[uuid.UUID]*offer.Handle

	transitionsCh chan Transition
}

// NewManager creates a lifecycle manager for one actor. gate may be nil when
// the actor never reports presence (contractor-side agents).
func NewManager(identity Identity, backend Backend, timers *offer.Timer, gate Gate) *Manager {
	return &Manager{
		identity:      identity,
		backend:       backend,
		timers:        timers,
		gate:          gate,
		machines:      make(map[uuid.UUID]*Machine),
		offers:        make(map[uuid.UUID]offer.Offer),
		handles:       make(map[uuid.UUID]*offer.Handle),
		transitionsCh: make(chan Transition, 256),
	}
}

// Transitions is the stream of observed phase changes for the UI layer. The
// UI subscribes but never drives transitions.
func (m *Manager) Transitions() <-chan Transition {
	return m.transitionsCh
}

// HandleEnvelope routes one channel event. Malformed events and events not
// addressed to the local actor are dropped silently.
func (m *Manager) HandleEnvelope(env events.Envelope) {
	payload, err := events.ParsePayload(env)
	if err != nil {
		log.Debug().Err(err).Str("event", string(env.Type)).Msg("dropping malformed event")
		return
	}

	switch p := payload.(type) {
	case events.JobOfferPayload:
		m.handleOffer(p)
	case events.JobUpdatedPayload:
		m.handleUpdated(p)
	case events.JobCancelledPayload:
		m.handleCancelled(p)
	default:
		log.Debug().Str("event", string(env.Type)).Msg("dropping unrecognized event")
	}
}

func (m *Manager) handleOffer(p events.JobOfferPayload) {
	off, err := offer.FromPayload(p)
	if err != nil {
		log.Debug().Err(err).Str("job_id", p.JobID).Msg("dropping offer with bad identifiers")
		return
	}
	if off.CandidateID != m.identity.ActorID {
		log.Debug().Str("job_id", p.JobID).Msg("dropping offer addressed to another candidate")
		return
	}

	m.mu.Lock()
	if _, exists := m.machines[off.JobID]; exists {
		// One offer per job per candidate; a duplicate is a replay.
		m.mu.Unlock()
		return
	}
	mac := NewOffered(off.JobID, m.identity.ActorID)
	m.machines[off.JobID] = mac
	m.offers[off.JobID] = off
	m.handles[off.JobID] = m.timers.Start(off.JobID, off.DecisionWindow, m.autoDecline)
	m.mu.Unlock()

	log.Info().
		Str("job_id", off.JobID.String()).
		Str("title", off.Title).
		Int64("amount", off.Amount).
		Dur("window", off.DecisionWindow).
		Msg("offer received")

	m.emit(Transition{JobID: off.JobID, To: PhaseOffered, At: time.Now().UTC()})
}

// autoDecline fires from the offer timer. The decision claim is checked
// before anything else: if a manual accept already claimed, the expiry is a
// no-op and the in-flight request's outcome stands.
func (m *Manager) autoDecline(jobID uuid.UUID) {
	mac := m.machine(jobID)
	if mac == nil {
		return
	}
	if !mac.TryClaimDecision() {
		log.Debug().Str("job_id", jobID.String()).Msg("offer window elapsed after decision dispatch; ignoring")
		return
	}

	transitions := mac.ApplyDeclined()
	m.afterMutation(jobID, transitions)
	log.Info().Str("job_id", jobID.String()).Msg("offer window elapsed; auto-declining")

	// The local transition is already applied; the submission only informs
	// the coordinator and its result never retriggers state.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if _, err := m.backend.DeclineJob(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID.String()).Msg("auto-decline submission failed")
		}
	}()
}

// Accept submits a manual accept for an offered job. The decision claim is
// taken before network I/O begins, so a timer firing mid-request loses the
// race deterministically.
func (m *Manager) Accept(ctx context.Context, jobID uuid.UUID) error {
	mac := m.machine(jobID)
	if mac == nil {
		return ErrUnknownJob
	}
	if mac.State().Phase != PhaseOffered {
		return api.ErrJobTaken
	}
	if !mac.TryClaimDecision() {
		return ErrAlreadyDecided
	}
	m.cancelTimer(jobID)

	decision, err := m.backend.AcceptJob(ctx, jobID)
	switch {
	case errors.Is(err, api.ErrJobTaken):
		m.afterMutation(jobID, mac.ApplyExpired())
		return api.ErrJobTaken
	case err != nil:
		// Transport failure after dispatch: the resolution event remains the
		// authority for whether the accept landed.
		return fmt.Errorf("submit accept: %w", err)
	case !decision.Success:
		m.afterMutation(jobID, mac.ApplyExpired())
		if decision.Message != "" {
			return fmt.Errorf("%s: %w", decision.Message, api.ErrJobTaken)
		}
		return api.ErrJobTaken
	}

	m.afterMutation(jobID, mac.ApplyResolved(m.identity.ActorID))
	log.Info().Str("job_id", jobID.String()).Msg("accept confirmed")
	return nil
}

// Decline submits a manual decline for an offered job.
func (m *Manager) Decline(ctx context.Context, jobID uuid.UUID) error {
	mac := m.machine(jobID)
	if mac == nil {
		return ErrUnknownJob
	}
	if mac.State().Phase != PhaseOffered {
		return api.ErrJobTaken
	}
	if !mac.TryClaimDecision() {
		return ErrAlreadyDecided
	}
	m.cancelTimer(jobID)
	m.afterMutation(jobID, mac.ApplyDeclined())

	if _, err := m.backend.DeclineJob(ctx, jobID); err != nil {
		return fmt.Errorf("submit decline: %w", err)
	}
	return nil
}

// Rate submits a rating for a paid job. One-way, no reversal.
func (m *Manager) Rate(ctx context.Context, jobID uuid.UUID, stars int, feedback string) error {
	mac := m.machine(jobID)
	if mac == nil {
		return ErrUnknownJob
	}
	if mac.State().Phase != PhasePaid {
		return ErrNotRatable
	}

	if err := m.backend.RateJob(ctx, jobID, stars, feedback); err != nil {
		return fmt.Errorf("submit rating: %w", err)
	}
	m.afterMutation(jobID, mac.ApplyRating(Rating{Stars: stars, Feedback: feedback}))
	return nil
}

// TrackPosted registers a mirror machine for a job the actor posted, so
// worker-side attendance and payment events keep the contractor's display
// consistent.
func (m *Manager) TrackPosted(jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.machines[jobID]; exists {
		return
	}
	m.machines[jobID] = NewPosted(jobID, m.identity.ActorID)
}

func (m *Manager) handleUpdated(p events.JobUpdatedPayload) {
	if p.TargetedUpdate && !m.targetsLocalActor(p.TargetedFor) {
		log.Debug().Str("job_id", p.JobID).Msg("dropping update targeted at other actors")
		return
	}

	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		log.Debug().Str("job_id", p.JobID).Msg("dropping update without a recognized job id")
		return
	}
	mac := m.machine(jobID)
	if mac == nil {
		log.Debug().Str("job_id", p.JobID).Msg("dropping update for untracked job")
		return
	}

	m.afterMutation(jobID, mac.ApplySnapshot(p))
}

func (m *Manager) handleCancelled(p events.JobCancelledPayload) {
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		log.Debug().Str("job_id", p.JobID).Msg("dropping cancellation without a recognized job id")
		return
	}
	mac := m.machine(jobID)
	if mac == nil {
		return
	}

	transitions := mac.ApplyCancelled()
	if len(transitions) > 0 {
		log.Info().Str("job_id", jobID.String()).Msg("job cancelled by contractor")
	}
	m.afterMutation(jobID, transitions)
}

// Resync re-fetches the state snapshot for every non-terminal job. Called
// after a reconnect: channel delivery across the disconnect window is
// unspecified, so the gap is closed by an explicit point-in-time fetch
// rather than event replay.
func (m *Manager) Resync(ctx context.Context) {
	m.mu.Lock()
	var pending []uuid.UUID
	for jobID, mac := range m.machines {
		if !mac.State().Phase.Terminal() {
			pending = append(pending, jobID)
		}
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Info().Int("jobs", len(pending)).Msg("re-syncing non-terminal jobs after reconnect")

	for _, jobID := range pending {
		snapshot, err := m.backend.JobState(ctx, jobID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", jobID.String()).Msg("job state re-fetch failed")
			continue
		}
		if mac := m.machine(jobID); mac != nil {
			m.afterMutation(jobID, mac.ApplySnapshot(snapshot))
		}
	}
}

// CurrentState returns the lifecycle snapshot for a tracked job.
func (m *Manager) CurrentState(jobID uuid.UUID) (State, bool) {
	mac := m.machine(jobID)
	if mac == nil {
		return State{}, false
	}
	return mac.State(), true
}

// Offer returns the immutable offer details for a tracked job.
func (m *Manager) Offer(jobID uuid.UUID) (offer.Offer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offers[jobID]
	return off, ok
}

// SecondsRemaining reports the countdown left on an active offer timer, for
// UI rendering. Zero once a decision is made or the offer is moot.
func (m *Manager) SecondsRemaining(jobID uuid.UUID) int {
	m.mu.Lock()
	handle := m.handles[jobID]
	m.mu.Unlock()
	if handle == nil {
		return 0
	}
	return int(handle.Remaining() / time.Second)
}

// Evict removes a terminal job from memory. Returns false while the job can
// still transition.
func (m *Manager) Evict(jobID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mac, ok := m.machines[jobID]
	if !ok {
		return false
	}
	if !mac.State().Phase.Terminal() {
		return false
	}
	delete(m.machines, jobID)
	delete(m.offers, jobID)
	delete(m.handles, jobID)
	return true
}

// Close tears down all machines on actor logout. Started timers are
// cancelled rather than left to fire into a void.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, handle := range m.handles {
		handle.Cancel()
	}
	m.machines = make(map[uuid.UUID]*Machine)
	m.offers = make(map[uuid.UUID]offer.Offer)
	m.handles = make(map[uuid.UUID]*offer.Handle)
	m.mu.Unlock()

	if m.gate != nil {
		m.gate.SetGate(false)
	}
}

func (m *Manager) machine(jobID uuid.UUID) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machines[jobID]
}

func (m *Manager) targetsLocalActor(targets []string) bool {
	for _, target := range targets {
		if target == m.identity.ActorID.String() || (m.identity.DisplayName != "" && target == m.identity.DisplayName) {
			return true
		}
	}
	return false
}

func (m *Manager) cancelTimer(jobID uuid.UUID) {
	m.mu.Lock()
	handle := m.handles[jobID]
	delete(m.handles, jobID)
	m.mu.Unlock()
	handle.Cancel()
}

// afterMutation runs the bookkeeping every state change shares: moot offer
// timers are cancelled, the presence gate is re-evaluated, and transitions
// are published to the UI stream.
func (m *Manager) afterMutation(jobID uuid.UUID, transitions []Transition) {
	if len(transitions) == 0 {
		return
	}

	if mac := m.machine(jobID); mac != nil && mac.State().Phase != PhaseOffered {
		m.cancelTimer(jobID)
	}
	m.refreshGate()

	for _, tr := range transitions {
		m.emit(tr)
	}
}

func (m *Manager) refreshGate() {
	if m.gate == nil {
		return
	}

	m.mu.Lock()
	open := false
	for _, mac := range m.machines {
		if mac.GateOpen() {
			open = true
			break
		}
	}
	m.mu.Unlock()

	m.gate.SetGate(open)
}

func (m *Manager) emit(tr Transition) {
	select {
	case m.transitionsCh <- tr:
	default:
		log.Warn().Str("job_id", tr.JobID.String()).Msg("transition stream full, dropping update")
	}
}
