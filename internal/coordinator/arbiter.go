package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/events"
	"github.com/shiftly/dispatch/internal/dispatch/lifecycle"
	"github.com/shiftly/dispatch/internal/dispatch/offer"
)

var (
	// ErrUnknownJob is returned for operations on a job the arbiter does not
	// hold.
	ErrUnknownJob = errors.New("unknown job")
	// ErrAlreadyTaken is the definitive rejection for an accept that lost
	// the race.
	ErrAlreadyTaken = errors.New("job already taken")
	// ErrNotCandidate rejects decisions from actors the job was never
	// offered to.
	ErrNotCandidate = errors.New("actor is not a candidate for this job")
	// ErrNotContractor rejects contractor-only operations from other actors.
	ErrNotContractor = errors.New("actor did not post this job")
	// ErrNotCancellable rejects withdrawal once work has started or the job
	// is settled.
	ErrNotCancellable = errors.New("job can no longer be cancelled")
	// ErrNotInProgress rejects attendance calls outside the working window.
	ErrNotInProgress = errors.New("job is not awaiting attendance")
	// ErrNotPayable rejects payment before attendance has a Present call.
	ErrNotPayable = errors.New("job is not awaiting payment")
	// ErrNotRatable rejects ratings before payment has settled.
	ErrNotRatable = errors.New("job payment has not settled")
)

// Publisher fans an event envelope out to a set of actors. Implemented by
// the NATS relay in production and by in-process delivery in tests.
type Publisher interface {
	Publish(targets []uuid.UUID, env events.Envelope) error
}

// DeliverFunc adapts a function to the Publisher interface.
type DeliverFunc func(targets []uuid.UUID, env events.Envelope) error

func (f DeliverFunc) Publish(targets []uuid.UUID, env events.Envelope) error {
	return f(targets, env)
}

// Posting is a contractor's job submission.
type Posting struct {
	JobID          uuid.UUID
	ContractorID   uuid.UUID
	ContractorName string
	Title          string
	Amount         int64
	Lat            float64
	Lon            float64
	Candidates     []uuid.UUID
	DecisionWindow time.Duration
}

type jobRecord struct {
	posting    Posting
	phase      lifecycle.Phase
	acceptedBy uuid.UUID
	attendance lifecycle.Attendance
	payment    lifecycle.Payment
	rating     *lifecycle.Rating
	declined   map[uuid.UUID]bool
	window     *offer.Handle
}

// Arbiter is the dispatch coordinator's single source of truth. Given N
// offers for one job it accepts the first valid accept request, rejects
// every later one with a definitive already-taken error, and publishes
// exactly one resolution to every original candidate and the contractor,
// losers included, even if they never submitted a decision.
type Arbiter struct {
	clock     clockwork.Clock
	timers    *offer.Timer
	publisher Publisher

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobRecord
}

// NewArbiter creates an arbiter publishing through publisher.
func NewArbiter(clock clockwork.Clock, publisher Publisher) *Arbiter {
	return &Arbiter{
		clock:     clock,
		timers:    offer.NewTimer(clock),
		publisher: publisher,
		jobs:      make(map[uuid.UUID]*jobRecord),
	}
}

// PostJob registers a posting, starts the authoritative decision-window
// timer and dispatches one offer per candidate.
func (a *Arbiter) PostJob(p Posting) error {
	if p.JobID == uuid.Nil {
		p.JobID = uuid.New()
	}
	if p.DecisionWindow <= 0 {
		p.DecisionWindow = offer.DefaultDecisionWindow
	}

	rec := &jobRecord{
		posting:    p,
		phase:      lifecycle.PhaseOffered,
		attendance: lifecycle.AttendanceUnmarked,
		payment:    lifecycle.PaymentUnpaid,
		declined:   make(map[uuid.UUID]bool),
	}

	a.mu.Lock()
	if _, exists := a.jobs[p.JobID]; exists {
		a.mu.Unlock()
		return errors.New("job already posted")
	}
	a.jobs[p.JobID] = rec
	rec.window = a.timers.Start(p.JobID, p.DecisionWindow, a.expireJob)
	a.mu.Unlock()

	log.Info().
		Str("job_id", p.JobID.String()).
		Str("title", p.Title).
		Int("candidates", len(p.Candidates)).
		Dur("window", p.DecisionWindow).
		Msg("job posted, dispatching offers")

	issuedAt := a.clock.Now().UTC()
	for _, candidateID := range p.Candidates {
		payload := events.JobOfferPayload{
			JobID:             p.JobID.String(),
			CandidateID:       candidateID.String(),
			Title:             p.Title,
			Amount:            p.Amount,
			PostedByName:      p.ContractorName,
			Lat:               p.Lat,
			Lon:               p.Lon,
			IssuedAt:          issuedAt,
			DecisionWindowSec: int(p.DecisionWindow / time.Second),
		}
		env, err := events.NewEnvelope(events.TypeNewJob, p.JobID.String(), payload)
		if err != nil {
			return err
		}
		if err := a.publisher.Publish([]uuid.UUID{candidateID}, env); err != nil {
			log.Error().Err(err).Str("candidate_id", candidateID.String()).Msg("offer dispatch failed")
		}
	}
	return nil
}

// Accept arbitrates an accept request. The first valid accept wins; the
// resolution fans out to all parties.
func (a *Arbiter) Accept(jobID, candidateID uuid.UUID) error {
	a.mu.Lock()
	rec, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownJob
	}
	if !rec.isCandidate(candidateID) {
		a.mu.Unlock()
		return ErrNotCandidate
	}
	if rec.phase != lifecycle.PhaseOffered {
		a.mu.Unlock()
		return ErrAlreadyTaken
	}

	rec.phase = lifecycle.PhaseAttendancePending
	rec.acceptedBy = candidateID
	window := rec.window
	snapshot := rec.snapshot()
	targets := rec.audience()
	a.mu.Unlock()

	window.Cancel()
	log.Info().
		Str("job_id", jobID.String()).
		Str("winner", candidateID.String()).
		Msg("accept arbitrated, resolving offer")

	return a.publishSnapshot(jobID, snapshot, targets)
}

// Decline records a decline. Once every candidate has declined the job is
// expired immediately rather than waiting out the window.
func (a *Arbiter) Decline(jobID, candidateID uuid.UUID) error {
	a.mu.Lock()
	rec, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownJob
	}
	if !rec.isCandidate(candidateID) {
		a.mu.Unlock()
		return ErrNotCandidate
	}
	if rec.phase != lifecycle.PhaseOffered {
		// Declines that lose the race are harmless duplicates.
		a.mu.Unlock()
		return nil
	}

	rec.declined[candidateID] = true
	allDeclined := len(rec.declined) == len(rec.posting.Candidates)
	a.mu.Unlock()

	if allDeclined {
		a.expireJob(jobID)
	}
	return nil
}

// expireJob fires from the decision-window timer or when every candidate
// declined. Losers that never answered still get the resolution so no stale
// pending offer survives on their screens.
func (a *Arbiter) expireJob(jobID uuid.UUID) {
	a.mu.Lock()
	rec, ok := a.jobs[jobID]
	if !ok || rec.phase != lifecycle.PhaseOffered {
		a.mu.Unlock()
		return
	}
	rec.phase = lifecycle.PhaseExpired
	window := rec.window
	snapshot := rec.snapshot()
	targets := rec.audience()
	a.mu.Unlock()

	window.Cancel()
	log.Info().Str("job_id", jobID.String()).Msg("offer window expired unresolved")

	if err := a.publishSnapshot(jobID, snapshot, targets); err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("expiry fan-out failed")
	}
}

// Cancel withdraws a posting. Valid before resolution and after acceptance
// while work has not started.
func (a *Arbiter) Cancel(jobID, contractorID uuid.UUID) error {
	a.mu.Lock()
	rec, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownJob
	}
	if rec.posting.ContractorID != contractorID {
		a.mu.Unlock()
		return ErrNotContractor
	}
	switch rec.phase {
	case lifecycle.PhaseOffered, lifecycle.PhaseAttendancePending:
	default:
		a.mu.Unlock()
		return ErrNotCancellable
	}

	rec.phase = lifecycle.PhaseCancelled
	window := rec.window
	targets := rec.audience()
	a.mu.Unlock()

	window.Cancel()

	env, err := events.NewEnvelope(events.TypeJobCancelled, jobID.String(), events.JobCancelledPayload{
		JobID:       jobID.String(),
		CancelledAt: a.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return a.publisher.Publish(targets, env)
}

// Attendance records the contractor's attendance call and mirrors it to all
// parties.
func (a *Arbiter) Attendance(jobID, contractorID uuid.UUID, att lifecycle.Attendance) error {
	a.mu.Lock()
	rec, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownJob
	}
	if rec.posting.ContractorID != contractorID {
		a.mu.Unlock()
		return ErrNotContractor
	}
	if rec.phase != lifecycle.PhaseAttendancePending {
		a.mu.Unlock()
		return ErrNotInProgress
	}

	rec.attendance = att
	if att == lifecycle.AttendanceAbsent {
		rec.phase = lifecycle.PhaseAbsent
	} else {
		rec.phase = lifecycle.PhasePaymentPending
	}
	snapshot := rec.snapshot()
	targets := rec.audience()
	a.mu.Unlock()

	return a.publishSnapshot(jobID, snapshot, targets)
}

// Pay marks the job paid and mirrors it to all parties.
func (a *Arbiter) Pay(jobID, contractorID uuid.UUID) error {
	a.mu.Lock()
	rec, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownJob
	}
	if rec.posting.ContractorID != contractorID {
		a.mu.Unlock()
		return ErrNotContractor
	}
	switch rec.phase {
	case lifecycle.PhaseAttendancePending, lifecycle.PhasePaymentPending:
	default:
		a.mu.Unlock()
		return ErrNotPayable
	}

	rec.phase = lifecycle.PhasePaid
	rec.payment = lifecycle.PaymentPaid
	snapshot := rec.snapshot()
	targets := rec.audience()
	a.mu.Unlock()

	return a.publishSnapshot(jobID, snapshot, targets)
}

// Rate records a post-payment rating.
func (a *Arbiter) Rate(jobID, actorID uuid.UUID, stars int, feedback string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if rec.payment != lifecycle.PaymentPaid {
		return ErrNotRatable
	}
	rec.rating = &lifecycle.Rating{Stars: stars, Feedback: feedback}
	return nil
}

// State returns the point-in-time snapshot clients re-fetch after a
// reconnect.
func (a *Arbiter) State(jobID uuid.UUID) (events.JobUpdatedPayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.jobs[jobID]
	if !ok {
		return events.JobUpdatedPayload{}, ErrUnknownJob
	}
	return rec.snapshot(), nil
}

func (a *Arbiter) publishSnapshot(jobID uuid.UUID, snapshot events.JobUpdatedPayload, targets []uuid.UUID) error {
	env, err := events.NewEnvelope(events.TypeJobUpdated, jobID.String(), snapshot)
	if err != nil {
		return err
	}
	return a.publisher.Publish(targets, env)
}

func (r *jobRecord) isCandidate(actorID uuid.UUID) bool {
	for _, candidateID := range r.posting.Candidates {
		if candidateID == actorID {
			return true
		}
	}
	return false
}

// audience is every original candidate plus the contractor.
func (r *jobRecord) audience() []uuid.UUID {
	targets := make([]uuid.UUID, 0, len(r.posting.Candidates)+1)
	targets = append(targets, r.posting.Candidates...)
	return append(targets, r.posting.ContractorID)
}

// snapshot must be called with the arbiter mutex held.
func (r *jobRecord) snapshot() events.JobUpdatedPayload {
	p := events.JobUpdatedPayload{
		JobID: r.posting.JobID.String(),
		Phase: string(r.phase),
	}
	if r.acceptedBy != uuid.Nil {
		p.AcceptedBy = r.acceptedBy.String()
	}
	if r.attendance != lifecycle.AttendanceUnmarked {
		p.Attendance = string(r.attendance)
	}
	if r.payment == lifecycle.PaymentPaid {
		p.Payment = string(r.payment)
	}
	return p
}
