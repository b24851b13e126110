package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// Machine holds the canonical lifecycle state for one job as observed by one
// participant. Transitions are keyed by target phase, never by deltas, so
// replaying an event after a reconnect is a no-op rather than a double-apply.
//
// The decision claim is the sole arbiter of the race between a manual
// accept/decline and the offer timer firing: whichever path wins
// TryClaimDecision proceeds, the other becomes a no-op. The claim is taken
// before any network I/O is issued.
type Machine struct {
	mu      sync.Mutex
	state   State
	selfID  uuid.UUID
	claimed atomic.Bool
}

// NewOffered creates a machine in the Offered phase for a job dispatched to
// this candidate.
func NewOffered(jobID, selfID uuid.UUID) *Machine {
	return &Machine{
		selfID: selfID,
		state: State{
			JobID:      jobID,
			Role:       RoleCandidate,
			Phase:      PhaseOffered,
			Attendance: AttendanceUnmarked,
			Payment:    PaymentUnpaid,
		},
	}
}

// NewPosted creates a mirror machine for a job the actor posted. Poster
// machines carry no offer timer and never open the presence gate; they exist
// so the contractor's view stays consistent with worker-side events.
func NewPosted(jobID, selfID uuid.UUID) *Machine {
	return &Machine{
		selfID: selfID,
		state: State{
			JobID:      jobID,
			Role:       RolePoster,
			Phase:      PhaseOffered,
			Attendance: AttendanceUnmarked,
			Payment:    PaymentUnpaid,
		},
	}
}

// TryClaimDecision atomically claims the right to submit the one decision
// for this offer. Returns false if a decision was already claimed.
func (m *Machine) TryClaimDecision() bool {
	return m.claimed.CompareAndSwap(false, true)
}

// DecisionClaimed reports whether a decision has already been dispatched.
func (m *Machine) DecisionClaimed() bool {
	return m.claimed.Load()
}

// State returns a copy of the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GateOpen evaluates the presence gate formula for this job: tracking is
// wanted exactly while the actor is the accepted worker, attendance is
// unmarked and payment has not settled.
func (m *Machine) GateOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Role == RoleCandidate &&
		m.state.AcceptedBy == m.selfID &&
		(m.state.Phase == PhaseAccepted || m.state.Phase == PhaseAttendancePending) &&
		m.state.Attendance == AttendanceUnmarked &&
		m.state.Payment == PaymentUnpaid
}

// ApplyResolved applies the arbitration outcome naming winner. For the
// winning candidate the machine advances through Accepted into
// AttendancePending; for every other candidate still in Offered the job is
// Expired. Applying the same resolution twice is a no-op.
func (m *Machine) ApplyResolved(winner uuid.UUID) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseOffered {
		return nil
	}

	if m.state.Role == RolePoster || winner == m.selfID {
		m.state.AcceptedBy = winner
		return []Transition{
			m.setPhase(PhaseAccepted),
			m.setPhase(PhaseAttendancePending),
		}
	}

	return []Transition{m.setPhase(PhaseExpired)}
}

// ApplyDeclined applies a local decline, manual or timer-triggered.
func (m *Machine) ApplyDeclined() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseOffered {
		return nil
	}
	return []Transition{m.setPhase(PhaseDeclined)}
}

// ApplyExpired applies a backend-side expiry of an unresolved offer.
func (m *Machine) ApplyExpired() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseOffered {
		return nil
	}
	return []Transition{m.setPhase(PhaseExpired)}
}

// ApplyCancelled applies a contractor withdrawal. Valid before resolution and
// after acceptance while work has not started; a no-op once payment is in
// flight or the job is terminal.
func (m *Machine) ApplyCancelled() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case PhaseOffered, PhaseAccepted, PhaseAttendancePending:
		return []Transition{m.setPhase(PhaseCancelled)}
	}
	return nil
}

// ApplyAttendance applies the contractor's attendance call. Present advances
// through Present into PaymentPending; Absent is terminal.
func (m *Machine) ApplyAttendance(att Attendance) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Attendance == att {
		return nil
	}
	if m.state.Phase != PhaseAttendancePending {
		return nil
	}

	switch att {
	case AttendancePresent:
		m.state.Attendance = AttendancePresent
		return []Transition{
			m.setPhase(PhasePresent),
			m.setPhase(PhasePaymentPending),
		}
	case AttendanceAbsent:
		m.state.Attendance = AttendanceAbsent
		return []Transition{m.setPhase(PhaseAbsent)}
	}
	return nil
}

// ApplyPayment applies settled payment. Payment may clear before the
// attendance event is observed, so any post-acceptance waiting phase
// advances to Paid.
func (m *Machine) ApplyPayment() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Payment == PaymentPaid {
		return nil
	}

	switch m.state.Phase {
	case PhaseAttendancePending, PhasePresent, PhasePaymentPending:
		m.state.Payment = PaymentPaid
		return []Transition{m.setPhase(PhasePaid)}
	}
	return nil
}

// ApplyRating records a local rating submission. One-way, no reversal.
func (m *Machine) ApplyRating(r Rating) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhasePaid {
		return nil
	}
	m.state.Rating = &r
	return []Transition{m.setPhase(PhaseRated)}
}

// ApplySnapshot folds a backend state snapshot into the machine. Every
// component application is idempotent and forward-only, so snapshots can
// arrive duplicated or out of order across reconnects without corrupting
// state.
func (m *Machine) ApplySnapshot(p events.JobUpdatedPayload) []Transition {
	var transitions []Transition

	if winner, err := uuid.Parse(p.AcceptedBy); err == nil {
		transitions = append(transitions, m.ApplyResolved(winner)...)
	} else if Phase(p.Phase) == PhaseExpired {
		transitions = append(transitions, m.ApplyExpired()...)
	}

	if Phase(p.Phase) == PhaseCancelled {
		transitions = append(transitions, m.ApplyCancelled()...)
	}

	switch Attendance(p.Attendance) {
	case AttendancePresent, AttendanceAbsent:
		transitions = append(transitions, m.ApplyAttendance(Attendance(p.Attendance))...)
	}

	if Payment(p.Payment) == PaymentPaid {
		transitions = append(transitions, m.ApplyPayment()...)
	}

	return transitions
}

// setPhase must be called with the mutex held.
func (m *Machine) setPhase(to Phase) Transition {
	from := m.state.Phase
	m.state.Phase = to
	return Transition{
		JobID: m.state.JobID,
		From:  from,
		To:    to,
		At:    time.Now().UTC(),
	}
}
