package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle phase of one job as observed by one participant.
type Phase string

const (
	PhaseOffered           Phase = "Offered"
	PhaseAccepted          Phase = "Accepted"
	PhaseAttendancePending Phase = "AttendancePending"
	PhasePresent           Phase = "Present"
	PhasePaymentPending    Phase = "PaymentPending"
	PhasePaid              Phase = "Paid"
	PhaseRated             Phase = "Rated"
	PhaseDeclined          Phase = "Declined"
	PhaseExpired           Phase = "Expired"
	PhaseCancelled         Phase = "Cancelled"
	PhaseAbsent            Phase = "Absent"
)

// Terminal reports whether no further transition can occur for this
// participant. Paid is not terminal: a rating may still be submitted.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDeclined, PhaseExpired, PhaseCancelled, PhaseAbsent, PhaseRated:
		return true
	}
	return false
}

// Attendance is the contractor's attendance call for the accepted worker.
type Attendance string

const (
	AttendanceUnmarked Attendance = "Unmarked"
	AttendancePresent  Attendance = "Present"
	AttendanceAbsent   Attendance = "Absent"
)

// Payment is the settlement state of the job.
type Payment string

const (
	PaymentUnpaid Payment = "Unpaid"
	PaymentPaid   Payment = "Paid"
)

// Rating is an optional post-payment review.
type Rating struct {
	Stars    int
	Feedback string
}

// Role says how the local actor relates to a job.
type Role string

const (
	// RoleCandidate marks a job the actor was offered.
	RoleCandidate Role = "candidate"
	// RolePoster marks a job the actor posted; the machine mirrors the
	// worker-side events for consistent display.
	RolePoster Role = "poster"
)

// State is the snapshot of one job's lifecycle for one participant.
// Attendance and payment are only meaningful once the job has been resolved
// to a winner; Rating is only settable once Payment is Paid.
type State struct {
	JobID      uuid.UUID
	Role       Role
	Phase      Phase
	AcceptedBy uuid.UUID
	Attendance Attendance
	Payment    Payment
	Rating     *Rating
}

// Transition is one observed phase change, published to the UI layer.
type Transition struct {
	JobID uuid.UUID
	From  Phase
	To    Phase
	At    time.Time
}
