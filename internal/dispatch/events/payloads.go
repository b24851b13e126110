package events

import (
	"time"
)

// Event payload types shared between the client packages and the coordinator.

// JobOfferPayload is the payload for a newJob event. One envelope is published
// per candidate; CandidateID names the addressee.
type JobOfferPayload struct {
	JobID             string    `json:"job_id"`
	CandidateID       string    `json:"candidate_id"`
	Title             string    `json:"title"`
	Amount            int64     `json:"amount"`
	PostedByName      string    `json:"posted_by_name"`
	Lat               float64   `json:"lat"`
	Lon               float64   `json:"lon"`
	IssuedAt          time.Time `json:"issued_at"`
	DecisionWindowSec int       `json:"decision_window_sec"`
}

// JobUpdatedPayload is a point-in-time snapshot of a job's lifecycle state.
// It is the payload for jobUpdated events and the response body of the
// state re-fetch endpoint. Fields name the backend's view; each client maps
// the snapshot into its own perspective (winner vs. loser vs. contractor).
type JobUpdatedPayload struct {
	JobID      string `json:"job_id"`
	Phase      string `json:"phase"`
	AcceptedBy string `json:"accepted_by,omitempty"`
	Attendance string `json:"attendance,omitempty"`
	Payment    string `json:"payment,omitempty"`

	// TargetedUpdate restricts the snapshot to the actors listed in
	// TargetedFor. Untargeted snapshots apply to every actor that knows the
	// job. Matching is by actor ID or display name.
	TargetedUpdate bool     `json:"_targetedUpdate,omitempty"`
	TargetedFor    []string `json:"targetedFor,omitempty"`
}

// JobCancelledPayload is the payload for a jobCancelled event.
type JobCancelledPayload struct {
	JobID       string    `json:"job_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}
