package offer

import (
	"time"

	"github.com/google/uuid"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// DefaultDecisionWindow is the decision window applied when an offer does not
// carry one.
const DefaultDecisionWindow = 30 * time.Second

// Offer is one job proposal sent to one candidate. Offers are immutable once
// issued; the backend never re-offers the same job to the same candidate.
type Offer struct {
	JobID          uuid.UUID
	CandidateID    uuid.UUID
	Title          string
	Amount         int64
	PostedByName   string
	Lat            float64
	Lon            float64
	IssuedAt       time.Time
	DecisionWindow time.Duration
}

// FromPayload builds an Offer from a newJob event payload.
func FromPayload(p events.JobOfferPayload) (Offer, error) {
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		return Offer{}, err
	}
	candidateID, err := uuid.Parse(p.CandidateID)
	if err != nil {
		return Offer{}, err
	}

	window := DefaultDecisionWindow
	if p.DecisionWindowSec > 0 {
		window = time.Duration(p.DecisionWindowSec) * time.Second
	}

	return Offer{
		JobID:          jobID,
		CandidateID:    candidateID,
		Title:          p.Title,
		Amount:         p.Amount,
		PostedByName:   p.PostedByName,
		Lat:            p.Lat,
		Lon:            p.Lon,
		IssuedAt:       p.IssuedAt,
		DecisionWindow: window,
	}, nil
}
