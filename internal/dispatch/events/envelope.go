package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a coordination event.
type Type string

const (
	TypeNewJob       Type = "newJob"
	TypeJobUpdated   Type = "jobUpdated"
	TypeJobCancelled Type = "jobCancelled"
)

// Envelope is the wire frame for every coordination event.
type Envelope struct {
	EventID   string          `json:"event_id"`
	Type      Type            `json:"event"`
	JobID     string          `json:"job_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload into an envelope with a fresh event ID.
func NewEnvelope(eventType Type, jobID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.New().String(),
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// ParsePayload parses the envelope data into the payload struct for its type.
// Unknown types return (nil, nil) so callers can drop them silently.
func ParsePayload(env Envelope) (any, error) {
	switch env.Type {
	case TypeNewJob:
		var payload JobOfferPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal newJob payload: %w", err)
		}
		return payload, nil

	case TypeJobUpdated:
		var payload JobUpdatedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal jobUpdated payload: %w", err)
		}
		return payload, nil

	case TypeJobCancelled:
		var payload JobCancelledPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal jobCancelled payload: %w", err)
		}
		return payload, nil

	default:
		return nil, nil
	}
}
