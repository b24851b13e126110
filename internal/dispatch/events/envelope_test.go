package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeAndParsePayload(t *testing.T) {
	t.Run("newJob", func(t *testing.T) {
		env, err := NewEnvelope(TypeNewJob, "job-1", JobOfferPayload{
			JobID:             "job-1",
			CandidateID:       "worker-1",
			Title:             "Evening shift",
			Amount:            9500,
			DecisionWindowSec: 30,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, env.EventID)
		assert.Equal(t, TypeNewJob, env.Type)
		assert.Equal(t, "job-1", env.JobID)

		payload, err := ParsePayload(env)
		require.NoError(t, err)
		offer, ok := payload.(JobOfferPayload)
		require.True(t, ok)
		assert.Equal(t, "Evening shift", offer.Title)
		assert.Equal(t, 30, offer.DecisionWindowSec)
	})

	t.Run("jobUpdated", func(t *testing.T) {
		env, err := NewEnvelope(TypeJobUpdated, "job-1", JobUpdatedPayload{
			JobID:          "job-1",
			Phase:          "Expired",
			TargetedUpdate: true,
			TargetedFor:    []string{"worker-1"},
		})
		require.NoError(t, err)

		payload, err := ParsePayload(env)
		require.NoError(t, err)
		update, ok := payload.(JobUpdatedPayload)
		require.True(t, ok)
		assert.True(t, update.TargetedUpdate)
		assert.Equal(t, []string{"worker-1"}, update.TargetedFor)
	})

	t.Run("jobCancelled", func(t *testing.T) {
		cancelledAt := time.Now().UTC().Truncate(time.Second)
		env, err := NewEnvelope(TypeJobCancelled, "job-1", JobCancelledPayload{
			JobID:       "job-1",
			CancelledAt: cancelledAt,
		})
		require.NoError(t, err)

		payload, err := ParsePayload(env)
		require.NoError(t, err)
		cancelled, ok := payload.(JobCancelledPayload)
		require.True(t, ok)
		assert.Equal(t, cancelledAt, cancelled.CancelledAt)
	})
}

func TestParsePayload_UnknownTypeDroppedSilently(t *testing.T) {
	payload, err := ParsePayload(Envelope{Type: Type("somethingNew"), Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestParsePayload_MalformedPayload(t *testing.T) {
	_, err := ParsePayload(Envelope{Type: TypeNewJob, Payload: []byte(`{"job_id": 42`)})
	assert.Error(t, err)
}

func TestEnvelope_UniqueEventIDs(t *testing.T) {
	a, err := NewEnvelope(TypeNewJob, "job-1", JobOfferPayload{})
	require.NoError(t, err)
	b, err := NewEnvelope(TypeNewJob, "job-1", JobOfferPayload{})
	require.NoError(t, err)
	assert.NotEqual(t, a.EventID, b.EventID)
}
