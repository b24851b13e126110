package coordinator

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_GrantVerifyRoundtrip(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	actorID := uuid.New()

	access, refresh, err := auth.Grant(actorID)
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	subject, err := auth.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, actorID, subject)
}

func TestAuthenticator_Refresh(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	actorID := uuid.New()

	_, refresh, err := auth.Grant(actorID)
	require.NoError(t, err)

	access, err := auth.Refresh(refresh)
	require.NoError(t, err)

	subject, err := auth.Verify(access)
	require.NoError(t, err)
	assert.Equal(t, actorID, subject)

	_, err = auth.Refresh("never-issued")
	assert.ErrorIs(t, err, ErrBadRefreshToken)

	auth.Revoke(refresh)
	_, err = auth.Refresh(refresh)
	assert.ErrorIs(t, err, ErrBadRefreshToken)
}

func TestAuthenticator_VerifyRejectsForgedTokens(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	forger := NewAuthenticator("other-secret")

	access, _, err := forger.Grant(uuid.New())
	require.NoError(t, err)

	_, err = auth.Verify(access)
	assert.Error(t, err)

	_, err = auth.Verify("not-a-token")
	assert.Error(t, err)
}

func TestAuthenticator_BearerActor(t *testing.T) {
	auth := NewAuthenticator("test-secret")
	actorID := uuid.New()
	access, _, err := auth.Grant(actorID)
	require.NoError(t, err)

	t.Run("valid bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.Header.Set("Authorization", "Bearer "+access)

		subject, err := auth.bearerActor(r)
		require.NoError(t, err)
		assert.Equal(t, actorID, subject)
	})

	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/jobs", nil)
		_, err := auth.bearerActor(r)
		assert.Error(t, err)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/jobs", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		_, err := auth.bearerActor(r)
		assert.Error(t, err)
	})
}
