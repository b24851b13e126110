package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftly/dispatch/internal/dispatch/events"
	"github.com/shiftly/dispatch/internal/dispatch/lifecycle"
)

type serverFixture struct {
	ts        *httptest.Server
	publisher *collectPublisher
	auth      *Authenticator
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	publisher := &collectPublisher{}
	arbiter := NewArbiter(clockwork.NewFakeClock(), publisher)
	auth := NewAuthenticator("test-secret")
	server := NewServer(arbiter, NewHub(DefaultHubConfig()), auth)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{ts: ts, publisher: publisher, auth: auth}
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *serverFixture) login(t *testing.T, actorID uuid.UUID) (access, refresh string) {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/auth/login", "", map[string]string{"actor_id": actorID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	grant := decode[map[string]string](t, resp)
	return grant["token"], grant["refresh_token"]
}

func TestServer_LoginAndRefresh(t *testing.T) {
	f := newServerFixture(t)
	actorID := uuid.New()

	access, refresh := f.login(t, actorID)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	resp := f.request(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decode[map[string]string](t, resp)["token"])

	resp = f.request(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_JobFlow(t *testing.T) {
	f := newServerFixture(t)
	contractor, worker, loser := uuid.New(), uuid.New(), uuid.New()

	contractorToken, _ := f.login(t, contractor)
	workerToken, _ := f.login(t, worker)
	loserToken, _ := f.login(t, loser)

	resp := f.request(t, http.MethodPost, "/jobs", contractorToken, map[string]any{
		"title":               "Catering shift",
		"amount":              8000,
		"contractor_name":     "ACME Events",
		"candidates":          []string{worker.String(), loser.String()},
		"decision_window_sec": 30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := decode[map[string]string](t, resp)["job_id"]
	require.NotEmpty(t, jobID)

	// Both candidates were offered the job.
	assert.Len(t, f.publisher.ofType(events.TypeNewJob), 2)

	resp = f.request(t, http.MethodPost, "/jobs/accept/"+jobID, workerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The losing accept maps to 409 so the client library reports the offer
	// as taken.
	resp = f.request(t, http.MethodPost, "/jobs/accept/"+jobID, loserToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/jobs/attendance/"+jobID, contractorToken, map[string]string{"attendance": "Present"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/jobs/pay/"+jobID, contractorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/jobs/rate/"+jobID, workerToken, map[string]any{"stars": 5, "feedback": "smooth"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/jobs/"+jobID+"/state", workerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decode[events.JobUpdatedPayload](t, resp)
	assert.Equal(t, string(lifecycle.PhasePaid), snapshot.Phase)
	assert.Equal(t, worker.String(), snapshot.AcceptedBy)
}

func TestServer_ErrorMapping(t *testing.T) {
	f := newServerFixture(t)
	contractor, worker := uuid.New(), uuid.New()
	contractorToken, _ := f.login(t, contractor)
	workerToken, _ := f.login(t, worker)

	t.Run("missing credential", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/jobs", "", map[string]any{"candidates": []string{worker.String()}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown job", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/jobs/accept/"+uuid.NewString(), workerToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("invalid job id", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/jobs/accept/not-a-uuid", workerToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non-candidate decision", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/jobs", contractorToken, map[string]any{
			"title":      "Night shift",
			"candidates": []string{uuid.NewString()},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		jobID := decode[map[string]string](t, resp)["job_id"]

		resp = f.request(t, http.MethodPost, "/jobs/accept/"+jobID, workerToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("attendance outside working window", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/jobs", contractorToken, map[string]any{
			"title":      "Morning shift",
			"candidates": []string{worker.String()},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		jobID := decode[map[string]string](t, resp)["job_id"]

		resp = f.request(t, http.MethodPost, "/jobs/attendance/"+jobID, contractorToken, map[string]string{"attendance": "Present"})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("bad attendance value", func(t *testing.T) {
		resp := f.request(t, http.MethodPost, "/jobs/attendance/"+uuid.NewString(), contractorToken, map[string]string{"attendance": "maybe"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("event stream rejects anonymous handshake", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/ws", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health is open", func(t *testing.T) {
		resp := f.request(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_Presence(t *testing.T) {
	f := newServerFixture(t)
	worker := uuid.New()
	workerToken, _ := f.login(t, worker)

	resp := f.request(t, http.MethodPost, "/presence", workerToken, map[string]any{
		"lat": 40.71, "lon": -74.0,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
