package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// ErrJobTaken is returned when an accept or decline lands after the offer was
// already resolved elsewhere. Callers surface it as "job no longer available"
// and never retry.
var ErrJobTaken = errors.New("job no longer available")

// ErrUnauthorized is returned when the backend rejects the credential.
var ErrUnauthorized = errors.New("unauthorized")

// Decision is the backend's response to an accept or decline submission.
type Decision struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PresenceReport is one location sample delivered to the backend.
type PresenceReport struct {
	ActorID    string    `json:"actor_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	CapturedAt time.Time `json:"captured_at"`
}

// Client talks to the coordination backend over plain HTTP. Accept and
// decline are idempotent from the retry perspective; the coordinator's own
// arbitration handles duplicates.
type Client struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a backend client. token may be empty and set later via
// SetToken once a credential is issued.
func NewClient(baseURL string, token string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		token: token,
	}
}

// SetToken replaces the credential used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the credential currently in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// AcceptJob submits an accept decision for jobID.
func (c *Client) AcceptJob(ctx context.Context, jobID uuid.UUID) (Decision, error) {
	return c.postDecision(ctx, "/jobs/accept/"+jobID.String(), nil)
}

// DeclineJob submits a decline decision for jobID.
func (c *Client) DeclineJob(ctx context.Context, jobID uuid.UUID) (Decision, error) {
	return c.postDecision(ctx, "/jobs/decline/"+jobID.String(), nil)
}

// MarkAttendance records the contractor's attendance call for the accepted
// worker. The backend mirrors it into a jobUpdated event.
func (c *Client) MarkAttendance(ctx context.Context, jobID uuid.UUID, attendance string) (Decision, error) {
	body := map[string]string{"attendance": attendance}
	return c.postDecision(ctx, "/jobs/attendance/"+jobID.String(), body)
}

// PayJob marks the job paid. The backend mirrors it into a jobUpdated event.
func (c *Client) PayJob(ctx context.Context, jobID uuid.UUID) (Decision, error) {
	return c.postDecision(ctx, "/jobs/pay/"+jobID.String(), nil)
}

// RateJob submits a post-payment rating.
func (c *Client) RateJob(ctx context.Context, jobID uuid.UUID, stars int, feedback string) error {
	body := map[string]any{"stars": stars, "feedback": feedback}
	_, err := c.postDecision(ctx, "/jobs/rate/"+jobID.String(), body)
	return err
}

// JobState fetches the point-in-time state snapshot for jobID. Used to close
// the at-least-once delivery gap after a reconnect.
func (c *Client) JobState(ctx context.Context, jobID uuid.UUID) (events.JobUpdatedPayload, error) {
	data, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID.String()+"/state", nil)
	if err != nil {
		return events.JobUpdatedPayload{}, err
	}

	var snapshot events.JobUpdatedPayload
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return events.JobUpdatedPayload{}, fmt.Errorf("unmarshal job state: %w", err)
	}
	return snapshot, nil
}

// ReportPresence delivers one location sample to the backend.
func (c *Client) ReportPresence(ctx context.Context, report PresenceReport) error {
	_, err := c.do(ctx, http.MethodPost, "/presence", report)
	return err
}

// RefreshToken exchanges the refresh token for a fresh credential. The
// refresh endpoint authenticates by refresh token, not by the (possibly
// expired) access credential.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	body := map[string]string{"refresh_token": refreshToken}
	data, err := c.do(ctx, http.MethodPost, "/auth/refresh", body)
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal refresh response: %w", err)
	}
	return resp.Token, nil
}

func (c *Client) postDecision(ctx context.Context, endpoint string, body any) (Decision, error) {
	data, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		return Decision{}, fmt.Errorf("unmarshal decision response: %w", err)
	}
	return decision, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrUnauthorized)
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrJobTaken)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	return responseBody, nil
}
