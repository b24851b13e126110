package api

import (
	"context"
	"fmt"
	"sync"
)

// TokenSource owns the session credential. The reconnection manager is the
// only writer: it reads Current before every dial and calls Refresh when the
// credential is expired or rejected. The HTTP client picks up refreshed
// tokens automatically.
type TokenSource struct {
	client *Client

	mu           sync.Mutex
	refreshToken string
}

// NewTokenSource binds a refresh token to a backend client.
func NewTokenSource(client *Client, refreshToken string) *TokenSource {
	return &TokenSource{
		client:       client,
		refreshToken: refreshToken,
	}
}

// Current returns the credential currently in use.
func (s *TokenSource) Current() string {
	return s.client.Token()
}

// Refresh exchanges the refresh token for a fresh credential and installs it
// on the client.
func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.client.RefreshToken(ctx, s.refreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}
	s.client.SetToken(token)
	return token, nil
}
