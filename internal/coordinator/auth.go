package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrBadRefreshToken rejects a refresh grant the authenticator never issued
// or has already revoked.
var ErrBadRefreshToken = errors.New("unknown refresh token")

// accessTokenTTL is deliberately short; clients refresh before every
// reconnect, so a long-lived access token buys nothing.
const accessTokenTTL = 15 * time.Minute

// Authenticator issues and verifies HS256 access tokens and tracks
// refresh-token grants in memory.
type Authenticator struct {
	secret []byte

	mu     sync.Mutex
	grants map[string]uuid.UUID
}

// NewAuthenticator creates an authenticator with the given signing secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		grants: make(map[string]uuid.UUID),
	}
}

// Grant registers an actor and returns an access token plus the refresh
// token that renews it.
func (a *Authenticator) Grant(actorID uuid.UUID) (access string, refresh string, err error) {
	access, err = a.issue(actorID)
	if err != nil {
		return "", "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	refresh = hex.EncodeToString(buf)

	a.mu.Lock()
	a.grants[refresh] = actorID
	a.mu.Unlock()

	return access, refresh, nil
}

// Refresh exchanges a refresh token for a new access token.
func (a *Authenticator) Refresh(refresh string) (string, error) {
	a.mu.Lock()
	actorID, ok := a.grants[refresh]
	a.mu.Unlock()
	if !ok {
		return "", ErrBadRefreshToken
	}
	return a.issue(actorID)
}

// Revoke invalidates a refresh grant on logout.
func (a *Authenticator) Revoke(refresh string) {
	a.mu.Lock()
	delete(a.grants, refresh)
	a.mu.Unlock()
}

// Verify checks signature and expiry and returns the subject actor.
func (a *Authenticator) Verify(token string) (uuid.UUID, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("verify token: %w", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return uuid.Nil, fmt.Errorf("token has no subject: %w", err)
	}
	actorID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject is not an actor id: %w", err)
	}
	return actorID, nil
}

func (a *Authenticator) issue(actorID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   actorID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// bearerActor extracts and verifies the bearer credential on a request.
func (a *Authenticator) bearerActor(r *http.Request) (uuid.UUID, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return uuid.Nil, errors.New("missing bearer token")
	}
	return a.Verify(token)
}
