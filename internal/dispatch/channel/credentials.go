package channel

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway is how close to expiry a credential may be before it is
// refreshed ahead of a handshake.
const expiryLeeway = 30 * time.Second

// CredentialSource supplies and refreshes the session credential. The
// reconnection manager is the only caller of Refresh. A Refresh error
// matching api.ErrUnauthorized means the refresh token itself was rejected;
// any other error is treated as a transient transport failure.
type CredentialSource interface {
	Current() string
	Refresh(ctx context.Context) (string, error)
}

// expiringSoon inspects a JWT's exp claim without verifying the signature
// (verification is the backend's job; the client only wants to avoid dialing
// with a token it already knows is dead). Opaque or claimless credentials
// report false and are left to the handshake to judge.
func expiringSoon(token string, now time.Time) bool {
	if token == "" {
		return true
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.Add(expiryLeeway).After(exp.Time)
}
