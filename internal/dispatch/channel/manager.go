package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/api"
	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// ErrCredentialExpired ends a session whose credential the backend has
// rejected beyond refresh. Fatal: the caller must re-authenticate; the
// manager never retries against the same dead credential.
var ErrCredentialExpired = errors.New("credential expired; re-authentication required")

// Config holds reconnect policy settings.
type Config struct {
	URL        string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Channel is a persistent, authenticated event stream with subscribe-by-name
// delivery. The client never publishes on it; all writes are request/response
// calls to the backend.
type Channel interface {
	Subscribe(eventType events.Type, handler Handler) Subscription
	Connected() bool
}

// Manager owns the channel's reconnect policy: it dials, re-authenticates
// with a refreshed credential before every reconnect attempt, dispatches
// incoming envelopes, and backs off on transport failures. It is the sole
// owner of the Session it exposes.
type Manager struct {
	cfg        Config
	transport  Transport
	creds      CredentialSource
	clock      clockwork.Clock
	session    *Session
	dispatcher *dispatcher

	onReconnect         func()
	onCredentialExpired func(err error)

	// expiredSignaled collapses an expiry episode into one notification.
	expiredSignaled bool
}

// NewManager creates a reconnection manager. Run must be called to connect.
func NewManager(cfg Config, transport Transport, creds CredentialSource, clock clockwork.Clock) *Manager {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		transport:  transport,
		creds:      creds,
		clock:      clock,
		session:    &Session{},
		dispatcher: newDispatcher(),
	}
}

// OnReconnect registers the hook invoked after every re-established
// connection. The lifecycle manager uses it to re-fetch non-terminal job
// state; missed events are never replayed through the channel.
func (m *Manager) OnReconnect(fn func()) {
	m.onReconnect = fn
}

// OnCredentialExpired registers the hook invoked exactly once per expiry
// episode, for surfacing re-authentication to the user.
func (m *Manager) OnCredentialExpired(fn func(err error)) {
	m.onCredentialExpired = fn
}

// Subscribe registers a handler for one event name.
func (m *Manager) Subscribe(eventType events.Type, handler Handler) Subscription {
	return m.dispatcher.subscribe(eventType, handler)
}

// Connected reports transport liveness. Components may read it but never
// drive lifecycle transitions from it directly.
func (m *Manager) Connected() bool {
	return m.session.Connected()
}

// Session exposes the read-only session state.
func (m *Manager) Session() *Session {
	return m.session
}

// Run connects and keeps the event stream alive until ctx is cancelled or
// the credential expires beyond refresh. Blocking; run it on its own
// goroutine.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.MinBackoff
	forceRefresh := false
	firstConnect := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		credential, refreshed, err := m.prepareCredential(ctx, forceRefresh)
		if err != nil {
			if credentialRejected(err) {
				return m.fatalExpired(err)
			}
			// The refresh endpoint was unreachable, not hostile. The same
			// outage is likely holding the websocket down too, so back off
			// and retry; forceRefresh stays set for the next pass.
			log.Warn().Err(err).Dur("backoff", backoff).Msg("credential refresh failed, retrying")
			if !m.wait(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, m.cfg.MaxBackoff)
			continue
		}
		forceRefresh = false

		conn, err := m.transport.Dial(ctx, m.cfg.URL, credential)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				m.session.setAuthError(err)
				if refreshed {
					// A freshly refreshed credential was still rejected;
					// retrying the same wall would be a reconnect storm.
					return m.fatalExpired(err)
				}
				log.Warn().Msg("handshake rejected, refreshing credential before retry")
				forceRefresh = true
				continue
			}

			log.Warn().Err(err).Dur("backoff", backoff).Msg("channel dial failed")
			if !m.wait(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, m.cfg.MaxBackoff)
			continue
		}

		m.session.setAuthError(nil)
		m.session.setConnected(true)
		m.expiredSignaled = false
		backoff = m.cfg.MinBackoff
		log.Info().Str("url", m.cfg.URL).Msg("channel connected")

		if !firstConnect && m.onReconnect != nil {
			go m.onReconnect()
		}
		firstConnect = false

		err = m.readLoop(ctx, conn)
		m.session.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Msg("channel disconnected")

		// Refresh proactively so re-subscription never races an expired
		// credential.
		forceRefresh = true
	}
}

// prepareCredential returns the credential to dial with, refreshing it first
// when forced or when its exp claim is within leeway. The second return
// value reports whether a refresh happened on this attempt.
func (m *Manager) prepareCredential(ctx context.Context, force bool) (string, bool, error) {
	current := m.creds.Current()
	if !force && !expiringSoon(current, m.clock.Now()) {
		m.session.setCredential(current)
		return current, false, nil
	}

	token, err := m.creds.Refresh(ctx)
	if err != nil {
		return "", false, err
	}
	m.session.setCredential(token)
	log.Debug().Msg("credential refreshed before handshake")
	return token, true, nil
}

// credentialRejected reports whether err is the backend refusing the
// credential or refresh token, as opposed to a transport failure on the way
// there. Only rejections end the session.
func credentialRejected(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, api.ErrUnauthorized)
}

// fatalExpired records the auth failure and signals the expiry hook exactly
// once per episode.
func (m *Manager) fatalExpired(cause error) error {
	m.session.setAuthError(cause)
	if !m.expiredSignaled {
		m.expiredSignaled = true
		log.Error().Err(cause).Msg("credential refresh failed; session requires re-authentication")
		if m.onCredentialExpired != nil {
			m.onCredentialExpired(cause)
		}
	}
	return fmt.Errorf("%w: %v", ErrCredentialExpired, cause)
}

// readLoop dispatches envelopes until the connection drops or ctx ends.
func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			env, err := conn.ReadEnvelope()
			if err != nil {
				readErr <- err
				return
			}
			m.dispatcher.dispatch(env)
		}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-readErr
		return nil
	case err := <-readErr:
		conn.Close()
		return err
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
