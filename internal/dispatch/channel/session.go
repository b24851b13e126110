package channel

import "sync"

// Session is the connection's credential and liveness state. The
// reconnection manager is its only writer; every other component reads
// Connected and nothing else drives transitions from it directly.
type Session struct {
	mu            sync.RWMutex
	credential    string
	connected     bool
	lastAuthError error
}

// Connected reports transport liveness.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Credential returns the credential used for the current or next handshake.
func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// LastAuthError returns the most recent authentication failure, if any.
func (s *Session) LastAuthError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAuthError
}

func (s *Session) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

func (s *Session) setCredential(credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = credential
}

func (s *Session) setAuthError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAuthError = err
}
