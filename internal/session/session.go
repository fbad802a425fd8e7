package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ring-go-home/internal/store"
)

// CredentialStore persists the credential state.
type CredentialStore interface {
	SaveCredentials(creds *store.Credentials) error
	GetCredentials() (*store.Credentials, error)
}

// Status is the externally visible login state.
type Status struct {
	LoggedIn         bool      `json:"logged_in"`
	HasRefreshToken  bool      `json:"has_refresh_token"`
	TwoFactorPending bool      `json:"two_factor_pending"`
	Held             bool      `json:"held"`
	HoldReason       string    `json:"hold_reason,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	HardwareID       string    `json:"hardware_id"`
}

// Session owns the access/refresh token pair and the installation hardware
// id. All mutation goes through its methods; every change is persisted.
type Session struct {
	mu     sync.RWMutex
	creds  store.Credentials
	store  CredentialStore
	logger *slog.Logger
}

// Load restores the session from the store, creating the hardware id on
// first run.
func Load(st CredentialStore, logger *slog.Logger) (*Session, error) {
	s := &Session{
		store:  st,
		logger: logger.With("component", "session"),
	}

	creds, err := st.GetCredentials()
	switch {
	case err == nil:
		s.creds = *creds
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	if s.creds.HardwareID == "" {
		s.creds.HardwareID = uuid.NewString()
		s.logger.Info("hardware id created", "hardware_id", s.creds.HardwareID)
		if err := s.store.SaveCredentials(&s.creds); err != nil {
			return nil, fmt.Errorf("save hardware id: %w", err)
		}
	}
	return s, nil
}

// persist must be called with mu held.
func (s *Session) persist() {
	cp := s.creds
	if err := s.store.SaveCredentials(&cp); err != nil {
		s.logger.Error("save credentials", "err", err)
	}
}

// SetFromGrant records a successful grant and lifts any hold.
func (s *Session) SetFromGrant(accessToken, refreshToken string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = accessToken
	if refreshToken != "" {
		s.creds.RefreshToken = refreshToken
	}
	s.creds.ExpiresAt = expiresAt
	s.creds.TwoFactorPending = false
	s.creds.Held = false
	s.creds.HoldReason = ""
	s.persist()
}

// SetAuthenticationToken stores the legacy session token.
func (s *Session) SetAuthenticationToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AuthenticationToken = token
	s.persist()
}

// ClearAccess drops the access token only if it is still the rejected one
// and reports whether it did. A token granted after the rejection is kept.
func (s *Session) ClearAccess(rejected string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.AccessToken == "" || s.creds.AccessToken != rejected {
		return false
	}
	s.creds.AccessToken = ""
	s.creds.ExpiresAt = time.Time{}
	s.persist()
	return true
}

// ClearAll drops every token, including the refresh token.
func (s *Session) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = ""
	s.creds.RefreshToken = ""
	s.creds.AuthenticationToken = ""
	s.creds.ExpiresAt = time.Time{}
	s.persist()
}

// Hold suppresses outbound requests until Release or a successful grant.
func (s *Session) Hold(reason string, twoFactor bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.Held = true
	s.creds.HoldReason = reason
	s.creds.TwoFactorPending = twoFactor
	s.persist()
}

// Release lifts the request hold.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.creds.Held {
		return
	}
	s.creds.Held = false
	s.creds.HoldReason = ""
	s.persist()
}

// Held reports whether requests are currently suppressed.
func (s *Session) Held() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Held, s.creds.HoldReason
}

// TwoFactorPending reports whether a two-factor code is awaited.
func (s *Session) TwoFactorPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.TwoFactorPending
}

// AccessToken returns the bearer token, or "" when empty.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken
}

// RefreshToken returns the refresh token, or "" when none was granted.
func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.RefreshToken
}

// AuthenticationToken returns the legacy session token.
func (s *Session) AuthenticationToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AuthenticationToken
}

// HardwareID returns the installation identifier sent on every request.
func (s *Session) HardwareID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.HardwareID
}

// ResetHardwareID generates a new hardware id and clears all tokens,
// forcing a fresh password login.
func (s *Session) ResetHardwareID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = store.Credentials{HardwareID: uuid.NewString()}
	s.persist()
	s.logger.Info("hardware id reset", "hardware_id", s.creds.HardwareID)
	return s.creds.HardwareID
}

// Status returns a copy of the login state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		LoggedIn:         s.creds.AccessToken != "",
		HasRefreshToken:  s.creds.RefreshToken != "",
		TwoFactorPending: s.creds.TwoFactorPending,
		Held:             s.creds.Held,
		HoldReason:       s.creds.HoldReason,
		ExpiresAt:        s.creds.ExpiresAt,
		HardwareID:       s.creds.HardwareID,
	}
}
