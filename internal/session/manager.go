// Package session manages the authenticated session boundary. A session owns
// the bearer token used for backend calls and the lifetime of the streaming
// price feed: the feed starts when a session is established and stops when it
// ends.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/events"
)

var (
	// ErrEmptyToken is returned when an empty token is offered
	ErrEmptyToken = errors.New("session token is empty")
	// ErrTokenExpired is returned when the token's exp claim is in the past
	ErrTokenExpired = errors.New("session token is expired")
)

// Feed is the streaming price feed owned by a session
type Feed interface {
	Start() error
	Stop() error
}

// FeedFactory builds a fresh feed for a newly established session. Each
// session gets its own instance so no events from a previous connection can
// leak into the new one.
type FeedFactory func(token string) Feed

// Manager tracks the current session and the feed bound to it
type Manager struct {
	factory  FeedFactory
	eventBus *events.Manager
	log      zerolog.Logger

	mu    sync.Mutex
	token string
	feed  Feed
}

// NewManager creates a session manager
func NewManager(factory FeedFactory, eventBus *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		eventBus: eventBus,
		log:      log.With().Str("component", "session").Logger(),
	}
}

// Establish starts a new session with the given bearer token, replacing any
// existing one. The token's expiry claim is checked before accepting it;
// signature verification belongs to the auth service that issued it.
func (m *Manager) Establish(token string) error {
	if err := ValidateToken(token); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.feed != nil {
		m.endLocked()
	}

	m.token = token
	m.feed = m.factory(token)
	if err := m.feed.Start(); err != nil {
		// The feed keeps reconnecting in the background; the session is
		// established either way.
		m.log.Warn().Err(err).Msg("Price feed did not connect immediately")
	}

	m.log.Info().Msg("Session established")
	if m.eventBus != nil {
		m.eventBus.Emit(events.SessionEstablished, "session", nil)
	}
	return nil
}

// End terminates the current session and stops its feed. A no-op when no
// session is active.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.feed == nil && m.token == "" {
		return
	}
	m.endLocked()
}

func (m *Manager) endLocked() {
	if m.feed != nil {
		if err := m.feed.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("Error stopping price feed")
		}
		m.feed = nil
	}
	m.token = ""

	m.log.Info().Msg("Session ended")
	if m.eventBus != nil {
		m.eventBus.Emit(events.SessionEnded, "session", nil)
	}
}

// Restore establishes a session from a token found at startup. An expired or
// malformed token is logged and skipped rather than treated as fatal.
func (m *Manager) Restore(token string) {
	if token == "" {
		return
	}
	if err := m.Establish(token); err != nil {
		m.log.Warn().Err(err).Msg("Could not restore session from stored token")
	}
}

// Token returns the current session token, empty when no session is active
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Active reports whether a session is currently established
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// ValidateToken checks that a bearer token is present and, when it carries a
// JWT expiry claim, that the expiry is in the future. Tokens that do not parse
// as JWTs pass through: opaque tokens are the backend's problem to reject.
func ValidateToken(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return nil
}
