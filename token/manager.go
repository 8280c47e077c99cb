package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Authenticator establishes a brand new session.
type Authenticator interface {
	Authenticate(ctx context.Context) (*sessions.Session, error)
}

// SessionAPI covers the calls made on an established session.
type SessionAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*ksef.RefreshResponse, error)
	RevokeCurrentSession(ctx context.Context, accessToken string) error
}

var _ SessionAPI = (*ksef.Client)(nil)
var _ oauth2.TokenSource = (*Manager)(nil)

const defaultExpiryLeeway = 30 * time.Second

// Manager owns the current session. It hands out access tokens, and on
// rejection tries a refresh before falling back to full reauthentication.
// All methods are safe for concurrent use; callers are serialized.
type Manager struct {
	authenticator Authenticator
	api           SessionAPI
	nowFunc       func() time.Time
	leeway        time.Duration
	log           zerolog.Logger

	mu      sync.Mutex
	session *sessions.Session
}

type ManagerOption func(*Manager)

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithExpiryLeeway sets how long before a known expiry a token is refreshed proactively.
func WithExpiryLeeway(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.leeway = d
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

func New(authenticator Authenticator, api SessionAPI, options ...ManagerOption) *Manager {
	m := &Manager{
		authenticator: authenticator,
		api:           api,
		nowFunc:       time.Now,
		leeway:        defaultExpiryLeeway,
		log:           log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Credential returns an access token, authenticating first when there is no session.
func (m *Manager) Credential(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return "", err
	}
	return m.session.AccessToken, nil
}

// HandleUnauthorized reacts to a 401 received with the rejected token. When the
// session has already moved on to a newer token that token is returned as is.
func (m *Manager) HandleUnauthorized(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.AccessToken != rejected {
		return m.session.AccessToken, nil
	}
	if err := m.recoverLocked(ctx, "Manager HandleUnauthorized"); err != nil {
		return "", err
	}
	return m.session.AccessToken, nil
}

// Call runs fn with an access token. If fn fails with 401 the refresh/reauthenticate
// chain runs and fn is retried exactly once.
func (m *Manager) Call(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	tok, err := m.Credential(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, tok)
	if !errors.IsUnauthorized(err) {
		return err
	}

	m.log.Warn().Msg("access token rejected, recovering session")
	tok, err = m.HandleUnauthorized(ctx, tok)
	if err != nil {
		return err
	}
	return fn(ctx, tok)
}

// Revoke ends the session server-side on a best-effort basis. Local state is
// cleared whether or not the server call succeeds.
func (m *Manager) Revoke(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.session = nil }()

	if m.session == nil || m.session.AccessToken == "" {
		return
	}
	if err := m.api.RevokeCurrentSession(ctx, m.session.AccessToken); err != nil {
		m.log.Warn().Err(err).Msg("failed to revoke KSeF session")
		return
	}
	m.log.Info().Msg("KSeF session revoked")
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(context.Background()); err != nil {
		return nil, err
	}
	return m.session.OAuth2Token(), nil
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *sessions.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	const op = "Manager Credential"
	if m.session == nil {
		s, err := m.authenticator.Authenticate(ctx)
		if err != nil {
			return errors.CredentialExhausted(op, err)
		}
		m.session = s
		return nil
	}
	if m.session.Expired(m.nowFunc(), m.leeway) {
		m.log.Debug().Time("expiry", m.session.AccessTokenExpiry).Msg("access token about to expire")
		return m.recoverLocked(ctx, op)
	}
	return nil
}

// recoverLocked refreshes the access token, or reauthenticates when refresh is
// impossible or fails. Failure of both clears the session.
func (m *Manager) recoverLocked(ctx context.Context, op string) error {
	refreshErr := errors.ErrNoRefresh
	if m.session.HasRefreshToken() {
		resp, err := m.api.Refresh(ctx, m.session.RefreshToken)
		switch {
		case err != nil:
			refreshErr = err
		case resp.AccessToken == nil || resp.AccessToken.Token == "":
			refreshErr = errors.Protocol(op, "refresh returned no access token")
		default:
			m.session.ReplaceAccessToken(*resp.AccessToken)
			m.log.Info().Msg("access token refreshed")
			return nil
		}
		m.log.Warn().Err(refreshErr).Msg("token refresh failed, reauthenticating")
	}

	s, err := m.authenticator.Authenticate(ctx)
	if err != nil {
		m.session = nil
		return errors.CredentialExhausted(op, fmt.Errorf("refresh: %v; reauthenticate: %w", refreshErr, err))
	}
	m.session = s
	m.log.Info().Msg("KSeF session re-established")
	return nil
}
