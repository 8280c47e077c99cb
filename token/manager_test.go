package token_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/auth"
	"github.com/jrsteele09/go-ksef-monitor/auth/authfake"
	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/sessions"
	"github.com/jrsteele09/go-ksef-monitor/token"
	"github.com/stretchr/testify/require"
)

type stubAuthenticator struct {
	calls     int
	failOn    map[int]error
	noRefresh bool
	expiry    time.Time
}

func (s *stubAuthenticator) Authenticate(context.Context) (*sessions.Session, error) {
	s.calls++
	if err := s.failOn[s.calls]; err != nil {
		return nil, err
	}
	sess := &sessions.Session{
		AccessToken:       fmt.Sprintf("access-auth-%d", s.calls),
		AccessTokenExpiry: s.expiry,
	}
	if !s.noRefresh {
		sess.RefreshToken = fmt.Sprintf("refresh-auth-%d", s.calls)
	}
	return sess, nil
}

type stubSessionAPI struct {
	refreshCalls int
	refreshErr   error
	revokeCalls  int
	revokeErr    error
	revoked      []string
}

func (s *stubSessionAPI) Refresh(_ context.Context, refreshToken string) (*ksef.RefreshResponse, error) {
	s.refreshCalls++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return &ksef.RefreshResponse{AccessToken: &ksef.TokenInfo{Token: fmt.Sprintf("access-refresh-%d", s.refreshCalls)}}, nil
}

func (s *stubSessionAPI) RevokeCurrentSession(_ context.Context, accessToken string) error {
	s.revokeCalls++
	s.revoked = append(s.revoked, accessToken)
	return s.revokeErr
}

func unauthorized() error {
	return errors.Transport("test", http.StatusUnauthorized, fmt.Errorf("expired"))
}

type testFixture struct {
	authenticator *stubAuthenticator
	api           *stubSessionAPI
	manager       *token.Manager
}

func setupTestFixture(t *testing.T, options ...token.ManagerOption) *testFixture {
	t.Helper()
	f := &testFixture{
		authenticator: &stubAuthenticator{failOn: map[int]error{}},
		api:           &stubSessionAPI{},
	}
	f.manager = token.New(f.authenticator, f.api, options...)
	return f
}

func TestCredentialAuthenticatesOnce(t *testing.T) {
	f := setupTestFixture(t)

	tok1, err := f.manager.Credential(context.Background())
	require.NoError(t, err)
	tok2, err := f.manager.Credential(context.Background())
	require.NoError(t, err)

	require.Equal(t, "access-auth-1", tok1)
	require.Equal(t, tok1, tok2)
	require.Equal(t, 1, f.authenticator.calls)
}

func TestCredentialInitialAuthenticationFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.authenticator.failOn[1] = errors.Transport("Challenge", 0, fmt.Errorf("down"))

	_, err := f.manager.Credential(context.Background())
	require.True(t, errors.Is(err, errors.ErrCredentialExhausted))
	require.True(t, errors.Is(err, errors.ErrTransport))
	require.Nil(t, f.manager.Session())

	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-auth-2", tok)
}

func TestUnauthorizedRefreshesBeforeReauthenticating(t *testing.T) {
	f := setupTestFixture(t)
	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)

	tok, err = f.manager.HandleUnauthorized(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, "access-refresh-1", tok)
	require.Equal(t, 1, f.api.refreshCalls)
	require.Equal(t, 1, f.authenticator.calls, "refresh success never reauthenticates")

	s := f.manager.Session()
	require.Equal(t, "refresh-auth-1", s.RefreshToken, "refresh keeps the refresh token")
}

func TestUnauthorizedReauthenticatesWhenRefreshFails(t *testing.T) {
	f := setupTestFixture(t)
	f.api.refreshErr = unauthorized()
	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)

	tok, err = f.manager.HandleUnauthorized(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, "access-auth-2", tok)
	require.Equal(t, 1, f.api.refreshCalls)
	require.Equal(t, 2, f.authenticator.calls)
	require.Equal(t, "refresh-auth-2", f.manager.Session().RefreshToken, "reauthentication replaces the whole session")
}

func TestUnauthorizedWithoutRefreshTokenReauthenticates(t *testing.T) {
	f := setupTestFixture(t)
	f.authenticator.noRefresh = true
	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)

	tok, err = f.manager.HandleUnauthorized(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, "access-auth-2", tok)
	require.Zero(t, f.api.refreshCalls)
}

func TestUnauthorizedCredentialExhausted(t *testing.T) {
	f := setupTestFixture(t)
	f.api.refreshErr = unauthorized()
	f.authenticator.failOn[2] = fmt.Errorf("%w after 15 attempts", errors.ErrAuthTimeout)
	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)

	_, err = f.manager.HandleUnauthorized(context.Background(), tok)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrCredentialExhausted))
	require.True(t, errors.Is(err, errors.ErrAuthTimeout))
	require.Nil(t, f.manager.Session())
	require.Equal(t, 2, f.authenticator.calls, "no third attempt")
}

func TestHandleUnauthorizedWithStaleToken(t *testing.T) {
	f := setupTestFixture(t)
	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)
	fresh, err := f.manager.HandleUnauthorized(context.Background(), tok)
	require.NoError(t, err)

	again, err := f.manager.HandleUnauthorized(context.Background(), tok)
	require.NoError(t, err)
	require.Equal(t, fresh, again)
	require.Equal(t, 1, f.api.refreshCalls)
}

func TestCallRetriesOnceOnUnauthorized(t *testing.T) {
	f := setupTestFixture(t)
	var seen []string

	err := f.manager.Call(context.Background(), func(_ context.Context, accessToken string) error {
		seen = append(seen, accessToken)
		if len(seen) == 1 {
			return unauthorized()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"access-auth-1", "access-refresh-1"}, seen)
}

func TestCallGivesUpAfterSecondUnauthorized(t *testing.T) {
	f := setupTestFixture(t)
	calls := 0

	err := f.manager.Call(context.Background(), func(context.Context, string) error {
		calls++
		return unauthorized()
	})
	require.True(t, errors.IsUnauthorized(err))
	require.Equal(t, 2, calls)
}

func TestCallDoesNotRetryOtherErrors(t *testing.T) {
	f := setupTestFixture(t)
	calls := 0

	err := f.manager.Call(context.Background(), func(context.Context, string) error {
		calls++
		return errors.Transport("test", http.StatusInternalServerError, fmt.Errorf("boom"))
	})
	require.True(t, errors.Is(err, errors.ErrTransport))
	require.Equal(t, 1, calls)
	require.Zero(t, f.api.refreshCalls)
}

func TestExpiredSessionIsRefreshedProactively(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	f := setupTestFixture(t, token.WithNowFunc(func() time.Time { return now }), token.WithExpiryLeeway(time.Minute))
	f.authenticator.expiry = now.Add(30 * time.Second)

	tok, err := f.manager.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-auth-1", tok)

	tok, err = f.manager.Credential(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-refresh-1", tok)
}

func TestRevokeClearsLocalStateEvenOnFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.api.revokeErr = errors.Transport("Revoke", http.StatusInternalServerError, fmt.Errorf("boom"))
	_, err := f.manager.Credential(context.Background())
	require.NoError(t, err)

	f.manager.Revoke(context.Background())
	require.Equal(t, []string{"access-auth-1"}, f.api.revoked)
	require.Nil(t, f.manager.Session())

	f.manager.Revoke(context.Background())
	require.Equal(t, 1, f.api.revokeCalls, "nothing to revoke without a session")
}

func TestTokenSource(t *testing.T) {
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f := setupTestFixture(t)
	f.authenticator.expiry = expiry

	tok, err := f.manager.Token()
	require.NoError(t, err)
	require.Equal(t, "access-auth-1", tok.AccessToken)
	require.Equal(t, "Bearer", tok.Type())
	require.True(t, tok.Expiry.Equal(expiry))
}

func TestManagerWithFakeAPI(t *testing.T) {
	fake, err := authfake.New("5260250274", "secret")
	require.NoError(t, err)
	fake.AccessTTL = time.Hour
	a, err := auth.NewAuthenticator(fake, auth.NewHandshake(fake), "5260250274", "secret")
	require.NoError(t, err)
	m := token.New(a, fake)

	var page *ksef.MetadataPage
	query := func(ctx context.Context, accessToken string) error {
		var err error
		page, err = fake.QueryMetadata(ctx, accessToken, ksef.MetadataQuery{SubjectType: ksef.Subject1, PageSize: 10})
		return err
	}

	require.NoError(t, m.Call(context.Background(), query))
	require.NotNil(t, page)

	fake.ExpireAccessTokens()
	require.NoError(t, m.Call(context.Background(), query))
	require.Equal(t, 1, fake.RefreshCalls)
	require.Equal(t, 1, fake.RedeemCalls)

	fake.ExpireAccessTokens()
	fake.ExpireRefreshTokens()
	require.NoError(t, m.Call(context.Background(), query))
	require.Equal(t, 2, fake.RedeemCalls)
	require.False(t, utils.Value(m.Session()).AccessTokenExpiry.IsZero())

	m.Revoke(context.Background())
	require.Equal(t, 1, fake.RevokeCalls)
}
