package sessions

import (
	"time"

	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/token/jwt"
	"golang.org/x/oauth2"
)

// Session holds the credentials of one authenticated KSeF session.
// Tokens are only ever taken from a redeem or refresh response.
type Session struct {
	AccessToken        string    // Bearer for every authenticated call
	AccessTokenExpiry  time.Time // Zero when the expiry is unknown
	RefreshToken       string    // Empty when the server issued none
	RefreshTokenExpiry time.Time // Zero when unknown
	IssuedAt           time.Time // When the session was redeemed
}

// FromRedeem builds a session from a redeem response.
func FromRedeem(resp *ksef.RedeemResponse, now time.Time) *Session {
	s := &Session{IssuedAt: now}
	if resp == nil {
		return s
	}
	if resp.AccessToken != nil {
		s.AccessToken = resp.AccessToken.Token
		s.AccessTokenExpiry = TokenExpiry(*resp.AccessToken)
	}
	if resp.RefreshToken != nil {
		s.RefreshToken = resp.RefreshToken.Token
		s.RefreshTokenExpiry = TokenExpiry(*resp.RefreshToken)
	}
	return s
}

// ReplaceAccessToken swaps in a refreshed access token, keeping the refresh token.
func (s *Session) ReplaceAccessToken(info ksef.TokenInfo) {
	s.AccessToken = info.Token
	s.AccessTokenExpiry = TokenExpiry(info)
}

func (s *Session) HasRefreshToken() bool {
	return s != nil && s.RefreshToken != ""
}

// Expired reports whether the access token is known to expire within leeway of now.
// A session with unknown expiry is never considered expired; the server's 401 decides.
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	if s.AccessTokenExpiry.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.AccessTokenExpiry)
}

// OAuth2Token exposes the access token in the oauth2 representation.
func (s *Session) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
		Expiry:       s.AccessTokenExpiry,
	}
}

// TokenExpiry prefers the server's validUntil, then the JWT exp claim, else zero.
func TokenExpiry(info ksef.TokenInfo) time.Time {
	if info.ValidUntil != nil {
		return *info.ValidUntil
	}
	if exp, ok := jwt.Expiry(info.Token); ok {
		return exp
	}
	return time.Time{}
}
