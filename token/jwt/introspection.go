// Package jwt reads the claims of KSeF access tokens. The monitor never holds
// the signing key, so nothing here verifies a signature: the values are hints
// for refresh timing and diagnostics only.
package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenIntrospection captures the registered claims of an access token.
// Active is false once exp has passed; other fields may be nil when absent.
type TokenIntrospection struct {
	Active bool    `json:"active"`
	Exp    *int64  `json:"exp,omitempty"` // Expiration
	Iat    *int64  `json:"iat,omitempty"` // Issued at time
	Iss    *string `json:"iss,omitempty"` // Issuer of the token
	Sub    *string `json:"sub,omitempty"` // Subject, the taxpayer context
}

var errNotJWT = errors.New("token is not a JWT")

// Introspect parses rawToken unverified. An empty or opaque token yields an inactive result and an error.
func Introspect(rawToken string, now time.Time) (*TokenIntrospection, error) {
	if strings.TrimSpace(rawToken) == "" {
		return &TokenIntrospection{Active: false}, errNotJWT
	}

	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return &TokenIntrospection{Active: false}, err
	}

	result := &TokenIntrospection{Active: true}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		v := exp.Unix()
		result.Exp = &v
		if !now.Before(exp.Time) {
			result.Active = false
		}
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		v := iat.Unix()
		result.Iat = &v
	}
	if iss, err := claims.GetIssuer(); err == nil && iss != "" {
		result.Iss = &iss
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		result.Sub = &sub
	}
	return result, nil
}

// Expiry returns the exp claim of rawToken, if it has one.
func Expiry(rawToken string) (time.Time, bool) {
	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
