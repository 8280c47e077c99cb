package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/auth"
	"github.com/jrsteele09/go-ksef-monitor/auth/authfake"
	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	certs []ksef.PublicKeyCertificate
	calls int
}

func (s *staticKeys) PublicKeyCertificates(context.Context) ([]ksef.PublicKeyCertificate, error) {
	s.calls++
	return s.certs, nil
}

func TestEncryptTokenRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ct1, err := auth.EncryptToken(rand.Reader, "secret-token", 1717236000000, &key.PublicKey)
	require.NoError(t, err)
	ct2, err := auth.EncryptToken(rand.Reader, "secret-token", 1717236000000, &key.PublicKey)
	require.NoError(t, err)
	require.NotEqual(t, ct1, ct2, "OAEP padding is randomized")

	for _, ct := range [][]byte{ct1, ct2} {
		plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ct, nil)
		require.NoError(t, err)
		require.Equal(t, "secret-token|1717236000000", string(plain))
	}
}

func TestEncryptTokenWithoutKey(t *testing.T) {
	_, err := auth.EncryptToken(rand.Reader, "secret", 1, nil)
	require.True(t, errors.Is(err, errors.ErrCrypto))
}

func TestParseEncryptionKeyRejectsGarbage(t *testing.T) {
	_, err := auth.ParseEncryptionKey("%%%")
	require.True(t, errors.Is(err, errors.ErrCrypto))

	_, err = auth.ParseEncryptionKey(base64.StdEncoding.EncodeToString([]byte("not a certificate")))
	require.True(t, errors.Is(err, errors.ErrCrypto))
}

func TestSelectEncryptionCertificate(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	expired := ksef.PublicKeyCertificate{Certificate: "old", Usage: []string{ksef.UsageKsefTokenEncryption}, ValidTo: utils.Ptr(now.Add(-time.Hour))}
	current := ksef.PublicKeyCertificate{Certificate: "new", Usage: []string{ksef.UsageKsefTokenEncryption}, ValidFrom: utils.Ptr(now.Add(-time.Hour))}
	other := ksef.PublicKeyCertificate{Certificate: "sym", Usage: []string{"SymmetricKeyEncryption"}}

	cert, ok := auth.SelectEncryptionCertificate([]ksef.PublicKeyCertificate{other, expired, current}, now)
	require.True(t, ok)
	require.Equal(t, "new", cert.Certificate)

	cert, ok = auth.SelectEncryptionCertificate([]ksef.PublicKeyCertificate{other, expired}, now)
	require.True(t, ok)
	require.Equal(t, "old", cert.Certificate)

	_, ok = auth.SelectEncryptionCertificate([]ksef.PublicKeyCertificate{other}, now)
	require.False(t, ok)
}

func TestHandshakeCachesKeyUntilInvalidated(t *testing.T) {
	fake, err := authfake.New(testNIP, testSecret)
	require.NoError(t, err)
	h := auth.NewHandshake(fake)
	ctx := context.Background()

	_, err = h.Encrypt(ctx, testSecret, 1)
	require.NoError(t, err)
	_, err = h.Encrypt(ctx, testSecret, 2)
	require.NoError(t, err)
	require.Equal(t, 1, fake.CertCalls)

	h.Invalidate()
	_, err = h.Encrypt(ctx, testSecret, 3)
	require.NoError(t, err)
	require.Equal(t, 2, fake.CertCalls)
}

func TestHandshakeWithoutEncryptionCertificate(t *testing.T) {
	keys := &staticKeys{certs: []ksef.PublicKeyCertificate{{Certificate: "x", Usage: []string{"SymmetricKeyEncryption"}}}}
	h := auth.NewHandshake(keys)

	_, err := h.Encrypt(context.Background(), testSecret, 1)
	require.True(t, errors.Is(err, errors.ErrCrypto))
	require.True(t, errors.Is(err, errors.ErrKeyNotFound))

	_, err = h.Encrypt(context.Background(), testSecret, 1)
	require.Error(t, err)
	require.Equal(t, 2, keys.calls, "a failed lookup is not cached")
}
