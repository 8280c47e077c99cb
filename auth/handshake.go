package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// KeySource publishes the authority's certificates.
type KeySource interface {
	PublicKeyCertificates(ctx context.Context) ([]ksef.PublicKeyCertificate, error)
}

// EncryptToken encrypts "secret|timestampMs" with RSA-OAEP, SHA-256 for both the
// hash and MGF1, and no label. OAEP padding is randomized so repeated calls
// produce different ciphertexts.
func EncryptToken(random io.Reader, secret string, timestampMs int64, pub *rsa.PublicKey) ([]byte, error) {
	const op = "EncryptToken"
	if pub == nil || pub.N == nil {
		return nil, errors.Crypto(op, errors.New("public key is missing"))
	}
	if random == nil {
		random = rand.Reader
	}
	plaintext := []byte(secret + "|" + strconv.FormatInt(timestampMs, 10))
	ct, err := rsa.EncryptOAEP(sha256.New(), random, pub, plaintext, nil)
	if err != nil {
		return nil, errors.Crypto(op, err)
	}
	return ct, nil
}

// ParseEncryptionKey extracts the RSA key from a base64 DER certificate.
func ParseEncryptionKey(certificate string) (*rsa.PublicKey, error) {
	const op = "ParseEncryptionKey"
	der, err := base64.StdEncoding.DecodeString(certificate)
	if err != nil {
		return nil, errors.Crypto(op, fmt.Errorf("decode certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Crypto(op, fmt.Errorf("parse certificate: %w", err))
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Crypto(op, fmt.Errorf("certificate key is %T, not RSA", cert.PublicKey))
	}
	return pub, nil
}

// SelectEncryptionCertificate picks the certificate tagged for token encryption,
// preferring one that is valid at now.
func SelectEncryptionCertificate(certs []ksef.PublicKeyCertificate, now time.Time) (ksef.PublicKeyCertificate, bool) {
	var fallback *ksef.PublicKeyCertificate
	for i := range certs {
		if !certs[i].HasUsage(ksef.UsageKsefTokenEncryption) {
			continue
		}
		if certs[i].ValidAt(now) {
			return certs[i], true
		}
		if fallback == nil {
			fallback = &certs[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return ksef.PublicKeyCertificate{}, false
}

// Handshake encrypts the KSeF token against the authority's key. The key is
// fetched on first use and kept until Invalidate is called.
type Handshake struct {
	keys    KeySource
	random  io.Reader
	nowFunc func() time.Time
	log     zerolog.Logger

	mu  sync.Mutex
	key *rsa.PublicKey
}

type HandshakeOption func(*Handshake)

// WithRandom replaces the OAEP randomness source.
func WithRandom(r io.Reader) HandshakeOption {
	return func(h *Handshake) {
		h.random = r
	}
}

func WithHandshakeNowFunc(now func() time.Time) HandshakeOption {
	return func(h *Handshake) {
		h.nowFunc = now
	}
}

func WithHandshakeLogger(l zerolog.Logger) HandshakeOption {
	return func(h *Handshake) {
		h.log = l
	}
}

func NewHandshake(keys KeySource, options ...HandshakeOption) *Handshake {
	h := &Handshake{
		keys:    keys,
		random:  rand.Reader,
		nowFunc: time.Now,
		log:     log.Logger,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// PublicKey returns the cached key, fetching it when none is cached.
func (h *Handshake) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.key != nil {
		return h.key, nil
	}

	certs, err := h.keys.PublicKeyCertificates(ctx)
	if err != nil {
		return nil, err
	}
	cert, ok := SelectEncryptionCertificate(certs, h.nowFunc())
	if !ok {
		return nil, errors.Crypto("Handshake PublicKey", errors.ErrKeyNotFound)
	}
	key, err := ParseEncryptionKey(cert.Certificate)
	if err != nil {
		return nil, err
	}
	h.key = key
	h.log.Debug().Int("key_bits", key.N.BitLen()).Msg("token encryption key cached")
	return key, nil
}

// Invalidate drops the cached key so the next Encrypt fetches it again.
func (h *Handshake) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.key != nil {
		h.log.Info().Msg("token encryption key invalidated")
	}
	h.key = nil
}

// Encrypt returns the base64 ciphertext of "secret|timestampMs".
func (h *Handshake) Encrypt(ctx context.Context, secret string, timestampMs int64) (string, error) {
	key, err := h.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	ct, err := EncryptToken(h.random, secret, timestampMs, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}
