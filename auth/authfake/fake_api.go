// Package authfake provides an in-memory KSeF API for tests. It issues real
// tokens, decrypts submitted KSeF tokens with its own RSA key and answers
// status polls from a scripted sequence of codes.
package authfake

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
)

// FakeAPI implements every KSeF call the monitor makes.
type FakeAPI struct {
	mu sync.Mutex

	key         *rsa.PrivateKey
	certificate string

	NIP    string
	Secret string

	// StatusCodes are returned by successive AuthStatus calls; the last one repeats.
	StatusCodes []int
	// StatusErrors injects an error on the matching 1-based poll.
	StatusErrors map[int]error

	ChallengeErr error
	SubmitErr    error
	RedeemErr    error
	RefreshErr   error
	RevokeErr    error
	CertsErr     error
	OmitRefresh  bool

	Invoices   map[ksef.SubjectType][]ksef.InvoiceMetadata
	QueryErrs  map[ksef.SubjectType]error
	Documents  map[string][]byte
	UPOs       map[string][]byte
	AccessTTL  time.Duration
	Now        func() time.Time
	counter    int
	challenges map[string]int64
	temporary  map[string]string // temp token -> reference
	access     map[string]bool
	refresh    map[string]bool

	ChallengeCalls int
	CertCalls      int
	SubmitCalls    int
	StatusCalls    int
	RedeemCalls    int
	RefreshCalls   int
	RevokeCalls    int
	QueryCalls     int
	Queries        []ksef.MetadataQuery
	Decrypted      []string
}

// New creates a fake that accepts secret for nip. Status polls succeed immediately.
func New(nip, secret string) (*FakeAPI, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("[authfake New] generate key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "KSeF token encryption (test)"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("[authfake New] create certificate: %w", err)
	}
	return &FakeAPI{
		key:          key,
		certificate:  base64.StdEncoding.EncodeToString(der),
		NIP:          nip,
		Secret:       secret,
		StatusCodes:  []int{ksef.AuthStatusSuccess},
		StatusErrors: map[int]error{},
		Invoices:     map[ksef.SubjectType][]ksef.InvoiceMetadata{},
		QueryErrs:    map[ksef.SubjectType]error{},
		Documents:    map[string][]byte{},
		UPOs:         map[string][]byte{},
		Now:          time.Now,
		challenges:   map[string]int64{},
		temporary:    map[string]string{},
		access:       map[string]bool{},
		refresh:      map[string]bool{},
	}, nil
}

// PublicKey is the key submitted tokens must be encrypted with.
func (f *FakeAPI) PublicKey() *rsa.PublicKey {
	return &f.key.PublicKey
}

// Certificate is the base64 DER certificate published for token encryption.
func (f *FakeAPI) Certificate() string {
	return f.certificate
}

// ExpireAccessTokens makes every issued access token answer 401.
func (f *FakeAPI) ExpireAccessTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = map[string]bool{}
}

// ExpireRefreshTokens makes every issued refresh token fail.
func (f *FakeAPI) ExpireRefreshTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh = map[string]bool{}
}

func (f *FakeAPI) next(prefix string) string {
	f.counter++
	return fmt.Sprintf("%s-%d", prefix, f.counter)
}

func unauthorized(op string) error {
	return errors.Transport(op, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
}

func (f *FakeAPI) Challenge(_ context.Context, nip string) (*ksef.ChallengeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ChallengeCalls++
	if f.ChallengeErr != nil {
		return nil, f.ChallengeErr
	}
	if nip != f.NIP {
		return nil, errors.Transport("FakeAPI Challenge", http.StatusBadRequest, fmt.Errorf("unknown nip"))
	}
	ch := f.next("challenge")
	ts := f.Now().UnixMilli()
	f.challenges[ch] = ts
	return &ksef.ChallengeResponse{Challenge: ch, TimestampMs: ts}, nil
}

func (f *FakeAPI) PublicKeyCertificates(_ context.Context) ([]ksef.PublicKeyCertificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CertCalls++
	if f.CertsErr != nil {
		return nil, f.CertsErr
	}
	return []ksef.PublicKeyCertificate{
		{Certificate: "bm90LWEtY2VydA==", Usage: []string{"SymmetricKeyEncryption"}},
		{Certificate: f.certificate, Usage: []string{ksef.UsageKsefTokenEncryption}},
	}, nil
}

func (f *FakeAPI) SubmitKsefToken(_ context.Context, req ksef.KsefTokenRequest) (*ksef.KsefTokenResponse, error) {
	const op = "FakeAPI SubmitKsefToken"
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls++
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}

	ts, ok := f.challenges[req.Challenge]
	if !ok {
		return nil, errors.Transport(op, http.StatusBadRequest, fmt.Errorf("unknown challenge"))
	}
	delete(f.challenges, req.Challenge)

	ct, err := base64.StdEncoding.DecodeString(req.EncryptedToken)
	if err != nil {
		return nil, errors.Transport(op, http.StatusBadRequest, err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, f.key, ct, nil)
	if err != nil {
		return nil, errors.Transport(op, http.StatusBadRequest, fmt.Errorf("decrypt: %w", err))
	}
	f.Decrypted = append(f.Decrypted, string(plain))
	if string(plain) != fmt.Sprintf("%s|%d", f.Secret, ts) || req.ContextIdentifier != ksef.NIPContext(f.NIP) {
		return nil, errors.Transport(op, http.StatusBadRequest, fmt.Errorf("token mismatch"))
	}

	ref := f.next("ref")
	temp := f.next("temp")
	f.temporary[temp] = ref
	return &ksef.KsefTokenResponse{ReferenceNumber: ref, AuthenticationToken: ksef.TokenInfo{Token: temp}}, nil
}

func (f *FakeAPI) AuthStatus(_ context.Context, referenceNumber, authToken string) (*ksef.AuthStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if err, ok := f.StatusErrors[f.StatusCalls]; ok {
		return nil, err
	}
	if f.temporary[authToken] != referenceNumber {
		return nil, unauthorized("FakeAPI AuthStatus")
	}
	idx := f.StatusCalls - 1
	if idx >= len(f.StatusCodes) {
		idx = len(f.StatusCodes) - 1
	}
	code := f.StatusCodes[idx]
	return &ksef.AuthStatusResponse{Status: ksef.Status{Code: code, Description: fmt.Sprintf("status %d", code)}}, nil
}

func (f *FakeAPI) Redeem(_ context.Context, authToken string) (*ksef.RedeemResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RedeemCalls++
	if f.RedeemErr != nil {
		return nil, f.RedeemErr
	}
	if _, ok := f.temporary[authToken]; !ok {
		return nil, unauthorized("FakeAPI Redeem")
	}
	delete(f.temporary, authToken)

	resp := &ksef.RedeemResponse{AccessToken: f.issueAccess()}
	if !f.OmitRefresh {
		rt := f.next("refresh")
		f.refresh[rt] = true
		resp.RefreshToken = &ksef.TokenInfo{Token: rt}
	}
	return resp, nil
}

func (f *FakeAPI) issueAccess() *ksef.TokenInfo {
	at := f.next("access")
	f.access[at] = true
	info := &ksef.TokenInfo{Token: at}
	if f.AccessTTL > 0 {
		until := f.Now().Add(f.AccessTTL)
		info.ValidUntil = &until
	}
	return info
}

func (f *FakeAPI) Refresh(_ context.Context, refreshToken string) (*ksef.RefreshResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RefreshCalls++
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	if !f.refresh[refreshToken] {
		return nil, unauthorized("FakeAPI Refresh")
	}
	return &ksef.RefreshResponse{AccessToken: f.issueAccess()}, nil
}

func (f *FakeAPI) RevokeCurrentSession(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RevokeCalls++
	if f.RevokeErr != nil {
		return f.RevokeErr
	}
	if !f.access[accessToken] {
		return unauthorized("FakeAPI RevokeCurrentSession")
	}
	delete(f.access, accessToken)
	return nil
}

func (f *FakeAPI) Sessions(_ context.Context, accessToken string) ([]ksef.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.access[accessToken] {
		return nil, unauthorized("FakeAPI Sessions")
	}
	return []ksef.AuthSession{{ReferenceNumber: "ref-current", IsCurrent: true, Status: ksef.Status{Code: 200}}}, nil
}

func (f *FakeAPI) QueryMetadata(_ context.Context, accessToken string, q ksef.MetadataQuery) (*ksef.MetadataPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls++
	f.Queries = append(f.Queries, q)
	if !f.access[accessToken] {
		return nil, unauthorized("FakeAPI QueryMetadata")
	}
	if err := f.QueryErrs[q.SubjectType]; err != nil {
		return nil, err
	}

	all := f.Invoices[q.SubjectType]
	start := q.PageOffset * q.PageSize
	if q.PageSize <= 0 || start >= len(all) {
		return &ksef.MetadataPage{}, nil
	}
	end := start + q.PageSize
	if end > len(all) {
		end = len(all)
	}
	page := append([]ksef.InvoiceMetadata(nil), all[start:end]...)
	return &ksef.MetadataPage{Invoices: page, HasMore: end < len(all)}, nil
}

func (f *FakeAPI) InvoiceXML(_ context.Context, accessToken, ksefNumber string) (*ksef.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.access[accessToken] {
		return nil, unauthorized("FakeAPI InvoiceXML")
	}
	content, ok := f.Documents[ksefNumber]
	if !ok {
		return nil, errors.Transport("FakeAPI InvoiceXML", http.StatusNotFound, fmt.Errorf("no invoice %s", ksefNumber))
	}
	return &ksef.Document{KsefNumber: ksefNumber, Content: content}, nil
}

func (f *FakeAPI) InvoiceUPO(_ context.Context, accessToken, ksefNumber string) (*ksef.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.access[accessToken] {
		return nil, unauthorized("FakeAPI InvoiceUPO")
	}
	content, ok := f.UPOs[ksefNumber]
	if !ok {
		return nil, nil
	}
	return &ksef.Document{KsefNumber: ksefNumber, Content: content}, nil
}

// ValidAccessToken reports whether token is a live access token.
func (f *FakeAPI) ValidAccessToken(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access[token]
}
