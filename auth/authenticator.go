package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/sessions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxPollAttempts = 15
	maxPollDelay           = 10 * time.Second
	tracerName             = "github.com/jrsteele09/go-ksef-monitor/auth"
)

// State is a step of the KSeF token authentication flow.
type State int

const (
	StateIdle State = iota
	StateChallengeRequested
	StateTokenSubmitted
	StateStatusPolling
	StateRedeemed
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateChallengeRequested:
		return "ChallengeRequested"
	case StateTokenSubmitted:
		return "TokenSubmitted"
	case StateStatusPolling:
		return "StatusPolling"
	case StateRedeemed:
		return "Redeemed"
	case StateAuthFailed:
		return "AuthFailed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// API is the part of the KSeF API the authentication flow drives.
type API interface {
	Challenge(ctx context.Context, nip string) (*ksef.ChallengeResponse, error)
	SubmitKsefToken(ctx context.Context, req ksef.KsefTokenRequest) (*ksef.KsefTokenResponse, error)
	AuthStatus(ctx context.Context, referenceNumber, authToken string) (*ksef.AuthStatusResponse, error)
	Redeem(ctx context.Context, authToken string) (*ksef.RedeemResponse, error)
}

var _ API = (*ksef.Client)(nil)
var _ KeySource = (*ksef.Client)(nil)

// PollDelay is the wait after the given 1-based status poll: 1s, 2s, 4s, 8s, then 10s.
func PollDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 4 {
		return maxPollDelay
	}
	d := time.Second << (attempt - 1)
	if d > maxPollDelay {
		return maxPollDelay
	}
	return d
}

// Authenticator runs challenge, encrypt, submit, poll and redeem to obtain a
// session. It keeps no state between calls.
type Authenticator struct {
	api         API
	handshake   *Handshake
	nip         string
	secret      string
	maxAttempts int
	delayFunc   func(attempt int) time.Duration
	sleepFunc   func(ctx context.Context, d time.Duration) error
	nowFunc     func() time.Time
	observer    func(State)
	log         zerolog.Logger
}

type AuthenticatorOption func(*Authenticator)

func WithMaxPollAttempts(n int) AuthenticatorOption {
	return func(a *Authenticator) {
		a.maxAttempts = n
	}
}

// WithSleepFunc replaces the interruptible sleep used between status polls.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) AuthenticatorOption {
	return func(a *Authenticator) {
		a.sleepFunc = sleep
	}
}

func WithNowFunc(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		a.nowFunc = now
	}
}

// WithStateObserver is called on every state the flow enters.
func WithStateObserver(observer func(State)) AuthenticatorOption {
	return func(a *Authenticator) {
		a.observer = observer
	}
}

func WithLogger(l zerolog.Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		a.log = l
	}
}

func NewAuthenticator(api API, handshake *Handshake, nip, secret string, options ...AuthenticatorOption) (*Authenticator, error) {
	if api == nil {
		return nil, errors.New("[NewAuthenticator] API is required")
	}
	if handshake == nil {
		return nil, errors.New("[NewAuthenticator] Handshake is required")
	}
	if nip == "" || secret == "" {
		return nil, errors.New("[NewAuthenticator] NIP and KSeF token are required")
	}

	a := &Authenticator{
		api:         api,
		handshake:   handshake,
		nip:         nip,
		secret:      secret,
		maxAttempts: DefaultMaxPollAttempts,
		delayFunc:   PollDelay,
		sleepFunc:   sleepContext,
		nowFunc:     time.Now,
		log:         log.Logger,
	}
	for _, opt := range options {
		opt(a)
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = DefaultMaxPollAttempts
	}
	return a, nil
}

// NIP returns the taxpayer identity the authenticator signs in as.
func (a *Authenticator) NIP() string {
	return a.nip
}

// Authenticate performs one full authentication from Idle.
func (a *Authenticator) Authenticate(ctx context.Context) (*sessions.Session, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Authenticator Authenticate")
	defer span.End()

	run := &flow{a: a, state: StateIdle}
	run.enter(StateIdle)

	challenge, err := a.api.Challenge(ctx, a.nip)
	if err != nil {
		return nil, run.fail("challenge", err)
	}
	run.enter(StateChallengeRequested)

	encrypted, err := a.handshake.Encrypt(ctx, a.secret, challenge.TimestampMs)
	if err != nil {
		return nil, run.fail("encrypt", err)
	}

	submitted, err := a.api.SubmitKsefToken(ctx, ksef.KsefTokenRequest{
		Challenge:         challenge.Challenge,
		ContextIdentifier: ksef.NIPContext(a.nip),
		EncryptedToken:    encrypted,
	})
	if err != nil {
		if errors.StatusCode(err) == http.StatusBadRequest {
			a.handshake.Invalidate()
		}
		return nil, run.fail("submit", err)
	}
	run.reference = submitted.ReferenceNumber
	run.enter(StateTokenSubmitted)

	if err := run.pollStatus(ctx, submitted.ReferenceNumber, submitted.AuthenticationToken.Token); err != nil {
		return nil, run.fail("status", err)
	}

	redeemed, err := a.api.Redeem(ctx, submitted.AuthenticationToken.Token)
	if err != nil {
		return nil, run.fail("redeem", err)
	}
	if redeemed.AccessToken == nil || redeemed.AccessToken.Token == "" {
		return nil, run.fail("redeem", errors.Protocol("Authenticator Authenticate", "redeem returned no access token"))
	}
	run.enter(StateRedeemed)

	span.SetAttributes(attribute.String("ksef.reference_number", submitted.ReferenceNumber))
	a.log.Info().Str("reference", submitted.ReferenceNumber).Msg("KSeF authentication completed")
	return sessions.FromRedeem(redeemed, a.nowFunc()), nil
}

// flow is the per-call state of one authentication attempt.
type flow struct {
	a         *Authenticator
	state     State
	reference string
}

func (f *flow) enter(s State) {
	f.state = s
	if f.a.observer != nil {
		f.a.observer(s)
	}
}

func (f *flow) fail(step string, err error) error {
	from := f.state
	f.enter(StateAuthFailed)
	f.a.log.Error().Err(err).Str("step", step).Str("state", from.String()).Str("reference", f.reference).Msg("KSeF authentication failed")
	return fmt.Errorf("[Authenticator Authenticate] %s failed: %w", step, err)
}

// pollStatus polls until the attempt succeeds, fails or runs out of attempts.
// A transport error costs an attempt but is otherwise retried on the same schedule.
// Any other error fails the attempt at once.
func (f *flow) pollStatus(ctx context.Context, reference, authToken string) error {
	a := f.a
	_, span := otel.Tracer(tracerName).Start(ctx, "Authenticator pollStatus")
	defer span.End()

	f.enter(StateStatusPolling)
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		status, err := a.api.AuthStatus(ctx, reference, authToken)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, errors.ErrTransport) {
				span.SetStatus(codes.Error, "status check failed")
				return err
			}
			lastErr = err
			a.log.Warn().Err(err).Int("attempt", attempt).Msg("authentication status check failed")
		case status.Status.Code == ksef.AuthStatusSuccess:
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		case status.Status.Code == ksef.AuthStatusInProgress:
			a.log.Debug().Int("attempt", attempt).Int("max_attempts", a.maxAttempts).Msg("authentication in progress")
		default:
			code := status.Status.Code
			if code == ksef.AuthStatusInvalidToken || code == ksef.AuthStatusCertificateError {
				a.handshake.Invalidate()
			}
			span.SetStatus(codes.Error, "unexpected status")
			return errors.Protocol("Authenticator pollStatus", "%w: status %d: %s", errors.ErrAuthRejected, code, status.Status.Description)
		}

		if attempt == a.maxAttempts {
			break
		}
		delay := a.delayFunc(attempt)
		if err := a.sleepFunc(ctx, delay); err != nil {
			return err
		}
	}

	span.SetStatus(codes.Error, "timeout")
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts (last error: %w)", errors.ErrAuthTimeout, a.maxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", errors.ErrAuthTimeout, a.maxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
