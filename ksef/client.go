package ksef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout  = 30 * time.Second
	apiVersion      = "v2"
	maxResponseSize = 16 << 20
	maxErrorSnippet = 512
	tracerName      = "github.com/jrsteele09/go-ksef-monitor/ksef"
)

// Client talks to the KSeF v2 REST API. It holds no credentials; every
// authenticated call takes the bearer token to use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	log        zerolog.Logger
	tracer     trace.Tracer
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) {
		cl.log = l
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// NewClient creates a client for the API rooted at baseURL (see BaseURL).
func NewClient(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  "go-ksef-monitor",
		log:        log.Logger,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Challenge requests an authentication challenge bound to the taxpayer NIP.
func (c *Client) Challenge(ctx context.Context, nip string) (*ChallengeResponse, error) {
	const op = "Client Challenge"
	var out ChallengeResponse
	err := c.doJSON(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/auth/challenge",
		body:   ChallengeRequest{ContextIdentifier: NIPContext(nip)},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Challenge == "" || out.TimestampMs == 0 {
		return nil, errors.Protocol(op, "response is missing challenge or timestampMs")
	}
	return &out, nil
}

// PublicKeyCertificates lists the certificates the authority publishes. The call is unauthenticated.
func (c *Client) PublicKeyCertificates(ctx context.Context) ([]PublicKeyCertificate, error) {
	var out []PublicKeyCertificate
	err := c.doJSON(ctx, request{
		op:     "Client PublicKeyCertificates",
		method: http.MethodGet,
		path:   "/security/public-key-certificates",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitKsefToken submits the encrypted KSeF token and returns the attempt's reference and temporary token.
func (c *Client) SubmitKsefToken(ctx context.Context, req KsefTokenRequest) (*KsefTokenResponse, error) {
	const op = "Client SubmitKsefToken"
	var out KsefTokenResponse
	err := c.doJSON(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/auth/ksef-token",
		body:   req,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ReferenceNumber == "" || out.AuthenticationToken.Token == "" {
		return nil, errors.Protocol(op, "response is missing referenceNumber or authenticationToken")
	}
	return &out, nil
}

// AuthStatus polls the processing status of an authentication attempt using its temporary token.
func (c *Client) AuthStatus(ctx context.Context, referenceNumber, authToken string) (*AuthStatusResponse, error) {
	var out AuthStatusResponse
	err := c.doJSON(ctx, request{
		op:     "Client AuthStatus",
		method: http.MethodGet,
		path:   "/auth/" + url.PathEscape(referenceNumber),
		bearer: authToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Redeem exchanges the temporary token for an access/refresh token pair.
func (c *Client) Redeem(ctx context.Context, authToken string) (*RedeemResponse, error) {
	const op = "Client Redeem"
	var out RedeemResponse
	err := c.doJSON(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/auth/token/redeem",
		bearer: authToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == nil || out.AccessToken.Token == "" {
		return nil, errors.Protocol(op, "response is missing accessToken")
	}
	return &out, nil
}

// Refresh obtains a new access token using the refresh token as bearer.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	const op = "Client Refresh"
	var out RefreshResponse
	err := c.doJSON(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/auth/token/refresh",
		bearer: refreshToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == nil || out.AccessToken.Token == "" {
		return nil, errors.Protocol(op, "response is missing accessToken")
	}
	return &out, nil
}

// RevokeCurrentSession invalidates the session the access token belongs to.
func (c *Client) RevokeCurrentSession(ctx context.Context, accessToken string) error {
	_, _, err := c.do(ctx, request{
		op:     "Client RevokeCurrentSession",
		method: http.MethodDelete,
		path:   "/auth/sessions/current",
		bearer: accessToken,
	})
	return err
}

// Sessions lists the taxpayer's active authentication sessions.
func (c *Client) Sessions(ctx context.Context, accessToken string) ([]AuthSession, error) {
	var out SessionsResponse
	err := c.doJSON(ctx, request{
		op:     "Client Sessions",
		method: http.MethodGet,
		path:   "/auth/sessions",
		bearer: accessToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// QueryMetadata fetches one page of invoice metadata.
func (c *Client) QueryMetadata(ctx context.Context, accessToken string, q MetadataQuery) (*MetadataPage, error) {
	var out MetadataPage
	err := c.doJSON(ctx, request{
		op:     "Client QueryMetadata",
		method: http.MethodPost,
		path:   "/invoices/query/metadata",
		bearer: accessToken,
		body:   q,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// InvoiceXML downloads the invoice document for a KSeF number.
func (c *Client) InvoiceXML(ctx context.Context, accessToken, ksefNumber string) (*Document, error) {
	const op = "Client InvoiceXML"
	if !ValidKsefNumber(ksefNumber) {
		return nil, errors.Wrapf(errors.ErrInvalidNumber, "[%s] %q", op, ksefNumber)
	}
	resp, body, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "/invoices/ksef/" + url.PathEscape(ksefNumber),
		bearer: accessToken,
		accept: "application/xml",
	})
	if err != nil {
		return nil, err
	}
	return &Document{
		KsefNumber: ksefNumber,
		Content:    body,
		Hash:       resp.Header.Get("x-ms-meta-hash"),
	}, nil
}

// InvoiceUPO downloads the official acknowledgement of receipt for an invoice.
// It returns nil and no error while no UPO is available yet.
func (c *Client) InvoiceUPO(ctx context.Context, accessToken, ksefNumber string) (*Document, error) {
	const op = "Client InvoiceUPO"
	if !ValidKsefNumber(ksefNumber) {
		return nil, errors.Wrapf(errors.ErrInvalidNumber, "[%s] %q", op, ksefNumber)
	}
	resp, body, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "/invoices/upo/ksef/" + url.PathEscape(ksefNumber),
		bearer: accessToken,
		accept: "application/xml",
	})
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Document{
		KsefNumber: ksefNumber,
		Content:    body,
		Hash:       resp.Header.Get("x-ms-meta-hash"),
	}, nil
}

type request struct {
	op     string
	method string
	path   string
	bearer string
	accept string
	body   interface{}
}

func (c *Client) doJSON(ctx context.Context, r request, out interface{}) error {
	_, body, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		if out != nil {
			return errors.Protocol(r.op, "empty response body")
		}
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Protocol(r.op, "decode response: %v", err)
	}
	return nil
}

// do executes one request. Network failures and non-2xx responses are
// returned as transport errors; the response body is always read and closed.
func (c *Client) do(ctx context.Context, r request) (*http.Response, []byte, error) {
	ctx, span := c.tracer.Start(ctx, r.op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", r.method),
			attribute.String("url.path", r.path),
		))
	defer span.End()

	var reader io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return nil, nil, fmt.Errorf("[%s] failed to encode request: %w", r.op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+"/"+apiVersion+r.path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("[%s] failed to build request: %w", r.op, err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	accept := r.accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if r.bearer != "" {
		(&oauth2.Token{AccessToken: r.bearer, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, nil, errors.Transport(r.op, 0, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		span.RecordError(err)
		return nil, nil, errors.Transport(r.op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		c.log.Debug().Str("op", r.op).Int("status", resp.StatusCode).Msg("KSeF request rejected")
		return resp, body, errors.Transport(r.op, resp.StatusCode, fmt.Errorf("%s", snippet(body)))
	}
	return resp, body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
