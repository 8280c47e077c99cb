package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"golang.org/x/oauth2"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	payloadSource         = "ksef-monitor"
)

var _ Sink = (*WebhookSink)(nil)

// WebhookPayload is the JSON document sent to the endpoint.
type WebhookPayload struct {
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	Priority     int             `json:"priority"`
	PriorityName string          `json:"priority_name"`
	Timestamp    string          `json:"timestamp"`
	Source       string          `json:"source"`
	Invoice      *InvoiceDetails `json:"invoice,omitempty"`
}

// NewWebhookPayload converts n into the wire payload.
func NewWebhookPayload(n Notification) WebhookPayload {
	return WebhookPayload{
		Title:        n.Title,
		Message:      n.Message,
		Priority:     int(n.Priority),
		PriorityName: n.Priority.String(),
		Timestamp:    n.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:       payloadSource,
		Invoice:      n.Invoice,
	}
}

// Sign returns the X-Signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookSink posts notifications to an HTTP endpoint.
type WebhookSink struct {
	url           string
	method        string
	headers       map[string]string
	token         string
	signingSecret string
	allowPrivate  bool
	timeout       time.Duration
	httpClient    *http.Client
	resolver      func(ctx context.Context, host string) ([]net.IPAddr, error)
}

type WebhookOption func(*WebhookSink)

// WithMethod selects POST (default), PUT or GET. GET sends the payload as query parameters.
func WithMethod(method string) WebhookOption {
	return func(s *WebhookSink) {
		s.method = strings.ToUpper(method)
	}
}

func WithHeaders(headers map[string]string) WebhookOption {
	return func(s *WebhookSink) {
		for k, v := range headers {
			s.headers[k] = v
		}
	}
}

// WithBearerToken adds an Authorization header.
func WithBearerToken(token string) WebhookOption {
	return func(s *WebhookSink) {
		s.token = token
	}
}

// WithSigningSecret enables the X-Signature HMAC-SHA256 header.
func WithSigningSecret(secret string) WebhookOption {
	return func(s *WebhookSink) {
		s.signingSecret = secret
	}
}

// WithAllowPrivate permits loopback, link-local and private targets.
func WithAllowPrivate(allow bool) WebhookOption {
	return func(s *WebhookSink) {
		s.allowPrivate = allow
	}
}

func WithTimeout(d time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithResolver replaces DNS resolution used by the target check.
func WithResolver(fn func(ctx context.Context, host string) ([]net.IPAddr, error)) WebhookOption {
	return func(s *WebhookSink) {
		s.resolver = fn
	}
}

// NewWebhookSink validates rawURL and builds the sink. URLs with an unsupported
// scheme, or whose host resolves to an internal address, are refused.
func NewWebhookSink(ctx context.Context, rawURL string, options ...WebhookOption) (*WebhookSink, error) {
	s := &WebhookSink{
		url:      rawURL,
		method:   http.MethodPost,
		headers:  map[string]string{},
		timeout:  defaultWebhookTimeout,
		resolver: net.DefaultResolver.LookupIPAddr,
	}
	for _, opt := range options {
		opt(s)
	}

	switch s.method {
	case http.MethodPost, http.MethodPut, http.MethodGet:
	default:
		return nil, errors.Wrapf(errors.ErrUnsupported, "[WebhookSink New] method %s", s.method)
	}
	if err := s.checkTarget(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.header("Content-Type"); !ok {
		s.headers["Content-Type"] = "application/json"
	}

	dialer := &net.Dialer{Timeout: s.timeout}
	if !s.allowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && internalIP(ip) {
				return fmt.Errorf("refusing connection to internal address %s", host)
			}
			return nil
		}
	}
	s.httpClient = &http.Client{
		Timeout:   s.timeout,
		Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, DialContext: dialer.DialContext},
	}
	return s, nil
}

func (s *WebhookSink) header(name string) (string, bool) {
	for k, v := range s.headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func internalIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (s *WebhookSink) checkTarget(ctx context.Context) error {
	u, err := url.Parse(s.url)
	if err != nil {
		return fmt.Errorf("[WebhookSink New] invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("[WebhookSink New] unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("[WebhookSink New] url has no host")
	}
	if s.allowPrivate {
		return nil
	}

	var addrs []net.IPAddr
	if ip := net.ParseIP(host); ip != nil {
		addrs = []net.IPAddr{{IP: ip}}
	} else {
		addrs, err = s.resolver(ctx, host)
		if err != nil {
			return fmt.Errorf("[WebhookSink New] cannot resolve %s: %w", host, err)
		}
	}
	for _, a := range addrs {
		if internalIP(a.IP) {
			return fmt.Errorf("[WebhookSink New] %s resolves to an internal address", host)
		}
	}
	return nil
}

func (s *WebhookSink) Name() string {
	return "webhook"
}

func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	payload := NewWebhookPayload(n)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("[WebhookSink Send] encode payload: %w", err)
	}

	target := s.url
	var reader io.Reader
	if s.method == http.MethodGet {
		target, err = withQuery(s.url, payload)
		if err != nil {
			return err
		}
	} else {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, target, reader)
	if err != nil {
		return fmt.Errorf("[WebhookSink Send] build request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	if s.token != "" {
		(&oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}).SetAuthHeader(req)
	}
	if s.signingSecret != "" {
		req.Header.Set("X-Signature", Sign(s.signingSecret, body))
	}
	req.Header.Set("X-Request-ID", utils.FirstNonEmpty(utils.CycleID(ctx), uuid.NewString()))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Transport("WebhookSink Send", 0, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Transport("WebhookSink Send", resp.StatusCode, fmt.Errorf("webhook responded %s", resp.Status))
	}
	return nil
}

func withQuery(rawURL string, p WebhookPayload) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("[WebhookSink Send] invalid url: %w", err)
	}
	q := u.Query()
	q.Set("title", p.Title)
	q.Set("message", p.Message)
	q.Set("priority", strconv.Itoa(p.Priority))
	q.Set("priority_name", p.PriorityName)
	q.Set("timestamp", p.Timestamp)
	q.Set("source", p.Source)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
