package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method string
	header http.Header
	query  map[string][]string
	body   []byte
}

func setupWebhookServer(t *testing.T, status int) (*httptest.Server, chan capturedRequest) {
	t.Helper()
	ch := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- capturedRequest{method: r.Method, header: r.Header.Clone(), query: r.URL.Query(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func startedNotification() notify.Notification {
	return notify.Notification{
		Title:     notify.TitleStarted,
		Message:   "Monitoring invoices for NIP: 1234567890",
		Priority:  notify.PriorityLow,
		Timestamp: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestWebhookPostsSignedPayload(t *testing.T) {
	srv, requests := setupWebhookServer(t, http.StatusOK)
	sink, err := notify.NewWebhookSink(context.Background(), srv.URL+"/hook",
		notify.WithAllowPrivate(true),
		notify.WithBearerToken("secret-token"),
		notify.WithSigningSecret("signing-key"),
		notify.WithHeaders(map[string]string{"X-Custom": "yes"}),
	)
	require.NoError(t, err)

	ctx := utils.WithCycleID(context.Background(), "cycle-42")
	require.NoError(t, sink.Send(ctx, startedNotification()))

	req := <-requests
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "Bearer secret-token", req.header.Get("Authorization"))
	assert.Equal(t, "yes", req.header.Get("X-Custom"))
	assert.Equal(t, "cycle-42", req.header.Get("X-Request-ID"))

	mac := hmac.New(sha256.New, []byte("signing-key"))
	mac.Write(req.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), req.header.Get("X-Signature"))
	assert.Equal(t, notify.Sign("signing-key", req.body), req.header.Get("X-Signature"))

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "webhook_payload", req.body)
}

func TestWebhookWithoutSecretHasNoSignature(t *testing.T) {
	srv, requests := setupWebhookServer(t, http.StatusNoContent)
	sink, err := notify.NewWebhookSink(context.Background(), srv.URL, notify.WithAllowPrivate(true), notify.WithMethod("put"))
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), startedNotification()))
	req := <-requests
	assert.Equal(t, http.MethodPut, req.method)
	assert.Empty(t, req.header.Get("X-Signature"))
	assert.Empty(t, req.header.Get("Authorization"))
	assert.NotEmpty(t, req.header.Get("X-Request-ID"))
}

func TestWebhookGetSendsQueryParameters(t *testing.T) {
	srv, requests := setupWebhookServer(t, http.StatusOK)
	sink, err := notify.NewWebhookSink(context.Background(), srv.URL+"?existing=1", notify.WithAllowPrivate(true), notify.WithMethod(http.MethodGet))
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), startedNotification()))
	req := <-requests
	assert.Equal(t, http.MethodGet, req.method)
	assert.Empty(t, req.body)
	assert.Equal(t, []string{"1"}, req.query["existing"])
	assert.Equal(t, []string{notify.TitleStarted}, req.query["title"])
	assert.Equal(t, []string{"-1"}, req.query["priority"])
	assert.Equal(t, []string{"low"}, req.query["priority_name"])
	assert.Equal(t, []string{"ksef-monitor"}, req.query["source"])
}

func TestWebhookErrorStatus(t *testing.T) {
	srv, _ := setupWebhookServer(t, http.StatusInternalServerError)
	sink, err := notify.NewWebhookSink(context.Background(), srv.URL, notify.WithAllowPrivate(true))
	require.NoError(t, err)

	err = sink.Send(context.Background(), startedNotification())
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, errors.StatusCode(err))
}

func TestWebhookRefusesInternalTargets(t *testing.T) {
	ctx := context.Background()
	resolveTo := func(ip string) notify.WebhookOption {
		return notify.WithResolver(func(context.Context, string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
		})
	}

	tests := []struct {
		name    string
		url     string
		options []notify.WebhookOption
		wantErr bool
	}{
		{name: "loopback literal", url: "http://127.0.0.1:8080/hook", wantErr: true},
		{name: "link local", url: "http://169.254.169.254/latest", wantErr: true},
		{name: "private by dns", url: "https://hooks.internal.example/x", options: []notify.WebhookOption{resolveTo("10.1.2.3")}, wantErr: true},
		{name: "public by dns", url: "https://hooks.example.com/x", options: []notify.WebhookOption{resolveTo("93.184.216.34")}},
		{name: "private allowed", url: "http://192.168.1.10/hook", options: []notify.WebhookOption{notify.WithAllowPrivate(true)}},
		{name: "bad scheme", url: "ftp://hooks.example.com/x", options: []notify.WebhookOption{resolveTo("93.184.216.34")}, wantErr: true},
		{name: "no host", url: "https:///x", wantErr: true},
		{name: "bad method", url: "https://hooks.example.com/x", options: []notify.WebhookOption{resolveTo("93.184.216.34"), notify.WithMethod("DELETE")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := notify.NewWebhookSink(ctx, tt.url, tt.options...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
