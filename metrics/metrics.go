// Package metrics exposes the monitor's Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultPort = 8000

// Metrics holds the monitor's collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	lastCheck   prometheus.Gauge
	newInvoices *prometheus.CounterVec
	up          prometheus.Gauge
	log         zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

type Option func(*Metrics)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Metrics) {
		m.log = l
	}
}

// New registers the collectors and marks the monitor as up.
func New(options ...Option) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lastCheck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ksef_last_check_timestamp",
			Help: "Unix timestamp of last KSeF API check",
		}),
		newInvoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ksef_new_invoices_total",
			Help: "Total number of new invoices found",
		}, []string{"subject_type"}),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ksef_monitor_up",
			Help: "KSeF Monitor health status (1 = running, 0 = stopped)",
		}),
		log: log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	m.registry.MustRegister(m.lastCheck, m.newInvoices, m.up)
	m.up.Set(1)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetLastCheck records the end of the last completed query window.
func (m *Metrics) SetLastCheck(t time.Time) {
	m.lastCheck.Set(float64(t.UnixNano()) / 1e9)
}

// AddNewInvoices counts invoices seen for the first time in a category.
func (m *Metrics) AddNewInvoices(subjectType string, n int) {
	if n <= 0 {
		return
	}
	m.newInvoices.WithLabelValues(subjectType).Add(float64(n))
}

func (m *Metrics) SetUp(up bool) {
	if up {
		m.up.Set(1)
		return
	}
	m.up.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Start serves /metrics on host:port in the background. A bind failure is
// returned; the monitor can continue without metrics.
func (m *Metrics) Start(host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server != nil {
		m.log.Warn().Str("addr", m.server.Addr).Msg("metrics server already running")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[Metrics Start] failed to listen on %s: %w", addr, err)
	}

	m.server = &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.log.Error().Err(err).Msg("metrics server stopped")
		}
	}(m.server)
	m.log.Info().Str("addr", m.server.Addr).Msg("metrics endpoint listening on /metrics")
	return nil
}

// Addr is the bound address of the running server, or "".
func (m *Metrics) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return ""
	}
	return m.server.Addr
}

// Shutdown marks the monitor as down and stops the HTTP server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.SetUp(false)

	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("[Metrics Shutdown] %w", err)
	}
	return nil
}
