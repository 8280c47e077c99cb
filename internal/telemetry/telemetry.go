// Package telemetry configures the OpenTelemetry tracer provider used for
// polling cycles, authentication and KSeF HTTP calls.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

type Config struct {
	Enabled bool
	// Endpoint is host:port or a URL; only the host part is dialled.
	Endpoint    string
	ServiceName string
	// Insecure disables TLS even for https endpoints.
	Insecure bool
	Version  string
}

// Provider owns the tracer provider and its exporter.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	shutdown       func(context.Context) error
}

type Option func(*options)

type options struct {
	log        zerolog.Logger
	processors []sdktrace.SpanProcessor
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithSpanProcessor registers an extra processor, e.g. a tracetest.SpanRecorder.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) {
		o.processors = append(o.processors, sp)
	}
}

// Setup builds the provider. When tracing is disabled the provider records
// nothing unless a span processor was supplied, and Shutdown is a no-op for the exporter.
func Setup(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := &options{log: log.Logger}
	for _, opt := range opts {
		opt(o)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName(cfg.ServiceName)),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("[telemetry Setup] failed to build resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if cfg.Enabled && endpoint != "" {
		target, insecure, err := parseEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
		if insecure || cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("[telemetry Setup] failed to create OTLP exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		o.log.Info().Str("endpoint", target).Msg("tracing enabled")
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	return &Provider{
		TracerProvider: tp,
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				o.log.Warn().Err(err).Msg("tracer provider shutdown failed")
				return err
			}
			return nil
		},
	}, nil
}

// SetGlobal makes the provider the one returned by otel.Tracer.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.TracerProvider)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

func parseEndpoint(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("[telemetry Setup] invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("[telemetry Setup] invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme != "https", nil
}

func serviceName(name string) string {
	if name == "" {
		return "ksef-monitor"
	}
	return name
}
