package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jrsteele09/go-ksef-monitor/archive"
	"github.com/jrsteele09/go-ksef-monitor/auth"
	"github.com/jrsteele09/go-ksef-monitor/internal/config"
	"github.com/jrsteele09/go-ksef-monitor/internal/telemetry"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/ledger"
	"github.com/jrsteele09/go-ksef-monitor/ledger/filestore"
	"github.com/jrsteele09/go-ksef-monitor/ledger/redisstore"
	"github.com/jrsteele09/go-ksef-monitor/ledger/sqlitestore"
	"github.com/jrsteele09/go-ksef-monitor/metrics"
	"github.com/jrsteele09/go-ksef-monitor/monitor"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/jrsteele09/go-ksef-monitor/schedule"
	"github.com/jrsteele09/go-ksef-monitor/token"
	"github.com/rs/zerolog"
)

// App holds the wired components of one ksefmon process.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Client   *ksef.Client
	Tokens   *token.Manager
	Store    ledger.Store
	Notifier *notify.Manager
	Archiver *archive.Archiver
	Metrics  *metrics.Metrics
	Tracing  *telemetry.Provider

	closers []io.Closer
}

// NewApp builds the KSeF client, the authentication chain, the state store
// and the notification sinks. Nothing is contacted except redis, which is
// pinged when selected.
func NewApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: logger}

	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
		Version:     version,
	}, telemetry.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	tracing.SetGlobal()
	a.Tracing = tracing

	baseURL, err := cfg.BaseURL()
	if err != nil {
		return nil, fmt.Errorf("[App NewApp] %w", err)
	}
	a.Client = ksef.NewClient(baseURL,
		ksef.WithHTTPClient(&http.Client{Timeout: cfg.KSeF.Timeout}),
		ksef.WithUserAgent("ksef-monitor/"+version),
		ksef.WithLogger(logger),
	)

	handshake := auth.NewHandshake(a.Client, auth.WithHandshakeLogger(logger))
	authenticator, err := auth.NewAuthenticator(a.Client, handshake, cfg.KSeF.NIP, cfg.KSeF.Token, auth.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.Tokens = token.New(authenticator, a.Client, token.WithLogger(logger))

	if a.Store, err = a.openStore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	sinks, err := a.sinks(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Notifier = notify.NewManager(sinks, notify.WithPriority(cfg.Priority()), notify.WithLogger(logger))

	if cfg.Storage.SaveXML {
		a.Archiver = archive.New(a.Client, a.Tokens, cfg.Storage.OutputDir, archive.WithLogger(logger))
	}
	if cfg.Prometheus.Enabled {
		a.Metrics = metrics.New(metrics.WithLogger(logger))
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (ledger.Store, error) {
	s := a.Config.Storage
	switch s.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case config.BackendRedis:
		store, err := redisstore.Open(ctx, s.RedisURL, s.RedisPassword, s.RedisKey, redisstore.WithLocation(a.Config.Location()))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case config.BackendMemory:
		return ledger.NewMemoryStore(), nil
	default:
		return filestore.New(s.StateFile, filestore.WithLocation(a.Config.Location()), filestore.WithLogger(a.Log)), nil
	}
}

func (a *App) sinks(ctx context.Context) ([]notify.Sink, error) {
	n := a.Config.Notifications
	var sinks []notify.Sink
	for _, ch := range n.Channels {
		switch ch {
		case config.ChannelLog:
			sinks = append(sinks, notify.NewLogSink(a.Log))
		case config.ChannelWebhook:
			sink, err := notify.NewWebhookSink(ctx, n.Webhook.URL,
				notify.WithMethod(n.Webhook.Method),
				notify.WithHeaders(n.Webhook.Headers),
				notify.WithBearerToken(n.Webhook.Token),
				notify.WithSigningSecret(n.Webhook.SigningSecret),
				notify.WithAllowPrivate(n.Webhook.AllowPrivate),
				notify.WithTimeout(n.Webhook.Timeout),
			)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		case config.ChannelKafka:
			sink, err := notify.NewKafkaSink(n.Kafka.Brokers, n.Kafka.Topic)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, sink)
			sinks = append(sinks, sink)
		}
	}
	return sinks, nil
}

// Engine builds the sync engine with the configured triggers and metrics.
func (a *App) Engine() *monitor.Engine {
	cfg := a.Config
	triggers := []notify.Trigger{a.Notifier}
	if a.Archiver != nil {
		triggers = append(triggers, a.Archiver)
	}
	opts := []monitor.EngineOption{
		monitor.WithCategories(cfg.SubjectTypes()...),
		monitor.WithDateType(ksef.ParseDateType(cfg.Monitoring.DateType)),
		monitor.WithLookback(cfg.Monitoring.Lookback),
		monitor.WithMaxPages(cfg.Monitoring.MaxPages),
		monitor.WithTriggers(triggers...),
		monitor.WithLogger(a.Log),
	}
	if a.Metrics != nil {
		opts = append(opts, monitor.WithRecorder(a.Metrics))
	}
	return monitor.NewEngine(a.Client, a.Tokens, a.Store, opts...)
}

// Runner builds the scheduling loop around engine.
func (a *App) Runner(engine monitor.CycleRunner) (*monitor.Runner, error) {
	sched, err := schedule.New(a.Config.Schedule, schedule.WithLocation(a.Config.Location()))
	if err != nil {
		return nil, err
	}
	opts := []monitor.RunnerOption{
		monitor.WithNotifier(a.Notifier),
		monitor.WithRevoker(a.Tokens),
		monitor.WithNIP(a.Config.KSeF.NIP),
		monitor.WithRunnerLogger(a.Log),
	}
	if a.Metrics != nil {
		opts = append(opts, monitor.WithLifecycle(a.Metrics))
	}
	return monitor.NewRunner(engine, sched, opts...), nil
}

// Close releases stores and sinks and flushes traces.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Log.Warn().Err(err).Msg("failed to close resource")
		}
	}
	a.closers = nil
	if a.Tracing != nil {
		_ = a.Tracing.Shutdown(ctx)
	}
}
