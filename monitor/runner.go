package monitor

import (
	"context"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/metrics"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/jrsteele09/go-ksef-monitor/schedule"
	"github.com/jrsteele09/go-ksef-monitor/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// CycleRunner runs a single polling cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Schedule decides when cycles run and how long to wait between checks.
type Schedule interface {
	schedule.Scheduler
	SleepDuration() time.Duration
	NextRunInfo() string
}

// Notifier sends lifecycle notifications.
type Notifier interface {
	Started(ctx context.Context, nip string) bool
	Stopped(ctx context.Context) bool
	Error(ctx context.Context, err error) bool
}

// Revoker ends the KSeF session.
type Revoker interface {
	Revoke(ctx context.Context)
}

// Lifecycle is the metrics side of shutdown.
type Lifecycle interface {
	Shutdown(ctx context.Context) error
}

var (
	_ CycleRunner = (*Engine)(nil)
	_ Schedule    = (*schedule.Schedule)(nil)
	_ Notifier    = (*notify.Manager)(nil)
	_ Revoker     = (*token.Manager)(nil)
	_ Lifecycle   = (*metrics.Metrics)(nil)
)

// Runner drives the engine from a schedule until its context is cancelled.
type Runner struct {
	engine    CycleRunner
	schedule  Schedule
	notifier  Notifier
	revoker   Revoker
	lifecycle Lifecycle
	nip       string
	sleep     func(ctx context.Context, d time.Duration) error
	log       zerolog.Logger
}

type RunnerOption func(*Runner)

func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) {
		r.notifier = n
	}
}

func WithRevoker(rv Revoker) RunnerOption {
	return func(r *Runner) {
		r.revoker = rv
	}
}

func WithLifecycle(l Lifecycle) RunnerOption {
	return func(r *Runner) {
		r.lifecycle = l
	}
}

// WithNIP is shown in the start notification.
func WithNIP(nip string) RunnerOption {
	return func(r *Runner) {
		r.nip = nip
	}
}

// WithRunnerSleepFunc replaces the wait between schedule checks.
func WithRunnerSleepFunc(fn func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) {
		r.sleep = fn
	}
}

func WithRunnerLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = l
	}
}

func NewRunner(engine CycleRunner, sched Schedule, options ...RunnerOption) *Runner {
	r := &Runner{
		engine:   engine,
		schedule: sched,
		sleep:    sleepContext,
		log:      log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run sends the start notification, runs cycles whenever the schedule says
// so and shuts down once ctx is cancelled. A failed cycle is reported and the
// loop continues.
func (r *Runner) Run(ctx context.Context) error {
	if r.notifier != nil {
		r.notifier.Started(ctx, r.nip)
	}
	defer r.Shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.schedule.ShouldRunNow() {
			r.RunOnce(ctx)
			r.log.Info().Msg(r.schedule.NextRunInfo())
		}
		if err := r.sleep(ctx, r.schedule.SleepDuration()); err != nil {
			return nil
		}
	}
}

// RunOnce runs one cycle and sends an error notification when it fails.
// A cycle cut short by cancellation is not reported as an error.
func (r *Runner) RunOnce(ctx context.Context) (*CycleReport, error) {
	r.log.Info().Msg("checking for new invoices")
	report, err := r.engine.RunCycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r.log.Warn().Err(err).Msg("cycle interrupted by shutdown")
			return report, err
		}
		r.log.Error().Err(err).Msg("error during check")
		if r.notifier != nil {
			r.notifier.Error(ctx, err)
		}
		return report, err
	}
	r.log.Info().Str("cycle_id", report.ID).Int("new", report.New()).Msg("check completed")
	return report, nil
}

// Shutdown revokes the session, then marks metrics down, then sends the stop
// notification. It runs on a fresh context so it still works after cancellation.
func (r *Runner) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.log.Info().Msg("shutting down")
	if r.revoker != nil {
		r.revoker.Revoke(ctx)
	}
	if r.lifecycle != nil {
		if err := r.lifecycle.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to stop metrics server")
		}
	}
	if r.notifier != nil {
		r.notifier.Stopped(ctx)
	}
}
