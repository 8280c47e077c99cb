// Package monitor runs polling cycles against KSeF: it queries new invoice
// metadata per category, filters out invoices already seen and hands the rest
// to the configured triggers.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-ksef-monitor/internal/errors"
	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/ledger"
	"github.com/jrsteele09/go-ksef-monitor/metrics"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/jrsteele09/go-ksef-monitor/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLookback = 24 * time.Hour
	DefaultMaxPages = 10
	tracerName      = "github.com/jrsteele09/go-ksef-monitor/monitor"
)

// Caller runs an authenticated call, recovering the session once on 401.
type Caller interface {
	Call(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error
}

// MetadataAPI queries invoice metadata.
type MetadataAPI interface {
	QueryMetadata(ctx context.Context, accessToken string, q ksef.MetadataQuery) (*ksef.MetadataPage, error)
}

// Recorder receives cycle metrics.
type Recorder interface {
	SetLastCheck(t time.Time)
	AddNewInvoices(subjectType string, n int)
}

var (
	_ Caller      = (*token.Manager)(nil)
	_ MetadataAPI = (*ksef.Client)(nil)
	_ Recorder    = (*metrics.Metrics)(nil)
)

type nopRecorder struct{}

func (nopRecorder) SetLastCheck(time.Time) {}

func (nopRecorder) AddNewInvoices(string, int) {}

// CategoryReport is the outcome of one category within a cycle.
type CategoryReport struct {
	Category   ksef.SubjectType
	Fetched    int
	New        int
	Duplicates int
	Truncated  bool
	Err        error
}

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	ID         string
	From       time.Time
	To         time.Time
	Categories []CategoryReport
	Evicted    int
}

// New is the number of invoices triggered across all categories.
func (r *CycleReport) New() int {
	n := 0
	for _, c := range r.Categories {
		n += c.New
	}
	return n
}

// Engine runs one polling cycle at a time. Concurrent RunCycle calls are serialized.
type Engine struct {
	api        MetadataAPI
	creds      Caller
	store      ledger.Store
	triggers   []notify.Trigger
	categories []ksef.SubjectType
	dateType   ksef.DateType
	lookback   time.Duration
	maxPages   int
	ledgerOpts []ledger.Option
	recorder   Recorder
	nowFunc    func() time.Time
	log        zerolog.Logger
	tracer     trace.Tracer

	mu sync.Mutex
}

type EngineOption func(*Engine)

// WithCategories sets the subject types queried each cycle, in order.
func WithCategories(categories ...ksef.SubjectType) EngineOption {
	return func(e *Engine) {
		if len(categories) > 0 {
			e.categories = categories
		}
	}
}

func WithDateType(dt ksef.DateType) EngineOption {
	return func(e *Engine) {
		e.dateType = dt
	}
}

// WithLookback sets the window used when no cycle has completed yet.
func WithLookback(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.lookback = d
		}
	}
}

// WithMaxPages bounds the number of metadata pages fetched per category.
func WithMaxPages(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxPages = n
		}
	}
}

func WithTriggers(triggers ...notify.Trigger) EngineOption {
	return func(e *Engine) {
		e.triggers = append(e.triggers, triggers...)
	}
}

func WithLedgerOptions(options ...ledger.Option) EngineOption {
	return func(e *Engine) {
		e.ledgerOpts = append(e.ledgerOpts, options...)
	}
}

func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithNowFunc(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.nowFunc = now
	}
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

func NewEngine(api MetadataAPI, creds Caller, store ledger.Store, options ...EngineOption) *Engine {
	e := &Engine{
		api:        api,
		creds:      creds,
		store:      store,
		categories: []ksef.SubjectType{ksef.Subject1},
		dateType:   ksef.DateTypeInvoicing,
		lookback:   DefaultLookback,
		maxPages:   DefaultMaxPages,
		recorder:   nopRecorder{},
		nowFunc:    time.Now,
		log:        log.Logger,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// RunCycle queries the window since the last completed cycle for every
// category, triggers each invoice not seen before and persists the new
// state. A failing category is logged and skipped. When credentials are
// exhausted or ctx is cancelled the cycle aborts: entries already marked are
// kept but lastCheck is not advanced, so the next cycle retries the window.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowFunc()
	report := &CycleReport{ID: uuid.NewString(), To: now}
	ctx = utils.WithCycleID(ctx, report.ID)
	ctx, span := e.tracer.Start(ctx, "Engine RunCycle", trace.WithAttributes(attribute.String("cycle.id", report.ID)))
	defer span.End()
	lg := e.log.With().Str("cycle_id", report.ID).Logger()

	l, err := ledger.Load(ctx, e.store, now, e.ledgerOpts...)
	if err != nil {
		span.SetStatus(codes.Error, "load state")
		return report, errors.Wrapf(err, "[Engine RunCycle] failed to load state")
	}
	report.Evicted = l.Evicted()

	report.From = now.Add(-e.lookback)
	if lastCheck, ok := l.LastCheck(); ok {
		report.From = lastCheck
	} else {
		lg.Info().Dur("lookback", e.lookback).Msg("first run - checking lookback window")
	}
	span.SetAttributes(
		attribute.String("window.from", ksef.FormatTimestamp(report.From)),
		attribute.String("window.to", ksef.FormatTimestamp(report.To)),
	)

	for _, category := range e.categories {
		cl := lg.With().
			Str("category", string(category)).
			Str("window_from", ksef.FormatTimestamp(report.From)).
			Str("window_to", ksef.FormatTimestamp(report.To)).
			Logger()

		rep := CategoryReport{Category: category}
		if err := ctx.Err(); err != nil {
			rep.Err = err
			report.Categories = append(report.Categories, rep)
			cl.Warn().Err(err).Msg("cycle interrupted, window will be retried")
			e.checkpoint(ctx, l, report, lg)
			span.SetStatus(codes.Error, "cycle interrupted")
			return report, errors.Wrapf(err, "[Engine RunCycle] cycle interrupted before %s", category)
		}
		invoices, truncated, err := e.fetch(ctx, category, report.From, report.To)
		rep.Fetched, rep.Truncated = len(invoices), truncated
		if err != nil {
			rep.Err = err
			report.Categories = append(report.Categories, rep)
			if errors.Is(err, errors.ErrCredentialExhausted) || ctx.Err() != nil {
				cl.Error().Err(err).Str("step", "credential").Msg("cycle aborted, window will be retried")
				e.checkpoint(ctx, l, report, lg)
				span.RecordError(err)
				span.SetStatus(codes.Error, "cycle aborted")
				return report, errors.Wrapf(err, "[Engine RunCycle] cycle aborted for %s", category)
			}
			cl.Error().Err(err).Str("step", "query_metadata").Msg("metadata query failed, skipping category")
			continue
		}
		if truncated {
			cl.Warn().Int("max_pages", e.maxPages).Msg("page limit reached, invoices beyond it are not processed this cycle")
		}

		for _, inv := range invoices {
			identity := inv.Identity()
			if identity == "" {
				cl.Warn().Str("invoice_number", utils.OneLine(inv.InvoiceNumber)).Msg("invoice has no identifier, skipping")
				continue
			}
			if !l.ShouldProcess(identity) {
				rep.Duplicates++
				continue
			}
			// Marked before triggering: a failing trigger never causes a repeat.
			l.MarkProcessed(identity, now)
			rep.New++
			for _, t := range e.triggers {
				t.OnNewInvoice(ctx, inv, category)
			}
		}
		e.recorder.AddNewInvoices(string(category), rep.New)
		cl.Info().Int("fetched", rep.Fetched).Int("new", rep.New).Int("duplicates", rep.Duplicates).Msg("category processed")
		report.Categories = append(report.Categories, rep)
	}

	if report.New() == 0 {
		lg.Info().Msg("no new invoices found")
	}
	if err := l.Save(ctx, e.store, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save state")
		return report, errors.Wrapf(err, "[Engine RunCycle] failed to save state")
	}
	e.recorder.SetLastCheck(now)
	span.SetAttributes(attribute.Int("invoices.new", report.New()))
	return report, nil
}

func (e *Engine) checkpoint(ctx context.Context, l *ledger.Ledger, report *CycleReport, lg zerolog.Logger) {
	if report.New() == 0 {
		return
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := l.Checkpoint(saveCtx, e.store); err != nil {
		lg.Error().Err(err).Str("step", "checkpoint").Msg("failed to persist processed invoices")
	}
}

// fetch reads every page of one category up to the page limit. It reports
// whether more pages remained when the limit was hit.
func (e *Engine) fetch(ctx context.Context, category ksef.SubjectType, from, to time.Time) ([]ksef.InvoiceMetadata, bool, error) {
	q := ksef.NewMetadataQuery(category, e.dateType, from, to)
	var out []ksef.InvoiceMetadata
	for page := 0; page < e.maxPages; page++ {
		q.PageOffset = page
		var res *ksef.MetadataPage
		err := e.creds.Call(ctx, func(ctx context.Context, accessToken string) error {
			var err error
			res, err = e.api.QueryMetadata(ctx, accessToken, q)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		out = append(out, res.Invoices...)
		if !res.HasMore {
			return out, false, nil
		}
	}
	return out, true, nil
}
