package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Trigger receives every invoice the monitor sees for the first time.
// Implementations handle their own failures; nothing is returned to the caller.
type Trigger interface {
	OnNewInvoice(ctx context.Context, inv ksef.InvoiceMetadata, category ksef.SubjectType)
}

// Sink delivers a notification over one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

const maxErrorMessage = 200

var _ Trigger = (*Manager)(nil)

// Manager fans notifications out to every configured sink.
type Manager struct {
	sinks    []Sink
	priority Priority
	nowFunc  func() time.Time
	log      zerolog.Logger
}

type ManagerOption func(*Manager)

// WithPriority sets the priority of new invoice notifications.
func WithPriority(p Priority) ManagerOption {
	return func(m *Manager) {
		m.priority = p
	}
}

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

func NewManager(sinks []Sink, options ...ManagerOption) *Manager {
	m := &Manager{
		sinks:    sinks,
		priority: PriorityNormal,
		nowFunc:  time.Now,
		log:      log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	if len(m.sinks) == 0 {
		m.log.Warn().Msg("no notification channels enabled - notifications disabled")
	}
	return m
}

// Sinks returns the names of the configured channels.
func (m *Manager) Sinks() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Send delivers n to every sink. It reports true when at least one sink succeeded.
func (m *Manager) Send(ctx context.Context, n Notification) bool {
	if n.Timestamp.IsZero() {
		n.Timestamp = m.nowFunc()
	}
	delivered := 0
	for _, s := range m.sinks {
		if err := s.Send(ctx, n); err != nil {
			m.log.Error().Err(err).Str("sink", s.Name()).Str("title", n.Title).Msg("notification failed")
			continue
		}
		delivered++
	}
	if delivered == 0 && len(m.sinks) > 0 {
		m.log.Error().Str("title", n.Title).Msg("all notification channels failed")
	}
	return delivered > 0
}

func (m *Manager) OnNewInvoice(ctx context.Context, inv ksef.InvoiceMetadata, category ksef.SubjectType) {
	n := InvoiceNotification(inv, category, m.priority, m.nowFunc())
	number := utils.OneLine(utils.FirstNonEmpty(inv.KsefNumber, notAvail))
	if m.Send(ctx, n) {
		m.log.Info().Str("category", string(category)).Str("ksef_number", number).Msg("notification sent")
		return
	}
	m.log.Warn().Str("category", string(category)).Str("ksef_number", number).Msg("failed to send notification")
}

// Started announces that monitoring began for nip.
func (m *Manager) Started(ctx context.Context, nip string) bool {
	return m.Send(ctx, Notification{
		Title:    TitleStarted,
		Message:  fmt.Sprintf("Monitoring invoices for NIP: %s", nip),
		Priority: PriorityLow,
	})
}

// Stopped announces a clean shutdown.
func (m *Manager) Stopped(ctx context.Context) bool {
	return m.Send(ctx, Notification{
		Title:    TitleStopped,
		Message:  "Invoice monitoring has been stopped",
		Priority: PriorityLow,
	})
}

// Error reports a failed cycle at high priority.
func (m *Manager) Error(ctx context.Context, err error) bool {
	return m.Send(ctx, Notification{
		Title:    TitleError,
		Message:  "Error occurred: " + utils.Truncate(err.Error(), maxErrorMessage),
		Priority: PriorityHigh,
	})
}
