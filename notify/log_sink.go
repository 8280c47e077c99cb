package notify

import (
	"context"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/rs/zerolog"
)

var _ Sink = (*LogSink)(nil)

// LogSink writes notifications to the structured log.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l.With().Str("sink", "log").Logger()}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Send(ctx context.Context, n Notification) error {
	ev := s.log.Info().
		Str("title", n.Title).
		Str("priority", n.Priority.String()).
		Time("timestamp", n.Timestamp)
	if id := utils.CycleID(ctx); id != "" {
		ev = ev.Str("cycle_id", id)
	}
	if n.Invoice != nil {
		ev = ev.Str("ksef_number", utils.OneLine(n.Invoice.KsefNumber)).
			Str("category", n.Invoice.SubjectType).
			Float64("gross_amount", utils.Value(n.Invoice.GrossAmount)).
			Str("currency", n.Invoice.Currency)
	}
	ev.Msg(utils.OneLine(n.Message))
	return nil
}
