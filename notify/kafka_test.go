package notify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/jrsteele09/go-ksef-monitor/internal/utils"
	"github.com/jrsteele09/go-ksef-monitor/ksef"
	"github.com/jrsteele09/go-ksef-monitor/notify"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysInvoicesByKsefNumber(t *testing.T) {
	w := &fakeWriter{}
	sink := notify.NewKafkaSinkWithWriter(w, "invoices")

	n := notify.InvoiceNotification(ksef.InvoiceMetadata{KsefNumber: "1234567890-20240601-ABCDEF123456-7Z"}, ksef.Subject1, notify.PriorityNormal, fixedNow)
	require.NoError(t, sink.Send(context.Background(), n))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "1234567890-20240601-ABCDEF123456-7Z", string(w.msgs[0].Key))

	var payload notify.WebhookPayload
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &payload))
	assert.Equal(t, notify.TitleSales, payload.Title)
	assert.Equal(t, "ksef-monitor", payload.Source)
	require.NotNil(t, payload.Invoice)
	assert.Equal(t, "Subject1", payload.Invoice.SubjectType)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSinkKeysOtherEventsByCycle(t *testing.T) {
	w := &fakeWriter{}
	sink := notify.NewKafkaSinkWithWriter(w, "invoices")

	ctx := utils.WithCycleID(context.Background(), "cycle-7")
	require.NoError(t, sink.Send(ctx, startedNotification()))
	assert.Equal(t, "cycle-7", string(w.msgs[0].Key))
}

func TestKafkaSinkReportsWriteFailure(t *testing.T) {
	sink := notify.NewKafkaSinkWithWriter(&fakeWriter{err: fmt.Errorf("broker down")}, "invoices")
	err := sink.Send(context.Background(), startedNotification())
	require.ErrorContains(t, err, "broker down")
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := notify.NewKafkaSink(nil, "invoices")
	require.Error(t, err)
	_, err = notify.NewKafkaSink([]string{"localhost:9092"}, "")
	require.Error(t, err)
}
