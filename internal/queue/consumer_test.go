package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	got []BookingEvent
}

func (c *captureNotifier) Notify(_ context.Context, ev BookingEvent) error {
	c.got = append(c.got, ev)
	return nil
}

func TestHandleMessage(t *testing.T) {
	n := &captureNotifier{}
	body, err := json.Marshal(BookingEvent{Type: BookingCreated, BookingID: 12, Participants: 2})
	require.NoError(t, err)

	require.NoError(t, handleMessage(context.Background(), n, body))
	require.Len(t, n.got, 1)
	assert.Equal(t, uint64(12), n.got[0].BookingID)

	assert.Error(t, handleMessage(context.Background(), n, []byte("{not json")))
	assert.Error(t, handleMessage(context.Background(), n, []byte(`{"booking_id": 1}`)))
	assert.Len(t, n.got, 1)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	l := log.New()
	l.SetOutput(&buf)
	l.SetFormatter(&log.JSONFormatter{})

	err := LogNotifier{Logger: l}.Notify(context.Background(), BookingEvent{Type: RefundPending, BookingID: 3, RefundCents: 500})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"event":"refund.pending"`)
	assert.Contains(t, buf.String(), `"booking_id":3`)
}
