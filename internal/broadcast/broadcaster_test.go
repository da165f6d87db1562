package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsentry/netsentry/internal/model"
)

func newTestBroadcaster() *Broadcaster {
	return NewBroadcaster(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBroadcaster_PublishFanOut(t *testing.T) {
	b := newTestBroadcaster()

	received := make(map[string]int)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		sub := NewFuncSubscriber(func(ev Event) error {
			received[name]++
			return nil
		})
		b.Attach(sub)
	}
	require.Equal(t, 3, b.Count())

	b.Publish(Event{MessageType: "test", Data: "payload"})

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, received)
}

func TestBroadcaster_FailingSubscriberRemoved(t *testing.T) {
	b := newTestBroadcaster()

	healthyDeliveries := 0
	for i := 0; i < 3; i++ {
		b.Attach(NewFuncSubscriber(func(ev Event) error {
			healthyDeliveries++
			return nil
		}))
	}
	failing := NewFuncSubscriber(func(ev Event) error {
		return errors.New("connection closed")
	})
	b.Attach(failing)
	require.Equal(t, 4, b.Count())

	b.Publish(Event{MessageType: "test"})

	// Exactly the failing subscriber is gone; the rest still receive.
	assert.Equal(t, 3, b.Count())
	assert.Equal(t, 3, healthyDeliveries)

	b.Publish(Event{MessageType: "test"})
	assert.Equal(t, 6, healthyDeliveries)
	assert.Equal(t, 3, b.Count())
}

func TestBroadcaster_Detach(t *testing.T) {
	b := newTestBroadcaster()

	sub := NewFuncSubscriber(func(ev Event) error { return nil })
	b.Attach(sub)
	require.Equal(t, 1, b.Count())

	b.Detach(sub.ID())
	assert.Equal(t, 0, b.Count())

	// Detaching an unknown id is harmless.
	b.Detach("nope")
	assert.Equal(t, 0, b.Count())
}

func TestBroadcaster_NotifyAlertEnvelope(t *testing.T) {
	b := newTestBroadcaster()

	var got Event
	b.Attach(NewFuncSubscriber(func(ev Event) error {
		got = ev
		return nil
	}))

	a := &model.Alert{ID: "ALERT_1", Type: model.AlertThreatDetected}
	b.NotifyAlert(a)

	assert.Equal(t, "alert", got.MessageType)
	assert.Equal(t, a, got.Data)
}

func TestBroadcaster_PublishWithNoSubscribers(t *testing.T) {
	b := newTestBroadcaster()
	assert.NotPanics(t, func() {
		b.Publish(Event{MessageType: "test"})
	})
}

func TestBroadcaster_NotifyMetricsEnvelope(t *testing.T) {
	b := newTestBroadcaster()

	var got Event
	b.Attach(NewFuncSubscriber(func(ev Event) error {
		got = ev
		return nil
	}))

	snapshot := map[string]interface{}{"source_count": 2}
	b.NotifyMetrics(snapshot)

	assert.Equal(t, "metrics", got.MessageType)
	assert.Equal(t, snapshot, got.Data)
}
