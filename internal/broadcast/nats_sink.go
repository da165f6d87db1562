package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/netsentry/netsentry/internal/model"
)

// AlertsSubject is the NATS subject alert events are published on.
const AlertsSubject = "netsentry.alerts"

// NATSSink is a Subscriber that forwards events to a NATS subject so that
// out-of-process consumers can follow the alert stream.
type NATSSink struct {
	id     string
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSSink creates a NATS-backed subscriber.
func NewNATSSink(nc *nats.Conn, logger *slog.Logger) *NATSSink {
	return &NATSSink{
		id:     "nats:" + AlertsSubject,
		nc:     nc,
		logger: logger,
	}
}

// ID returns the sink handle.
func (s *NATSSink) ID() string { return s.id }

// Send publishes the event to the alerts subject. A closed or disconnected
// connection is an error, which causes the broadcaster to drop this sink.
func (s *NATSSink) Send(ev Event) error {
	if s.nc == nil || !s.nc.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-message-type", ev.MessageType)
	if a, ok := ev.Data.(*model.Alert); ok {
		headers.Set("x-alert-id", a.ID)
		headers.Set("x-severity", string(a.Severity))
	}

	msg := &nats.Msg{
		Subject: AlertsSubject,
		Data:    data,
		Header:  headers,
	}
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("Published event", "subject", AlertsSubject, "message_type", ev.MessageType)
	return nil
}
