package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	MessageType string      `json:"message_type"`
	Data        interface{} `json:"data"`
}

// Subscriber is a live notification sink. Send failures cause permanent
// removal from the broadcaster; there is no retry.
type Subscriber interface {
	ID() string
	Send(ev Event) error
}

// Broadcaster fans events out to an open set of live subscribers with
// best-effort, fire-and-forget delivery.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewBroadcaster creates an empty broadcaster; metrics may be nil.
func NewBroadcaster(m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]Subscriber),
		metrics:     m,
		logger:      logger,
	}
}

// Attach registers a subscriber.
func (b *Broadcaster) Attach(s Subscriber) {
	b.mu.Lock()
	b.subscribers[s.ID()] = s
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersConnected.Set(float64(count))
	}
	b.logger.Info("Subscriber attached", "subscriber_id", s.ID(), "subscribers", count)
}

// Detach removes a subscriber by id.
func (b *Broadcaster) Detach(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersConnected.Set(float64(count))
	}
	b.logger.Info("Subscriber detached", "subscriber_id", id, "subscribers", count)
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish delivers the event to every current subscriber. Iteration runs
// over a snapshot of the subscriber set; any send failure removes that
// subscriber and delivery to the rest continues. No ordering guarantee
// holds across subscribers.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	var failed []string
	for _, s := range snapshot {
		if err := s.Send(ev); err != nil {
			b.logger.Warn("Subscriber send failed, removing",
				"subscriber_id", s.ID(), "error", err)
			failed = append(failed, s.ID())
		}
	}

	for _, id := range failed {
		b.Detach(id)
	}
}

// NotifyAlert publishes an alert event. Satisfies the alert manager's
// Notifier interface.
func (b *Broadcaster) NotifyAlert(a *model.Alert) {
	b.Publish(Event{MessageType: "alert", Data: a})
}

// NotifyMetrics publishes a metrics snapshot event.
func (b *Broadcaster) NotifyMetrics(data interface{}) {
	b.Publish(Event{MessageType: "metrics", Data: data})
}

// FuncSubscriber adapts a send function into a Subscriber with a generated
// handle.
type FuncSubscriber struct {
	id   string
	send func(ev Event) error
}

// NewFuncSubscriber wraps send in a Subscriber carrying a fresh uuid handle.
func NewFuncSubscriber(send func(ev Event) error) *FuncSubscriber {
	return &FuncSubscriber{
		id:   uuid.New().String(),
		send: send,
	}
}

// ID returns the subscriber handle.
func (s *FuncSubscriber) ID() string { return s.id }

// Send delivers one event.
func (s *FuncSubscriber) Send(ev Event) error { return s.send(ev) }
