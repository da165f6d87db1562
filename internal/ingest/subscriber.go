package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/netsentry/netsentry/internal/behavior"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/reputation"
)

// TrafficSubject carries raw traffic observations from capture collaborators.
const TrafficSubject = "netsentry.traffic.observed"

// maintenanceInterval paces the periodic pruning of behavioral windows and
// reputation records.
const maintenanceInterval = 5 * time.Minute

// reputationIdleLimit is how long a suspicion record may sit untouched
// before the maintenance sweep drops it.
const reputationIdleLimit = 24 * time.Hour

// StatsNotifier receives the pipeline statistics snapshot produced by each
// maintenance sweep. Implemented by the broadcaster; nil disables the
// snapshots.
type StatsNotifier interface {
	NotifyMetrics(data interface{})
}

// Subscriber consumes traffic observations from NATS and feeds them through
// the detection pipeline.
type Subscriber struct {
	nc         *nats.Conn
	detector   *detect.Detector
	behavior   *behavior.Analyzer
	reputation *reputation.Engine
	queue      string
	stats      StatsNotifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a subscriber that analyzes every observation on the
// traffic subject. stats and metrics may be nil.
func NewSubscriber(nc *nats.Conn, detector *detect.Detector, beh *behavior.Analyzer, rep *reputation.Engine, queue string, stats StatsNotifier, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:         nc,
		detector:   detector,
		behavior:   beh,
		reputation: rep,
		queue:      queue,
		stats:      stats,
		metrics:    m,
		logger:     logger,
	}
}

// Subscribe starts the queue subscription and blocks until ctx is
// cancelled, then drains the subscription.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to traffic observations", "subject", TrafficSubject, "queue", s.queue)

	sub, err := s.nc.QueueSubscribe(TrafficSubject, s.queue, s.handleMessage)
	if err != nil {
		s.logger.Error("Failed to subscribe to traffic observations", "error", err)
		return err
	}
	s.sub = sub

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

// handleMessage parses one observation and runs it through the detector.
func (s *Subscriber) handleMessage(msg *nats.Msg) {
	start := time.Now()
	s.logger.Debug("Received traffic observation", "subject", msg.Subject, "data_length", len(msg.Data))

	obs, err := ParseObservation(msg.Data)
	if err != nil {
		s.logger.Error("Failed to parse traffic observation", "error", err)
		if s.metrics != nil {
			s.metrics.ObservationsInvalid.Inc()
		}
		return
	}

	s.detector.Analyze(obs)

	if s.metrics != nil {
		s.metrics.ObservationsProcessed.Inc()
		s.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	}
}

// ParseObservation decodes a traffic observation from loosely typed JSON.
// Payloads arrive base64-encoded under "payload", with a plain-text
// fallback under "data". Missing timestamps default to now.
func ParseObservation(data []byte) (model.Observation, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Observation{}, fmt.Errorf("failed to unmarshal observation: %w", err)
	}

	var obs model.Observation

	if encoded, ok := raw["payload"].(string); ok {
		if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			obs.Payload = decoded
		} else {
			obs.Payload = []byte(encoded)
		}
	} else if text, ok := raw["data"].(string); ok {
		obs.Payload = []byte(text)
	}

	if src, ok := raw["src_ip"].(string); ok {
		obs.SrcIP = src
	} else if src, ok := raw["source_ip"].(string); ok {
		obs.SrcIP = src
	}
	if dst, ok := raw["dst_ip"].(string); ok {
		obs.DstIP = dst
	} else if dst, ok := raw["dest_ip"].(string); ok {
		obs.DstIP = dst
	}

	if port, ok := raw["src_port"].(float64); ok {
		obs.SrcPort = int(port)
	}
	if port, ok := raw["dst_port"].(float64); ok {
		obs.DstPort = int(port)
	}

	if ts, ok := raw["timestamp"].(float64); ok {
		obs.Timestamp = time.UnixMilli(int64(ts))
	} else if ts, ok := raw["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			obs.Timestamp = parsed
		} else {
			obs.Timestamp = time.Now()
		}
	} else {
		obs.Timestamp = time.Now()
	}

	if obs.SrcIP == "" {
		return model.Observation{}, fmt.Errorf("observation has no source identifier")
	}

	return obs, nil
}

// runMaintenance prunes stale behavioral windows and idle reputation
// records, then publishes a statistics snapshot to live subscribers.
func (s *Subscriber) runMaintenance() {
	s.behavior.GC(time.Now())
	s.reputation.Decay(reputationIdleLimit)

	if s.stats != nil {
		s.stats.NotifyMetrics(map[string]interface{}{
			"behavior":  s.behavior.Stats(),
			"threats":   s.reputation.Summarize(5),
			"timestamp": time.Now().UTC(),
		})
	}
	s.logger.Debug("Maintenance sweep completed")
}

// drain stops message delivery, letting in-flight handlers finish.
func (s *Subscriber) drain() error {
	s.logger.Info("Draining traffic subscription")
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Error("Failed to drain traffic subscription", "error", err)
			return err
		}
	}
	s.logger.Info("Traffic subscription drained")
	return nil
}
