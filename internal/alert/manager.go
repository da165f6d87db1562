package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
)

const (
	// DefaultHistoryCap bounds how many alerts are retained.
	DefaultHistoryCap = 10000

	// DefaultDedupeCooldown suppresses repeat alerts for the same
	// (type, source) pair within this span.
	DefaultDedupeCooldown = time.Minute

	dedupeCacheSize = 4096
)

// Notifier receives every stored alert after rule evaluation. Implemented
// by the broadcaster; nil disables notification.
type Notifier interface {
	NotifyAlert(a *model.Alert)
}

// Statistics summarizes alert volume.
type Statistics struct {
	Total       int       `json:"total_alerts"`
	Active      int       `json:"active_alerts"`
	Critical    int       `json:"critical_alerts"`
	Resolved    int       `json:"resolved_alerts"`
	RatePerHour int       `json:"alert_rate_per_hour"`
	LastUpdated time.Time `json:"last_updated"`
}

// Dashboard is the aggregate view served to operator UIs.
type Dashboard struct {
	SeverityCounts map[model.Severity]int `json:"severity_counts"`
	TotalActive    int                    `json:"total_active"`
	RecentAlerts   []*model.Alert         `json:"recent_alerts"`
	Statistics     Statistics             `json:"statistics"`
}

// Manager owns the alert registry, lifecycle transitions, and the
// rule-driven auto-response pipeline.
type Manager struct {
	mu         sync.RWMutex
	alerts     map[string]*model.Alert
	history    []*model.Alert
	historyCap int

	rules     []Rule
	responder Responder
	notifier  Notifier
	dedupe    *lru.Cache[string, time.Time]
	cooldown  time.Duration

	lastIDStamp int64

	totalCount    int
	criticalCount int
	resolvedCount int
	activeCount   int

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewManager creates an alert manager with the default rule set registered.
// historyCap <= 0 selects DefaultHistoryCap; responder, notifier, and
// metrics may be nil.
func NewManager(historyCap int, responder Responder, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	dedupe, _ := lru.New[string, time.Time](dedupeCacheSize)

	mgr := &Manager{
		alerts:     make(map[string]*model.Alert),
		historyCap: historyCap,
		responder:  responder,
		notifier:   notifier,
		dedupe:     dedupe,
		cooldown:   DefaultDedupeCooldown,
		metrics:    m,
		logger:     logger,
	}
	mgr.registerDefaultRules()
	return mgr
}

// AddRule appends a rule to the registry. Rules are evaluated against each
// new alert in registration order.
func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
}

// Create stores a new alert, evaluates every registered rule against it,
// and hands it to the notifier. Repeat alerts for the same (type, source)
// pair within the dedupe cooldown are suppressed and return nil. Alerts
// without a source identifier are never deduplicated.
func (m *Manager) Create(t model.AlertType, severity model.Severity, title, description, sourceIP, targetIP string, metadata map[string]interface{}) *model.Alert {
	if sourceIP != "" {
		key := string(t) + ":" + sourceIP
		if last, ok := m.dedupe.Get(key); ok && time.Since(last) < m.cooldown {
			m.logger.Debug("Alert suppressed by dedupe cooldown",
				"type", t, "source_ip", sourceIP)
			return nil
		}
		m.dedupe.Add(key, time.Now())
	}

	a := &model.Alert{
		Type:        t,
		Severity:    severity,
		Title:       title,
		Description: description,
		SourceIP:    sourceIP,
		TargetIP:    targetIP,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	a.ID = m.nextIDLocked()
	m.alerts[a.ID] = a
	m.history = append(m.history, a)
	if len(m.history) > m.historyCap {
		dropped := m.history[0]
		m.history = m.history[1:]
		delete(m.alerts, dropped.ID)
		if !dropped.Resolved {
			m.activeCount--
		}
		if dropped.Severity == model.SeverityCritical {
			m.criticalCount--
		}
	}
	m.totalCount++
	m.activeCount++
	if severity == model.SeverityCritical {
		m.criticalCount++
	}
	active := m.activeCount
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsCreated.WithLabelValues(string(severity)).Inc()
		m.metrics.AlertsActive.Set(float64(active))
	}

	m.logger.Info("Alert created",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"title", a.Title)

	m.processRules(a)

	if m.notifier != nil {
		m.notifier.NotifyAlert(a)
	}

	return a
}

// nextIDLocked generates a time-derived alert ID that is strictly
// increasing within the process even when the clock stalls or steps back.
func (m *Manager) nextIDLocked() string {
	stamp := time.Now().UnixMilli()
	if stamp <= m.lastIDStamp {
		stamp = m.lastIDStamp + 1
	}
	m.lastIDStamp = stamp
	return fmt.Sprintf("ALERT_%d", stamp)
}

// processRules evaluates every registered rule against the alert in
// registration order. A failing action is logged and does not stop later
// rules.
func (m *Manager) processRules(a *model.Alert) {
	m.mu.RLock()
	rules := make([]Rule, len(m.rules))
	copy(rules, m.rules)
	m.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Condition(a) {
			continue
		}
		if err := rule.Action(a); err != nil {
			m.logger.Error("Alert rule action failed",
				"rule", rule.Name,
				"alert_id", a.ID,
				"error", err)
		}
	}
}

// Acknowledge marks an alert acknowledged, reporting false for unknown ids.
func (m *Manager) Acknowledge(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return false
	}
	a.Acknowledged = true
	m.logger.Info("Alert acknowledged", "alert_id", id)
	return true
}

// Resolve marks an alert resolved, reporting false for unknown ids. A
// resolved alert never re-enters rule evaluation.
func (m *Manager) Resolve(id string) bool {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if !a.Resolved {
		a.Resolved = true
		m.resolvedCount++
		m.activeCount--
	}
	active := m.activeCount
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsActive.Set(float64(active))
	}
	m.logger.Info("Alert resolved", "alert_id", id)
	return true
}

// Get returns the alert with the given id.
func (m *Manager) Get(id string) (*model.Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	return a, ok
}

// Active returns all unresolved alerts in creation order.
func (m *Manager) Active() []*model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Alert
	for _, a := range m.history {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// BySeverity returns all alerts at the given severity in creation order.
func (m *Manager) BySeverity(severity model.Severity) []*model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Alert
	for _, a := range m.history {
		if a.Severity == severity {
			out = append(out, a)
		}
	}
	return out
}

// History returns the most recent limit alerts in creation order; limit <= 0
// returns the whole retained history.
func (m *Manager) History(limit int) []*model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]*model.Alert, len(m.history)-start)
	copy(out, m.history[start:])
	return out
}

// RatePerHour counts alerts created within the last hour.
func (m *Manager) RatePerHour() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Hour)
	count := 0
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].CreatedAt.Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Stats returns alert volume statistics.
func (m *Manager) Stats() Statistics {
	m.mu.RLock()
	total := m.totalCount
	active := m.activeCount
	critical := m.criticalCount
	resolved := m.resolvedCount
	m.mu.RUnlock()

	return Statistics{
		Total:       total,
		Active:      active,
		Critical:    critical,
		Resolved:    resolved,
		RatePerHour: m.RatePerHour(),
		LastUpdated: time.Now(),
	}
}

// DashboardData aggregates active alert counts by severity plus the last
// ten alerts of the past day.
func (m *Manager) DashboardData() Dashboard {
	m.mu.RLock()
	counts := map[model.Severity]int{
		model.SeverityLow:      0,
		model.SeverityMedium:   0,
		model.SeverityHigh:     0,
		model.SeverityCritical: 0,
	}
	totalActive := 0
	for _, a := range m.history {
		if !a.Resolved {
			counts[a.Severity]++
			totalActive++
		}
	}

	dayAgo := time.Now().Add(-24 * time.Hour)
	var recent []*model.Alert
	for _, a := range m.history {
		if a.CreatedAt.After(dayAgo) {
			recent = append(recent, a)
		}
	}
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	m.mu.RUnlock()

	return Dashboard{
		SeverityCounts: counts,
		TotalActive:    totalActive,
		RecentAlerts:   recent,
		Statistics:     m.Stats(),
	}
}
