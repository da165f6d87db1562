package reputation

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/netsentry/netsentry/internal/model"
)

// suspicionThreshold is the counter value above which an identifier is
// flagged as suspicious.
const suspicionThreshold = 3

// record tracks accumulated distrust for one identifier.
type record struct {
	suspicion int
	lastSeen  time.Time
}

// Engine holds the known-malicious set and per-identifier suspicion
// counters.
type Engine struct {
	mu         sync.RWMutex
	malicious  map[string]string // identifier -> reason
	suspicious map[string]*record
	feedStats  map[string]FeedStats
	logger     *slog.Logger
}

// FeedStats records the outcome of the latest merge from one intelligence
// source.
type FeedStats struct {
	Entries   int       `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEngine creates an empty reputation engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		malicious:  make(map[string]string),
		suspicious: make(map[string]*record),
		feedStats:  make(map[string]FeedStats),
		logger:     logger,
	}
}

// Check looks up the reputation of srcID (and dstID, currently informational)
// and returns findings for known-malicious and suspicious identifiers.
func (e *Engine) Check(srcID, dstID string) []model.Finding {
	now := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var findings []model.Finding

	if _, bad := e.malicious[srcID]; bad {
		findings = append(findings, model.Finding{
			Type:        "malicious_ip",
			Severity:    model.SeverityCritical,
			Confidence:  0.95,
			Description: "Connection from known malicious IP",
			SourceIP:    srcID,
			DestIP:      dstID,
			Timestamp:   now,
		})
	}

	if rec, ok := e.suspicious[srcID]; ok && rec.suspicion > suspicionThreshold {
		findings = append(findings, model.Finding{
			Type:        "suspicious_ip",
			Severity:    model.SeverityMedium,
			Confidence:  0.6,
			Description: "IP showing suspicious behavior patterns",
			SourceIP:    srcID,
			DestIP:      dstID,
			Timestamp:   now,
		})
	}

	return findings
}

// RecordSuspicion increments the suspicion counter for an identifier. Called
// whenever any finding is attributed to it.
func (e *Engine) RecordSuspicion(id string) {
	if id == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.suspicious[id]
	if !ok {
		rec = &record{}
		e.suspicious[id] = rec
	}
	rec.suspicion++
	rec.lastSeen = time.Now()
}

// Suspicion returns the current suspicion counter for an identifier.
func (e *Engine) Suspicion(id string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if rec, ok := e.suspicious[id]; ok {
		return rec.suspicion
	}
	return 0
}

// AddMalicious promotes an identifier to the malicious set.
func (e *Engine) AddMalicious(id, reason string) {
	e.mu.Lock()
	e.malicious[id] = reason
	e.mu.Unlock()

	e.logger.Info("Added malicious identifier", "id", id, "reason", reason)
}

// RemoveMalicious removes an identifier from the malicious set, reporting
// whether it was present.
func (e *Engine) RemoveMalicious(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.malicious[id]; !ok {
		return false
	}
	delete(e.malicious, id)
	return true
}

// IsMalicious reports whether an identifier is in the malicious set.
func (e *Engine) IsMalicious(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.malicious[id]
	return ok
}

// MaliciousList returns a copy of the malicious set.
func (e *Engine) MaliciousList() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.malicious))
	for id := range e.malicious {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MergeFeed bulk-adds identifiers from an external threat-intelligence
// source. The core tolerates feeds being absent or stale; merging is purely
// additive.
func (e *Engine) MergeFeed(source string, ids []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, exists := e.malicious[id]; !exists {
			added++
		}
		e.malicious[id] = "feed:" + source
	}

	e.feedStats[source] = FeedStats{Entries: len(ids), UpdatedAt: time.Now()}

	e.logger.Info("Merged threat intelligence feed",
		"source", source, "entries", len(ids), "new", added)
	return added
}

// FeedStatus returns the per-source merge statistics.
func (e *Engine) FeedStatus() map[string]FeedStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]FeedStats, len(e.feedStats))
	for k, v := range e.feedStats {
		out[k] = v
	}
	return out
}

// Decay drops suspicion records that have been idle longer than maxIdle.
// This bounds memory and lets identifiers regain trust over time.
func (e *Engine) Decay(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, rec := range e.suspicious {
		if rec.lastSeen.Before(cutoff) {
			delete(e.suspicious, id)
		}
	}
}

// Summary describes the current threat landscape.
type Summary struct {
	MaliciousCount  int       `json:"total_malicious_ips"`
	SuspiciousCount int       `json:"suspicious_ips"`
	ThreatLevel     string    `json:"threat_level"`
	TopSuspicious   []Suspect `json:"top_suspicious,omitempty"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Suspect pairs an identifier with its suspicion counter.
type Suspect struct {
	ID        string `json:"ip"`
	Suspicion int    `json:"threat_score"`
	Blocked   bool   `json:"is_blocked"`
}

// Summarize reports counts, an overall threat level derived from population
// thresholds, and the most suspicious identifiers.
func (e *Engine) Summarize(topN int) Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	suspects := make([]Suspect, 0, len(e.suspicious))
	for id, rec := range e.suspicious {
		_, blocked := e.malicious[id]
		suspects = append(suspects, Suspect{ID: id, Suspicion: rec.suspicion, Blocked: blocked})
	}
	sort.Slice(suspects, func(i, j int) bool {
		if suspects[i].Suspicion != suspects[j].Suspicion {
			return suspects[i].Suspicion > suspects[j].Suspicion
		}
		return suspects[i].ID < suspects[j].ID
	})
	if len(suspects) > topN {
		suspects = suspects[:topN]
	}

	return Summary{
		MaliciousCount:  len(e.malicious),
		SuspiciousCount: len(e.suspicious),
		ThreatLevel:     threatLevel(len(e.malicious) + len(e.suspicious)),
		TopSuspicious:   suspects,
		LastUpdated:     time.Now(),
	}
}

// threatLevel buckets the tracked population into an overall level.
func threatLevel(count int) string {
	switch {
	case count > 50:
		return "critical"
	case count > 20:
		return "high"
	case count > 5:
		return "medium"
	default:
		return "low"
	}
}
