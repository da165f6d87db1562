package behavior

import (
	"fmt"
	"sync"
	"time"

	"github.com/netsentry/netsentry/internal/model"
)

const (
	// retentionHorizon bounds how long per-source activity is kept.
	retentionHorizon = time.Hour

	// floodWindow is the span the flooding rule counts over.
	floodWindow = time.Minute

	// DefaultFloodThreshold is connections per minute before a source is
	// considered flooding.
	DefaultFloodThreshold = 100

	// Scan heuristic bounds. This intentionally conflates connection
	// volume with port diversity; see the scan rule below.
	scanMinRecent = 10
	scanMinTotal  = 20
)

// Analyzer maintains per-source sliding activity windows and flags
// rate-based anomalies.
type Analyzer struct {
	mu             sync.RWMutex
	sources        map[string]*sourceWindow
	floodThreshold int
}

// sourceWindow holds the ordered observation timestamps for one source.
type sourceWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// NewAnalyzer creates a behavioral analyzer. floodThreshold <= 0 selects
// the default of 100 connections per minute.
func NewAnalyzer(floodThreshold int) *Analyzer {
	if floodThreshold <= 0 {
		floodThreshold = DefaultFloodThreshold
	}
	return &Analyzer{
		sources:        make(map[string]*sourceWindow),
		floodThreshold: floodThreshold,
	}
}

// Observe appends one sighting of sourceID and evaluates the rate rules.
// Entries older than the retention horizon are pruned before evaluation.
func (a *Analyzer) Observe(sourceID string, ts time.Time) []model.Finding {
	if sourceID == "" {
		return nil
	}

	a.mu.Lock()
	window, exists := a.sources[sourceID]
	if !exists {
		window = &sourceWindow{}
		a.sources[sourceID] = window
	}
	a.mu.Unlock()

	window.mu.Lock()
	defer window.mu.Unlock()

	window.timestamps = append(window.timestamps, ts)
	window.prune(ts.Add(-retentionHorizon))

	var findings []model.Finding

	recent := window.countSince(ts.Add(-floodWindow))
	if recent > a.floodThreshold {
		findings = append(findings, model.Finding{
			Type:        "connection_flooding",
			Severity:    model.SeverityHigh,
			Confidence:  0.8,
			Description: fmt.Sprintf("Connection flooding detected: %d connections/min", recent),
			SourceIP:    sourceID,
			Timestamp:   ts,
		})
	}

	// Simplified scan heuristic: volume stands in for port diversity.
	// Kept as-is rather than tracking per-destination-port cardinality.
	total := len(window.timestamps)
	if total >= scanMinRecent && total > scanMinTotal {
		findings = append(findings, model.Finding{
			Type:        "port_scanning",
			Severity:    model.SeverityMedium,
			Confidence:  0.7,
			Description: "Port scanning behavior detected",
			SourceIP:    sourceID,
			Timestamp:   ts,
		})
	}

	return findings
}

// RecentCount returns how many sightings of sourceID fall within the given
// span, pruning expired entries first.
func (a *Analyzer) RecentCount(sourceID string, within time.Duration) int {
	a.mu.RLock()
	window, exists := a.sources[sourceID]
	a.mu.RUnlock()
	if !exists {
		return 0
	}

	now := time.Now()

	window.mu.Lock()
	defer window.mu.Unlock()
	window.prune(now.Add(-retentionHorizon))
	return window.countSince(now.Add(-within))
}

// GC drops entries older than the retention horizon and removes empty
// source windows.
func (a *Analyzer) GC(now time.Time) {
	cutoff := now.Add(-retentionHorizon)

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, window := range a.sources {
		window.mu.Lock()
		window.prune(cutoff)
		empty := len(window.timestamps) == 0
		window.mu.Unlock()
		if empty {
			delete(a.sources, id)
		}
	}
}

// Stats returns aggregate window statistics.
func (a *Analyzer) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := 0
	for _, window := range a.sources {
		window.mu.Lock()
		total += len(window.timestamps)
		window.mu.Unlock()
	}

	return map[string]interface{}{
		"source_count":       len(a.sources),
		"total_observations": total,
		"retention":          retentionHorizon.String(),
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// arrival order, so a prefix scan suffices.
func (w *sourceWindow) prune(cutoff time.Time) {
	keep := 0
	for ; keep < len(w.timestamps); keep++ {
		if w.timestamps[keep].After(cutoff) {
			break
		}
	}
	if keep > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[keep:]...)
	}
}

// countSince counts timestamps strictly after cutoff.
func (w *sourceWindow) countSince(cutoff time.Time) int {
	count := 0
	for i := len(w.timestamps) - 1; i >= 0; i-- {
		if !w.timestamps[i].After(cutoff) {
			break
		}
		count++
	}
	return count
}
