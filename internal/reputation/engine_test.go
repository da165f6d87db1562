package reputation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsentry/netsentry/internal/model"
)

func newTestEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEngine_CheckMalicious(t *testing.T) {
	engine := newTestEngine()
	engine.AddMalicious("203.0.113.5", "manual")

	findings := engine.Check("203.0.113.5", "10.0.0.1")
	require.Len(t, findings, 1)
	assert.Equal(t, "malicious_ip", findings[0].Type)
	assert.Equal(t, model.SeverityCritical, findings[0].Severity)
	assert.Equal(t, 0.95, findings[0].Confidence)
	assert.Equal(t, "203.0.113.5", findings[0].SourceIP)
}

func TestEngine_CheckCleanIP(t *testing.T) {
	engine := newTestEngine()
	assert.Empty(t, engine.Check("198.51.100.1", "10.0.0.1"))
}

func TestEngine_SuspicionThreshold(t *testing.T) {
	engine := newTestEngine()

	// At the threshold the identifier is still clean; one more crosses it.
	for i := 0; i < 3; i++ {
		engine.RecordSuspicion("198.51.100.2")
	}
	assert.Empty(t, engine.Check("198.51.100.2", ""))

	engine.RecordSuspicion("198.51.100.2")
	findings := engine.Check("198.51.100.2", "")
	require.Len(t, findings, 1)
	assert.Equal(t, "suspicious_ip", findings[0].Type)
	assert.Equal(t, model.SeverityMedium, findings[0].Severity)
	assert.Equal(t, 0.6, findings[0].Confidence)
}

func TestEngine_MaliciousAndSuspiciousStack(t *testing.T) {
	engine := newTestEngine()
	engine.AddMalicious("198.51.100.3", "feed")
	for i := 0; i < 5; i++ {
		engine.RecordSuspicion("198.51.100.3")
	}

	findings := engine.Check("198.51.100.3", "")
	assert.Len(t, findings, 2)
}

func TestEngine_RemoveMalicious(t *testing.T) {
	engine := newTestEngine()
	engine.AddMalicious("203.0.113.6", "manual")

	assert.True(t, engine.RemoveMalicious("203.0.113.6"))
	assert.False(t, engine.RemoveMalicious("203.0.113.6"))
	assert.False(t, engine.IsMalicious("203.0.113.6"))
}

func TestEngine_MergeFeed(t *testing.T) {
	engine := newTestEngine()
	engine.AddMalicious("203.0.113.7", "manual")

	added := engine.MergeFeed("abuse-feed", []string{"203.0.113.7", "203.0.113.8", "", "203.0.113.9"})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"203.0.113.7", "203.0.113.8", "203.0.113.9"}, engine.MaliciousList())

	status := engine.FeedStatus()
	require.Contains(t, status, "abuse-feed")
	assert.Equal(t, 4, status["abuse-feed"].Entries)
}

func TestEngine_Decay(t *testing.T) {
	engine := newTestEngine()
	engine.RecordSuspicion("198.51.100.4")
	require.Equal(t, 1, engine.Suspicion("198.51.100.4"))

	// Nothing is older than an hour yet.
	engine.Decay(time.Hour)
	assert.Equal(t, 1, engine.Suspicion("198.51.100.4"))

	// A zero idle limit sweeps everything.
	time.Sleep(time.Millisecond)
	engine.Decay(0)
	assert.Equal(t, 0, engine.Suspicion("198.51.100.4"))
}

func TestEngine_Summarize(t *testing.T) {
	engine := newTestEngine()
	assert.Equal(t, "low", engine.Summarize(10).ThreatLevel)

	for i := 0; i < 6; i++ {
		engine.AddMalicious(string(rune('a'+i)), "test")
	}
	summary := engine.Summarize(10)
	assert.Equal(t, 6, summary.MaliciousCount)
	assert.Equal(t, "medium", summary.ThreatLevel)

	engine.RecordSuspicion("198.51.100.5")
	engine.RecordSuspicion("198.51.100.5")
	engine.RecordSuspicion("198.51.100.6")

	summary = engine.Summarize(1)
	require.Len(t, summary.TopSuspicious, 1)
	assert.Equal(t, "198.51.100.5", summary.TopSuspicious[0].ID)
	assert.Equal(t, 2, summary.TopSuspicious[0].Suspicion)
}
