package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsentry/netsentry/internal/alert"
	"github.com/netsentry/netsentry/internal/behavior"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/firewall"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/reputation"
	"github.com/netsentry/netsentry/internal/signature"
	"github.com/netsentry/netsentry/internal/vault"
)

// testMetrics is shared across tests; the Prometheus default registry only
// tolerates one registration per process.
var testMetrics = metrics.NewMetrics()

type testStack struct {
	mux      *http.ServeMux
	alerts   *alert.Manager
	firewall *firewall.Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := vault.NewStore(t.TempDir(), "secret", "salt", logger)
	require.NoError(t, err)

	fw := firewall.NewManager(store, nil, nil, logger)
	sigs := signature.NewEngine("", logger)
	beh := behavior.NewAnalyzer(100)
	rep := reputation.NewEngine(logger)
	detector := detect.NewDetector(sigs, beh, rep, 50, nil, logger)
	alerts := alert.NewManager(100, fw, nil, nil, logger)
	detector.SetAlerter(alerts)

	httpAPI := NewHTTPAPI(detector, alerts, fw, rep, sigs, testMetrics, nil)
	mux := http.NewServeMux()
	httpAPI.SetupRoutes(mux)

	return &testStack{mux: mux, alerts: alerts, firewall: fw}
}

func (s *testStack) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleAnalyze(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodPost, "/analyze", `{"data":"union select * from users","src_ip":"203.0.113.30","dst_ip":"10.0.0.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result model.ClassificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 100, result.RiskScore)
	require.NotEmpty(t, result.Findings)
	assert.Equal(t, "sql_injection", result.Findings[0].Type)

	// The critical classification escalated all the way to a block.
	assert.True(t, s.firewall.IsBlocked("203.0.113.30"))
}

func TestHandleAnalyze_BadRequests(t *testing.T) {
	s := newTestStack(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/analyze", `{broken`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/analyze", `{"data":"x"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.do(http.MethodGet, "/analyze", "").Code)
}

func TestHandleAlertsLifecycle(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodPost, "/alerts", `{"type":"system_anomaly","severity":"high","title":"disk full","source_ip":"198.51.100.30"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created model.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = s.do(http.MethodGet, "/alerts/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var active struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Equal(t, 1, active.Count)

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/alerts/"+created.ID+"/acknowledge", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/alerts/"+created.ID+"/resolve", "").Code)

	rec = s.do(http.MethodGet, "/alerts/active", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Equal(t, 0, active.Count)
}

func TestHandleAlerts_UnknownID(t *testing.T) {
	s := newTestStack(t)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/alerts/ALERT_0/acknowledge", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/alerts/ALERT_0/resolve", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/alerts/ALERT_0", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/alerts/ALERT_0/escalate", "").Code)
}

func TestHandleAlerts_Validation(t *testing.T) {
	s := newTestStack(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/alerts", `{"type":"bogus","severity":"high","title":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/alerts", `{"type":"system_anomaly","severity":"urgent","title":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/alerts", `{"type":"system_anomaly","severity":"high"}`).Code)
}

func TestHandleAlerts_SeverityFilter(t *testing.T) {
	s := newTestStack(t)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/alerts", `{"type":"system_anomaly","severity":"low","title":"a"}`).Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/alerts", `{"type":"system_anomaly","severity":"critical","title":"b"}`).Code)

	rec := s.do(http.MethodGet, "/alerts?severity=critical", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/alerts?severity=urgent", "").Code)
}

func TestHandleAlertStatsAndDashboard(t *testing.T) {
	s := newTestStack(t)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/alerts", `{"type":"system_anomaly","severity":"critical","title":"x"}`).Code)

	rec := s.do(http.MethodGet, "/alerts/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats alert.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Critical)

	rec = s.do(http.MethodGet, "/alerts/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dash alert.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	assert.Equal(t, 1, dash.TotalActive)
}

func TestHandleFirewall(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodPost, "/firewall/block", `{"ip":"203.0.113.31","duration_seconds":3600,"reason":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.firewall.IsBlocked("203.0.113.31"))

	// Whitelisted addresses are a policy violation, not a bad request.
	rec = s.do(http.MethodPost, "/firewall/block", `{"ip":"127.0.0.1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/firewall/block", `{"ip":"not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/firewall/unblock", `{"ip":"203.0.113.31"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.firewall.IsBlocked("203.0.113.31"))

	rec = s.do(http.MethodPost, "/firewall/unblock", `{"ip":"203.0.113.31"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFirewallStatus(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodGet, "/firewall/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status firewall.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.IntegrityVerified)
	assert.NotEmpty(t, status.BlockedPorts)
}

func TestHandlePortInfo(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodGet, "/firewall/ports/443", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info firewall.PortInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 443, info.Port)
	assert.True(t, info.AlwaysAllow)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/firewall/ports/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/firewall/ports/70000", "").Code)
}

func TestHandleThreatSummary(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodGet, "/threats/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary reputation.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "low", summary.ThreatLevel)
}

func TestHandleThreatFeed(t *testing.T) {
	s := newTestStack(t)

	rec := s.do(http.MethodPost, "/threats/feed", `{"source":"abuse-feed","ips":["203.0.113.40","203.0.113.41"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		New int `json:"new"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.New)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/threats/feed", `{"ips":["203.0.113.40"]}`).Code)

	rec = s.do(http.MethodGet, "/threats/feeds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "abuse-feed")
}

func TestHandleHealthAndReady(t *testing.T) {
	s := newTestStack(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "").Code)

	// No NATS connection in the test stack, so readiness fails.
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/readyz", "").Code)
}
