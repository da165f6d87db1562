package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netsentry/netsentry/internal/alert"
	"github.com/netsentry/netsentry/internal/detect"
	"github.com/netsentry/netsentry/internal/firewall"
	"github.com/netsentry/netsentry/internal/ingest"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/reputation"
	"github.com/netsentry/netsentry/internal/signature"
)

// maxBodySize caps request bodies to prevent abuse.
const maxBodySize = 1024 * 1024

// HTTPAPI provides the administrative and analysis HTTP endpoints.
type HTTPAPI struct {
	detector   *detect.Detector
	alerts     *alert.Manager
	firewall   *firewall.Manager
	reputation *reputation.Engine
	signatures *signature.Engine
	metrics    *metrics.Metrics
	natsConn   *nats.Conn
}

// NewHTTPAPI creates a new HTTP API instance.
func NewHTTPAPI(detector *detect.Detector, alerts *alert.Manager, fw *firewall.Manager, rep *reputation.Engine, sigs *signature.Engine, m *metrics.Metrics, natsConn *nats.Conn) *HTTPAPI {
	return &HTTPAPI{
		detector:   detector,
		alerts:     alerts,
		firewall:   fw,
		reputation: rep,
		signatures: sigs,
		metrics:    m,
		natsConn:   natsConn,
	}
}

// SetupRoutes configures HTTP routes.
func (api *HTTPAPI) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/analyze", api.handleAnalyze)
	mux.HandleFunc("/alerts", api.handleAlerts)
	mux.HandleFunc("/alerts/active", api.handleActiveAlerts)
	mux.HandleFunc("/alerts/stats", api.handleAlertStats)
	mux.HandleFunc("/alerts/dashboard", api.handleAlertDashboard)
	mux.HandleFunc("/alerts/", api.handleAlertByID)
	mux.HandleFunc("/firewall/block", api.handleFirewallBlock)
	mux.HandleFunc("/firewall/unblock", api.handleFirewallUnblock)
	mux.HandleFunc("/firewall/status", api.handleFirewallStatus)
	mux.HandleFunc("/firewall/ports/", api.handlePortInfo)
	mux.HandleFunc("/threats/summary", api.handleThreatSummary)
	mux.HandleFunc("/threats/feed", api.handleThreatFeed)
	mux.HandleFunc("/threats/feeds", api.handleFeedStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", api.handleHealth)
	mux.HandleFunc("/readyz", api.handleReady)
}

// handleAnalyze handles POST /analyze with a single traffic observation.
func (api *HTTPAPI) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	obs, err := ingest.ParseObservation(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid observation: %v", err), http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := api.detector.Analyze(obs)
	api.metrics.ObservationsProcessed.Inc()
	api.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, result)
}

// handleAlerts handles GET /alerts with optional severity and limit query
// parameters, and POST /alerts for manually raised alerts.
func (api *HTTPAPI) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.listAlerts(w, r)
	case http.MethodPost:
		api.createAlert(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *HTTPAPI) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var alerts []*model.Alert
	if severityStr := r.URL.Query().Get("severity"); severityStr != "" {
		severity, err := model.ParseSeverity(severityStr)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid severity: %v", err), http.StatusBadRequest)
			return
		}
		alerts = api.alerts.BySeverity(severity)
		if limit > 0 && limit < len(alerts) {
			alerts = alerts[:limit]
		}
	} else {
		alerts = api.alerts.History(limit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": time.Now().UTC(),
	})
}

func (api *HTTPAPI) createAlert(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var request struct {
		Type        string                 `json:"type"`
		Severity    string                 `json:"severity"`
		Title       string                 `json:"title"`
		Description string                 `json:"description"`
		SourceIP    string                 `json:"source_ip"`
		TargetIP    string                 `json:"target_ip"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "Failed to parse request body", http.StatusBadRequest)
		return
	}

	alertType, err := model.ParseAlertType(request.Type)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid alert type: %v", err), http.StatusBadRequest)
		return
	}
	severity, err := model.ParseSeverity(request.Severity)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid severity: %v", err), http.StatusBadRequest)
		return
	}
	if request.Title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}

	created := api.alerts.Create(alertType, severity, request.Title, request.Description, request.SourceIP, request.TargetIP, request.Metadata)
	if created == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Alert suppressed by deduplication",
			"timestamp": time.Now().UTC(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// handleActiveAlerts handles GET /alerts/active.
func (api *HTTPAPI) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := api.alerts.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":    active,
		"count":     len(active),
		"timestamp": time.Now().UTC(),
	})
}

// handleAlertStats handles GET /alerts/stats.
func (api *HTTPAPI) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.alerts.Stats())
}

// handleAlertDashboard handles GET /alerts/dashboard.
func (api *HTTPAPI) handleAlertDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.alerts.DashboardData())
}

// handleAlertByID handles POST /alerts/{id}/acknowledge and
// POST /alerts/{id}/resolve, plus GET /alerts/{id}.
func (api *HTTPAPI) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/alerts/")
	if rest == "" {
		http.Error(w, "Alert ID is required", http.StatusBadRequest)
		return
	}

	id := rest
	action := ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		id = rest[:idx]
		action = rest[idx+1:]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a, ok := api.alerts.Get(id)
		if !ok {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case "acknowledge":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !api.alerts.Acknowledge(id) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Alert acknowledged",
			"id":        id,
			"timestamp": time.Now().UTC(),
		})
	case "resolve":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !api.alerts.Resolve(id) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "Alert resolved",
			"id":        id,
			"timestamp": time.Now().UTC(),
		})
	default:
		http.Error(w, "Unknown alert action", http.StatusNotFound)
	}
}

// handleFirewallBlock handles POST /firewall/block.
func (api *HTTPAPI) handleFirewallBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var request struct {
		IP              string `json:"ip"`
		DurationSeconds int    `json:"duration_seconds"`
		Reason          string `json:"reason"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "Failed to parse request body", http.StatusBadRequest)
		return
	}
	if request.IP == "" {
		http.Error(w, "IP is required", http.StatusBadRequest)
		return
	}

	duration := time.Duration(request.DurationSeconds) * time.Second
	if err := api.firewall.BlockIP(request.IP, duration, request.Reason); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, firewall.ErrWhitelisted) {
			status = http.StatusForbidden
		}
		http.Error(w, fmt.Sprintf("Failed to block IP: %v", err), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "IP blocked",
		"ip":        request.IP,
		"timestamp": time.Now().UTC(),
	})
}

// handleFirewallUnblock handles POST /firewall/unblock.
func (api *HTTPAPI) handleFirewallUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var request struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "Failed to parse request body", http.StatusBadRequest)
		return
	}

	if !api.firewall.UnblockIP(request.IP) {
		http.Error(w, "IP is not blocked", http.StatusNotFound)
		return
	}
	api.reputation.RemoveMalicious(request.IP)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "IP unblocked",
		"ip":        request.IP,
		"timestamp": time.Now().UTC(),
	})
}

// handleFirewallStatus handles GET /firewall/status.
func (api *HTTPAPI) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.firewall.Status())
}

// handlePortInfo handles GET /firewall/ports/{port}.
func (api *HTTPAPI) handlePortInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	portStr := strings.TrimPrefix(r.URL.Path, "/firewall/ports/")
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		http.Error(w, "Invalid port", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, api.firewall.PortInfo(port))
}

// handleThreatSummary handles GET /threats/summary.
func (api *HTTPAPI) handleThreatSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.reputation.Summarize(10))
}

// handleThreatFeed handles POST /threats/feed, merging entries pushed by an
// external intelligence fetcher.
func (api *HTTPAPI) handleThreatFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var request struct {
		Source string   `json:"source"`
		IPs    []string `json:"ips"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "Failed to parse request body", http.StatusBadRequest)
		return
	}
	if request.Source == "" {
		http.Error(w, "Source is required", http.StatusBadRequest)
		return
	}

	added := api.reputation.MergeFeed(request.Source, request.IPs)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":    request.Source,
		"entries":   len(request.IPs),
		"new":       added,
		"timestamp": time.Now().UTC(),
	})
}

// handleFeedStatus handles GET /threats/feeds.
func (api *HTTPAPI) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.reputation.FeedStatus())
}

// handleHealth handles GET /healthz.
func (api *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     api.alerts.Stats(),
	})
}

// handleReady handles GET /readyz.
func (api *HTTPAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	natsConnected := api.natsConn != nil && api.natsConn.IsConnected()
	api.metrics.SetNatsConnected(natsConnected)

	signatureCount := len(api.signatures.Signatures())
	ready := natsConnected && signatureCount > 0

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"status":            status,
		"timestamp":         time.Now().UTC(),
		"nats_connected":    natsConnected,
		"signatures_loaded": signatureCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
}
