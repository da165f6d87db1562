package detect

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/netsentry/netsentry/internal/behavior"
	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/reputation"
	"github.com/netsentry/netsentry/internal/signature"
)

// DefaultRiskAlertThreshold is the risk score at and above which a
// classification raises a threat_detected alert.
const DefaultRiskAlertThreshold = 50

// Bounds for the printable-string extraction carried on each result.
const (
	stringMinLength = 4
	stringLimit     = 10
)

// Alerter receives alert-worthy classifications. Implemented by the alert
// manager; nil disables alerting.
type Alerter interface {
	Create(t model.AlertType, severity model.Severity, title, description, sourceIP, targetIP string, metadata map[string]interface{}) *model.Alert
}

// Detector merges the signature, behavioral, and reputation engines into a
// single classification path.
type Detector struct {
	signatures *signature.Engine
	behavior   *behavior.Analyzer
	reputation *reputation.Engine
	alerter    Alerter
	threshold  int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDetector wires the three analysis engines together. threshold <= 0
// selects the default alerting threshold; metrics may be nil.
func NewDetector(sigs *signature.Engine, beh *behavior.Analyzer, rep *reputation.Engine, threshold int, m *metrics.Metrics, logger *slog.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultRiskAlertThreshold
	}
	return &Detector{
		signatures: sigs,
		behavior:   beh,
		reputation: rep,
		threshold:  threshold,
		metrics:    m,
		logger:     logger,
	}
}

// SetAlerter attaches the alert sink. Done after construction because the
// alert manager's auto-response path needs the composition root to exist
// first.
func (d *Detector) SetAlerter(a Alerter) {
	d.alerter = a
}

// Analyze classifies one observation. The result's risk score is the sum of
// triggered finding severity scores clamped to [0,100]. Every finding also
// raises the source's suspicion counter.
func (d *Detector) Analyze(obs model.Observation) model.ClassificationResult {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	findings := d.signatures.Classify(obs.Payload, obs.SrcIP, obs.DstIP, obs.SrcPort, obs.DstPort)
	findings = append(findings, d.behavior.Observe(obs.SrcIP, ts)...)
	findings = append(findings, d.reputation.Check(obs.SrcIP, obs.DstIP)...)

	score := 0
	for _, f := range findings {
		score += f.Severity.Score()
		if d.metrics != nil {
			d.metrics.FindingsGenerated.WithLabelValues(f.Type).Inc()
		}
	}
	score = clamp(score, 0, 100)

	for _, f := range findings {
		d.reputation.RecordSuspicion(f.SourceIP)
	}

	result := model.ClassificationResult{
		Findings:         findings,
		RiskScore:        score,
		Timestamp:        ts,
		SrcIP:            obs.SrcIP,
		DstIP:            obs.DstIP,
		Protocol:         signature.DetectProtocol(obs.Payload, obs.SrcPort, obs.DstPort),
		ContentType:      signature.DetectContentPattern(obs.Payload),
		Encrypted:        signature.IsLikelyEncrypted(obs.Payload),
		ExtractedStrings: signature.PrintableStrings(obs.Payload, stringMinLength, stringLimit),
	}

	if len(findings) > 0 {
		d.logger.Info("Threats detected",
			"src_ip", obs.SrcIP,
			"dst_ip", obs.DstIP,
			"findings", len(findings),
			"risk_score", score)
		d.maybeAlert(&result)
	}

	return result
}

// maybeAlert raises a threat_detected alert when the risk score reaches the
// alerting threshold.
func (d *Detector) maybeAlert(result *model.ClassificationResult) {
	if d.alerter == nil || result.RiskScore < d.threshold {
		return
	}

	types := make([]string, 0, len(result.Findings))
	for _, f := range result.Findings {
		types = append(types, f.Type)
	}

	d.alerter.Create(
		model.AlertThreatDetected,
		result.MaxSeverity(),
		fmt.Sprintf("Threat detected from %s", result.SrcIP),
		fmt.Sprintf("Classification produced %d findings with risk score %d", len(result.Findings), result.RiskScore),
		result.SrcIP,
		result.DstIP,
		map[string]interface{}{
			"risk_score":    result.RiskScore,
			"finding_types": types,
			"protocol":      result.Protocol,
		},
	)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
