package model

import (
	"fmt"
	"time"
)

// Severity is the ordinal threat severity used for scoring and escalation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityScores maps severity to its contribution to the risk score.
var severityScores = map[Severity]int{
	SeverityLow:      10,
	SeverityMedium:   25,
	SeverityHigh:     50,
	SeverityCritical: 100,
}

// severityRank orders severities for comparisons and queries.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Score returns the numeric risk contribution for this severity, 0 for
// unknown values.
func (s Severity) Score() int {
	return severityScores[s]
}

// Rank returns the ordinal position of this severity (low=1 .. critical=4),
// 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// ParseSeverity converts a wire string to a Severity.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid severity %q", v)
	}
	return s, nil
}

// AlertType classifies what an alert is about.
type AlertType string

const (
	AlertThreatDetected      AlertType = "threat_detected"
	AlertIPBlocked           AlertType = "ip_blocked"
	AlertSystemAnomaly       AlertType = "system_anomaly"
	AlertSecurityBreach      AlertType = "security_breach"
	AlertPerformanceIssue    AlertType = "performance_issue"
	AlertConfigurationChange AlertType = "configuration_change"
)

var alertTypes = map[AlertType]bool{
	AlertThreatDetected:      true,
	AlertIPBlocked:           true,
	AlertSystemAnomaly:       true,
	AlertSecurityBreach:      true,
	AlertPerformanceIssue:    true,
	AlertConfigurationChange: true,
}

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	return alertTypes[t]
}

// ParseAlertType converts a wire string to an AlertType.
func ParseAlertType(v string) (AlertType, error) {
	t := AlertType(v)
	if !t.Valid() {
		return "", fmt.Errorf("invalid alert type %q", v)
	}
	return t, nil
}

// Observation is one raw traffic observation handed in by the capture
// boundary. Missing fields are tolerated; classification proceeds with
// best-effort defaults.
type Observation struct {
	Payload   []byte    `json:"payload"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	SrcPort   int       `json:"src_port"`
	DstPort   int       `json:"dst_port"`
	Timestamp time.Time `json:"timestamp"`
}

// Finding is a single detection result produced by one analysis engine.
type Finding struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Confidence  float64   `json:"confidence"`
	Description string    `json:"description"`
	SourceIP    string    `json:"src_ip,omitempty"`
	DestIP      string    `json:"dst_ip,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ClassificationResult is the aggregate output of analyzing one observation.
// RiskScore is always within [0,100]. Protocol, ContentType, Encrypted,
// and ExtractedStrings are traffic metadata, not threat signals.
type ClassificationResult struct {
	Findings         []Finding `json:"threats"`
	RiskScore        int       `json:"risk_score"`
	Timestamp        time.Time `json:"timestamp"`
	SrcIP            string    `json:"src_ip"`
	DstIP            string    `json:"dst_ip"`
	Protocol         string    `json:"protocol,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	Encrypted        bool      `json:"encrypted"`
	ExtractedStrings []string  `json:"extracted_strings,omitempty"`
}

// MaxSeverity returns the highest severity among the findings, or
// SeverityLow when there are none.
func (r *ClassificationResult) MaxSeverity() Severity {
	max := SeverityLow
	for _, f := range r.Findings {
		if f.Severity.Rank() > max.Rank() {
			max = f.Severity
		}
	}
	return max
}

// Alert is one unit of actionable security state.
type Alert struct {
	ID           string                 `json:"id"`
	Type         AlertType              `json:"type"`
	Severity     Severity               `json:"severity"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	SourceIP     string                 `json:"source_ip,omitempty"`
	TargetIP     string                 `json:"target_ip,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"timestamp"`
	Acknowledged bool                   `json:"acknowledged"`
	Resolved     bool                   `json:"resolved"`
	AutoResolved bool                   `json:"auto_resolved"`
}
