package alert

import (
	"fmt"
	"time"

	"github.com/netsentry/netsentry/internal/model"
)

// defaultBlockDuration is how long an auto-block lasts.
const defaultBlockDuration = time.Hour

// Rule is a condition→action binding evaluated against every new alert.
// Rules hold no per-rule mutable state; Condition must be read-only.
type Rule struct {
	Name      string
	Condition func(a *model.Alert) bool
	Action    func(a *model.Alert) error
}

// Responder executes security responses requested by rule actions.
// Implemented by the firewall manager.
type Responder interface {
	BlockIP(ip string, duration time.Duration, reason string) error
}

// registerDefaultRules installs the built-in escalation rules. Evaluation
// order is registration order.
func (m *Manager) registerDefaultRules() {
	m.rules = append(m.rules,
		Rule{
			Name: "Critical Threat Detection",
			Condition: func(a *model.Alert) bool {
				return a.Severity == model.SeverityCritical &&
					a.Type == model.AlertThreatDetected &&
					a.SourceIP != ""
			},
			Action: func(a *model.Alert) error {
				return m.autoBlock(a.SourceIP, "Critical threat detected")
			},
		},
		Rule{
			Name: "IP Blocking Alert",
			Condition: func(a *model.Alert) bool {
				return a.Type == model.AlertIPBlocked
			},
			Action: func(a *model.Alert) error {
				m.logger.Info("IP has been blocked", "source_ip", a.SourceIP, "alert_id", a.ID)
				return nil
			},
		},
		Rule{
			Name: "High Severity Alert",
			Condition: func(a *model.Alert) bool {
				return a.Severity == model.SeverityHigh
			},
			Action: func(a *model.Alert) error {
				m.logger.Info("High severity alert requires attention", "title", a.Title, "alert_id", a.ID)
				return nil
			},
		},
	)
}

// autoBlock requests a block of the identifier and synthesizes an
// ip_blocked alert. The synthesized alert's type keeps the critical-threat
// rule from re-triggering on it.
func (m *Manager) autoBlock(ip, reason string) error {
	if m.responder == nil {
		return fmt.Errorf("no responder configured, cannot block %s", ip)
	}

	if err := m.responder.BlockIP(ip, defaultBlockDuration, reason); err != nil {
		return fmt.Errorf("auto-block of %s failed: %w", ip, err)
	}

	m.logger.Info("Auto-blocked identifier", "source_ip", ip, "reason", reason)

	m.Create(
		model.AlertIPBlocked,
		model.SeverityHigh,
		fmt.Sprintf("IP %s Auto-Blocked", ip),
		fmt.Sprintf("IP %s was automatically blocked due to: %s", ip, reason),
		ip,
		"",
		map[string]interface{}{"auto_blocked": true, "reason": reason},
	)
	return nil
}
