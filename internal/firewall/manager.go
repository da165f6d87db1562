package firewall

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/netsentry/netsentry/internal/metrics"
	"github.com/netsentry/netsentry/internal/vault"
)

// Vault record names for persisted firewall state.
const (
	blockedIPsRecord = "blocked_ips"
	whitelistRecord  = "whitelist"
	portRulesRecord  = "port_rules"
)

// ErrWhitelisted is returned when a block request targets a whitelisted
// identifier. Callers must treat it as a policy violation, not as an
// unknown-identifier failure.
var ErrWhitelisted = errors.New("identifier is whitelisted")

// Enforcer pushes block decisions to an underlying packet filter. The
// default implementation is a no-op; OS firewall integration is supplied
// by the deployment.
type Enforcer interface {
	EnforceBlock(ip string) error
	ReleaseBlock(ip string) error
	EnforcePortBlock(port int) error
	ReleasePortBlock(port int) error
}

// NopEnforcer satisfies Enforcer without touching any packet filter.
type NopEnforcer struct{}

func (NopEnforcer) EnforceBlock(string) error  { return nil }
func (NopEnforcer) ReleaseBlock(string) error  { return nil }
func (NopEnforcer) EnforcePortBlock(int) error { return nil }
func (NopEnforcer) ReleasePortBlock(int) error { return nil }

// portDescriptions labels the ports the blocker has an opinion about.
var portDescriptions = map[int]string{
	80:   "HTTP (unencrypted)",
	21:   "FTP (unencrypted)",
	23:   "Telnet (unencrypted)",
	25:   "SMTP (unencrypted)",
	53:   "DNS (unencrypted)",
	110:  "POP3 (unencrypted)",
	143:  "IMAP (unencrypted)",
	161:  "SNMP (unencrypted)",
	389:  "LDAP (unencrypted)",
	445:  "SMB (unencrypted)",
	993:  "IMAPS (encrypted)",
	995:  "POP3S (encrypted)",
	443:  "HTTPS (encrypted)",
	22:   "SSH (encrypted)",
	3389: "RDP (encrypted)",
	5900: "VNC (encrypted)",
	8080: "HTTP alternative (unencrypted)",
	8000: "HTTP alternative (unencrypted)",
	3000: "development server (unencrypted)",
	5000: "development server (unencrypted)",
}

// alwaysBlockPorts are unencrypted production ports that stay blocked
// regardless of administrative requests.
var alwaysBlockPorts = map[int]struct{}{
	80: {}, 21: {}, 23: {}, 25: {}, 53: {},
	110: {}, 143: {}, 161: {}, 389: {}, 445: {},
}

// alwaysAllowPorts are encrypted or local development ports that can never
// be blocked.
var alwaysAllowPorts = map[int]struct{}{
	443: {}, 22: {}, 993: {}, 995: {}, 3389: {}, 5900: {},
	587: {}, 465: {}, 636: {}, 989: {}, 990: {},
	5173: {}, 8766: {}, 3000: {}, 5000: {}, 8080: {}, 8000: {},
}

// BlockEntry is one blocked identifier with its provenance.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Status summarizes the firewall state for operators.
type Status struct {
	Timestamp         time.Time `json:"timestamp"`
	IntegrityVerified bool      `json:"integrity_verified"`
	BlockedIPCount    int       `json:"blocked_ips_count"`
	BlockedIPs        []string  `json:"blocked_ips"`
	WhitelistCount    int       `json:"whitelist_count"`
	BlockedPortCount  int       `json:"blocked_ports_count"`
	BlockedPorts      []int     `json:"blocked_ports"`
}

// PortInfo describes the policy standing of a single port.
type PortInfo struct {
	Port        int    `json:"port"`
	Description string `json:"description"`
	Blocked     bool   `json:"blocked"`
	AlwaysAllow bool   `json:"always_allow"`
	AlwaysBlock bool   `json:"always_block"`
}

// Manager maintains the block list, whitelist and port rules, persisting
// each as an encrypted vault record. It implements the responder contract
// used by the alerting auto-block rule.
type Manager struct {
	mu           sync.Mutex
	blocked      map[string]BlockEntry
	whitelist    map[string]struct{}
	blockedPorts map[int]string
	store        *vault.Store
	enforcer     Enforcer
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewManager loads persisted state from the vault, seeding defaults when no
// records exist yet.
func NewManager(store *vault.Store, enforcer Enforcer, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if enforcer == nil {
		enforcer = NopEnforcer{}
	}
	mgr := &Manager{
		blocked:      make(map[string]BlockEntry),
		whitelist:    make(map[string]struct{}),
		blockedPorts: make(map[int]string),
		store:        store,
		enforcer:     enforcer,
		metrics:      m,
		logger:       logger,
	}
	mgr.load()
	return mgr
}

func (m *Manager) load() {
	if data, ok := m.store.Get(blockedIPsRecord); ok {
		var entries []BlockEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			m.logger.Warn("Failed to parse block list record", "error", err)
		} else {
			for _, e := range entries {
				m.blocked[e.IP] = e
			}
		}
	}

	if data, ok := m.store.Get(whitelistRecord); ok {
		var ips []string
		if err := json.Unmarshal(data, &ips); err != nil {
			m.logger.Warn("Failed to parse whitelist record", "error", err)
		} else {
			for _, ip := range ips {
				m.whitelist[ip] = struct{}{}
			}
		}
	} else {
		// First run: trust loopback.
		m.whitelist["127.0.0.1"] = struct{}{}
		m.whitelist["::1"] = struct{}{}
		m.persistWhitelist()
	}

	if data, ok := m.store.Get(portRulesRecord); ok {
		var rules map[string]string
		if err := json.Unmarshal(data, &rules); err != nil {
			m.logger.Warn("Failed to parse port rules record", "error", err)
		} else {
			for portStr, reason := range rules {
				var port int
				if _, err := fmt.Sscanf(portStr, "%d", &port); err == nil {
					m.blockedPorts[port] = reason
				}
			}
		}
	} else {
		for port := range alwaysBlockPorts {
			m.blockedPorts[port] = "unencrypted protocol"
		}
		m.persistPortRules()
	}

	if m.metrics != nil {
		m.metrics.BlockedIPs.Set(float64(len(m.blocked)))
	}
	m.logger.Info("Firewall state loaded",
		"blocked_ips", len(m.blocked),
		"whitelisted", len(m.whitelist),
		"blocked_ports", len(m.blockedPorts))
}

// BlockIP puts ip on the block list. A zero duration means the block does
// not expire. Whitelisted identifiers are rejected with ErrWhitelisted.
func (m *Manager) BlockIP(ip string, duration time.Duration, reason string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.whitelist[ip]; ok {
		m.logger.Warn("Refusing to block whitelisted IP", "ip", ip)
		return fmt.Errorf("cannot block %s: %w", ip, ErrWhitelisted)
	}

	entry := BlockEntry{
		IP:        ip,
		Reason:    reason,
		BlockedAt: time.Now(),
	}
	if duration > 0 {
		entry.ExpiresAt = entry.BlockedAt.Add(duration)
	}
	m.blocked[ip] = entry
	m.persistBlockedLocked()

	if err := m.enforcer.EnforceBlock(ip); err != nil {
		m.logger.Warn("Enforcer failed to apply block", "ip", ip, "error", err)
	}

	if m.metrics != nil {
		m.metrics.BlockedIPs.Set(float64(len(m.blocked)))
	}
	m.logger.Info("IP blocked", "ip", ip, "reason", reason, "duration", duration)
	return nil
}

// UnblockIP removes ip from the block list. Returns false when the
// identifier was not blocked.
func (m *Manager) UnblockIP(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocked[ip]; !ok {
		return false
	}
	delete(m.blocked, ip)
	m.persistBlockedLocked()

	if err := m.enforcer.ReleaseBlock(ip); err != nil {
		m.logger.Warn("Enforcer failed to release block", "ip", ip, "error", err)
	}

	if m.metrics != nil {
		m.metrics.BlockedIPs.Set(float64(len(m.blocked)))
	}
	m.logger.Info("IP unblocked", "ip", ip)
	return true
}

// IsBlocked reports whether ip is currently on the block list. Expired
// entries are pruned on the way through.
func (m *Manager) IsBlocked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked()
	_, ok := m.blocked[ip]
	return ok
}

// IsWhitelisted reports whether ip is on the trust list.
func (m *Manager) IsWhitelisted(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.whitelist[ip]
	return ok
}

// AddToWhitelist trusts ip. A whitelisted identifier that is currently
// blocked is unblocked first.
func (m *Manager) AddToWhitelist(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blocked[ip]; ok {
		delete(m.blocked, ip)
		m.persistBlockedLocked()
		if err := m.enforcer.ReleaseBlock(ip); err != nil {
			m.logger.Warn("Enforcer failed to release block", "ip", ip, "error", err)
		}
		if m.metrics != nil {
			m.metrics.BlockedIPs.Set(float64(len(m.blocked)))
		}
	}

	m.whitelist[ip] = struct{}{}
	m.persistWhitelist()
	m.logger.Info("IP whitelisted", "ip", ip)
	return nil
}

// RemoveFromWhitelist drops ip from the trust list. Returns false when the
// identifier was not whitelisted.
func (m *Manager) RemoveFromWhitelist(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.whitelist[ip]; !ok {
		return false
	}
	delete(m.whitelist, ip)
	m.persistWhitelist()
	return true
}

// BlockedIPs returns the blocked identifiers in sorted order.
func (m *Manager) BlockedIPs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked()

	ips := make([]string, 0, len(m.blocked))
	for ip := range m.blocked {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// BlockPort adds port to the blocked set. Always-allowed ports are
// rejected.
func (m *Manager) BlockPort(port int, reason string) bool {
	if _, ok := alwaysAllowPorts[port]; ok {
		m.logger.Warn("Refusing to block always-allowed port", "port", port)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reason == "" {
		reason = "security policy"
	}
	m.blockedPorts[port] = reason
	m.persistPortRules()

	if err := m.enforcer.EnforcePortBlock(port); err != nil {
		m.logger.Warn("Enforcer failed to apply port block", "port", port, "error", err)
	}
	m.logger.Info("Port blocked", "port", port, "reason", reason)
	return true
}

// UnblockPort removes port from the blocked set. Always-blocked ports are
// rejected.
func (m *Manager) UnblockPort(port int) bool {
	if _, ok := alwaysBlockPorts[port]; ok {
		m.logger.Warn("Refusing to unblock always-blocked port", "port", port)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blockedPorts[port]; !ok {
		return false
	}
	delete(m.blockedPorts, port)
	m.persistPortRules()

	if err := m.enforcer.ReleasePortBlock(port); err != nil {
		m.logger.Warn("Enforcer failed to release port block", "port", port, "error", err)
	}
	m.logger.Info("Port unblocked", "port", port)
	return true
}

// IsPortBlocked reports whether port is in the blocked set.
func (m *Manager) IsPortBlocked(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blockedPorts[port]
	return ok
}

// PortInfo describes port against the current rules.
func (m *Manager) PortInfo(port int) PortInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	desc, ok := portDescriptions[port]
	if !ok {
		desc = "unknown service"
	}
	_, blocked := m.blockedPorts[port]
	_, allow := alwaysAllowPorts[port]
	_, block := alwaysBlockPorts[port]
	return PortInfo{
		Port:        port,
		Description: desc,
		Blocked:     blocked,
		AlwaysAllow: allow,
		AlwaysBlock: block,
	}
}

// Status returns the current firewall state, including an integrity check
// of the persisted records.
func (m *Manager) Status() Status {
	integrity := m.VerifyIntegrity()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked()

	ips := make([]string, 0, len(m.blocked))
	for ip := range m.blocked {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	ports := make([]int, 0, len(m.blockedPorts))
	for port := range m.blockedPorts {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	return Status{
		Timestamp:         time.Now().UTC(),
		IntegrityVerified: integrity,
		BlockedIPCount:    len(ips),
		BlockedIPs:        ips,
		WhitelistCount:    len(m.whitelist),
		BlockedPortCount:  len(ports),
		BlockedPorts:      ports,
	}
}

// VerifyIntegrity checks every persisted firewall record against its
// integrity sidecar. Records that were never written pass vacuously.
func (m *Manager) VerifyIntegrity() bool {
	ok := true
	for _, name := range []string{blockedIPsRecord, whitelistRecord, portRulesRecord} {
		if !m.store.Exists(name) {
			continue
		}
		if !m.store.Verify(name) {
			m.logger.Warn("Firewall record failed integrity check", "record", name)
			ok = false
		}
	}
	return ok
}

func (m *Manager) pruneExpiredLocked() {
	now := time.Now()
	var expired []string
	for ip, e := range m.blocked {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			expired = append(expired, ip)
		}
	}
	if len(expired) == 0 {
		return
	}
	for _, ip := range expired {
		delete(m.blocked, ip)
		if err := m.enforcer.ReleaseBlock(ip); err != nil {
			m.logger.Warn("Enforcer failed to release block", "ip", ip, "error", err)
		}
		m.logger.Info("Block expired", "ip", ip)
	}
	m.persistBlockedLocked()
	if m.metrics != nil {
		m.metrics.BlockedIPs.Set(float64(len(m.blocked)))
	}
}

func (m *Manager) persistBlockedLocked() {
	entries := make([]BlockEntry, 0, len(m.blocked))
	for _, e := range m.blocked {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })

	data, err := json.Marshal(entries)
	if err != nil {
		m.logger.Error("Failed to encode block list", "error", err)
		return
	}
	if !m.store.Put(blockedIPsRecord, data) {
		m.logger.Error("Failed to persist block list")
	}
}

func (m *Manager) persistWhitelist() {
	ips := make([]string, 0, len(m.whitelist))
	for ip := range m.whitelist {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	data, err := json.Marshal(ips)
	if err != nil {
		m.logger.Error("Failed to encode whitelist", "error", err)
		return
	}
	if !m.store.Put(whitelistRecord, data) {
		m.logger.Error("Failed to persist whitelist")
	}
}

func (m *Manager) persistPortRules() {
	rules := make(map[string]string, len(m.blockedPorts))
	for port, reason := range m.blockedPorts {
		rules[fmt.Sprintf("%d", port)] = reason
	}

	data, err := json.Marshal(rules)
	if err != nil {
		m.logger.Error("Failed to encode port rules", "error", err)
		return
	}
	if !m.store.Put(portRulesRecord, data) {
		m.logger.Error("Failed to persist port rules")
	}
}
