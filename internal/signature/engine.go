package signature

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/netsentry/netsentry/internal/model"
)

// signatureConfidence is the fixed confidence attached to every
// pattern-match finding.
const signatureConfidence = 0.9

// entropyMinBytes is the minimum payload length for the entropy check.
const entropyMinBytes = 20

// entropyEncryptedThreshold is the bits/byte above which a payload is
// considered likely encrypted.
const entropyEncryptedThreshold = 7.5

// ThreatSignature is a named detection rule matched against payloads.
type ThreatSignature struct {
	ID          string         `yaml:"id" json:"id"`
	Pattern     string         `yaml:"pattern" json:"pattern"`
	Severity    model.Severity `yaml:"severity" json:"severity"`
	Description string         `yaml:"description" json:"description"`

	re *regexp.Regexp
}

// Validate checks that a signature is well formed and its pattern compiles.
func (s *ThreatSignature) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Message: "signature ID is required"}
	}
	if s.Pattern == "" {
		return &ValidationError{Field: "pattern", Message: "pattern is required"}
	}
	if !s.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: "invalid severity, must be low/medium/high/critical"}
	}
	if _, err := regexp.Compile("(?i)" + s.Pattern); err != nil {
		return &ValidationError{Field: "pattern", Message: err.Error()}
	}
	return nil
}

// ValidationError reports an invalid signature field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// builtinSignatures are the detection rules every engine starts with.
var builtinSignatures = []ThreatSignature{
	{ID: "port_scan", Pattern: `(\d+\.\d+\.\d+\.\d+).*?(\d+)\s+ports`, Severity: model.SeverityMedium, Description: "Port scanning detected"},
	{ID: "brute_force", Pattern: `failed password.*?(\d+\.\d+\.\d+\.\d+)`, Severity: model.SeverityHigh, Description: "Brute force attack detected"},
	{ID: "sql_injection", Pattern: `(union|select|insert|delete|drop|update).*?(from|into|where)`, Severity: model.SeverityCritical, Description: "SQL injection attempt detected"},
	{ID: "xss_attack", Pattern: `<script.*?>.*?</script>|<img.*?onerror|javascript:`, Severity: model.SeverityHigh, Description: "XSS attack detected"},
	{ID: "directory_traversal", Pattern: `\.\./|\.\.\\|%2e%2e%2f|%2e%2e%5c`, Severity: model.SeverityMedium, Description: "Directory traversal attempt detected"},
	{ID: "command_injection", Pattern: "(\\||&|;|\\$\\(|`).*(ls|cat|whoami|id|pwd|ps|netstat)", Severity: model.SeverityCritical, Description: "Command injection attempt detected"},
}

// Engine matches payloads against registered threat signatures and derives
// traffic metadata (protocol, encryption likelihood).
type Engine struct {
	mu         sync.RWMutex
	signatures []ThreatSignature
	sigDir     string
	logger     *slog.Logger
}

// NewEngine creates a signature engine with the built-in signature set plus
// any signatures found in sigDir. An empty sigDir loads builtins only.
func NewEngine(sigDir string, logger *slog.Logger) *Engine {
	e := &Engine{
		sigDir: sigDir,
		logger: logger,
	}
	if err := e.Reload(); err != nil {
		logger.Warn("Failed to load signature directory, using builtins only",
			"signatures_dir", sigDir, "error", err)
	}
	return e
}

// Signatures returns a copy of the currently registered signatures.
func (e *Engine) Signatures() []ThreatSignature {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ThreatSignature, len(e.signatures))
	copy(out, e.signatures)
	return out
}

// Classify matches the payload against every registered signature and
// returns one finding per match. Invalid byte sequences in the payload are
// dropped rather than failing classification.
func (e *Engine) Classify(payload []byte, srcIP, dstIP string, srcPort, dstPort int) []model.Finding {
	text := decodePermissive(payload)
	now := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var findings []model.Finding
	for _, sig := range e.signatures {
		if sig.re.MatchString(text) {
			findings = append(findings, model.Finding{
				Type:        sig.ID,
				Severity:    sig.Severity,
				Confidence:  signatureConfidence,
				Description: sig.Description,
				SourceIP:    srcIP,
				DestIP:      dstIP,
				Timestamp:   now,
			})
		}
	}
	return findings
}

// IsLikelyEncrypted reports whether the payload looks encrypted based on
// Shannon entropy over its byte histogram. Short payloads are never
// considered encrypted.
func IsLikelyEncrypted(payload []byte) bool {
	if len(payload) < entropyMinBytes {
		return false
	}
	return Entropy(payload) > entropyEncryptedThreshold
}

// Entropy computes the Shannon entropy of the payload in bits per byte.
func Entropy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range payload {
		counts[b]++
	}

	total := float64(len(payload))
	entropy := 0.0
	for _, count := range counts {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// decodePermissive converts payload bytes to lowercase text, dropping any
// invalid UTF-8 sequences.
func decodePermissive(payload []byte) string {
	return strings.ToLower(strings.ToValidUTF8(string(payload), ""))
}
