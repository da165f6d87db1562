package signature

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reload rebuilds the signature set from the builtins plus the signature
// directory. Signatures are immutable between reloads; a directory entry
// whose ID collides with a builtin replaces it.
func (e *Engine) Reload() error {
	byID := make(map[string]ThreatSignature, len(builtinSignatures))
	for _, sig := range builtinSignatures {
		byID[sig.ID] = sig
	}

	if e.sigDir != "" {
		files, err := e.readSignatureFiles()
		if err != nil {
			return fmt.Errorf("failed to read signature files: %w", err)
		}

		for _, file := range files {
			sigs, err := e.loadSignaturesFromFile(file)
			if err != nil {
				e.logger.Warn("Failed to load signatures from file", "file", file, "error", err)
				continue
			}

			for _, sig := range sigs {
				if err := sig.Validate(); err != nil {
					e.logger.Warn("Invalid signature skipped", "signature_id", sig.ID, "file", file, "error", err)
					continue
				}
				if _, exists := byID[sig.ID]; exists {
					e.logger.Info("Signature ID conflict resolved by file override",
						"signature_id", sig.ID, "file", file)
				}
				byID[sig.ID] = sig
			}
		}
	}

	loaded := make([]ThreatSignature, 0, len(byID))
	for _, sig := range byID {
		sig.re = regexp.MustCompile("(?i)" + sig.Pattern)
		loaded = append(loaded, sig)
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].ID < loaded[j].ID
	})

	e.mu.Lock()
	e.signatures = loaded
	e.mu.Unlock()

	e.logger.Info("Signature set loaded",
		"total_signatures", len(loaded),
		"signatures_dir", e.sigDir)
	return nil
}

// readSignatureFiles lists YAML files in the signature directory, sorted by
// filename for consistent loading order.
func (e *Engine) readSignatureFiles() ([]string, error) {
	var files []string

	err := filepath.WalkDir(e.sigDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// loadSignaturesFromFile parses a YAML file holding one signature or a list
// of signatures.
func (e *Engine) loadSignaturesFromFile(filename string) ([]ThreatSignature, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var sigs []ThreatSignature

	// Single signature first, then a list.
	var single ThreatSignature
	if err := yaml.Unmarshal(data, &single); err == nil && single.ID != "" {
		sigs = append(sigs, single)
	} else if err := yaml.Unmarshal(data, &sigs); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	e.logger.Debug("Loaded signatures from file", "file", filename, "count", len(sigs))
	return sigs, nil
}
