package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// kdfIterations is the PBKDF2 iteration count for key derivation.
const kdfIterations = 100000

// keyLength is the derived AES-256 key size.
const keyLength = 32

// Store encrypts and integrity-stamps named records on disk. Each record
// lives as `<name>.encrypted` with a `<name>.hash` integrity sidecar and a
// best-effort `<name>.backup` plaintext copy.
//
// Failure policy: I/O and decryption errors are logged and surfaced as a
// false/empty result. Callers must treat a failed Get as "no data", never
// as confirmed-absent.
type Store struct {
	mu     sync.Mutex
	dir    string
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewStore derives the encryption key from secret and salt via
// PBKDF2-SHA256 and prepares the record directory.
func NewStore(dir, secret, salt string, logger *slog.Logger) (*Store, error) {
	if secret == "" {
		return nil, errors.New("vault secret is required")
	}
	if salt == "" {
		return nil, errors.New("vault salt is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Store{
		dir:    dir,
		aead:   aead,
		logger: logger,
	}, nil
}

// Put encrypts plaintext and atomically replaces the record's encrypted
// file. The plaintext is staged in a temporary file, kept as a best-effort
// `.backup` copy, and the stage file is removed afterwards.
func (s *Store) Put(name string, plaintext []byte) bool {
	if !validName(name) {
		s.logger.Error("Invalid record name", "name", name)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stagePath := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(stagePath, plaintext, 0o600); err != nil {
		s.logger.Error("Failed to stage plaintext", "name", name, "error", err)
		return false
	}
	defer os.Remove(stagePath)

	ciphertext, err := s.seal(plaintext)
	if err != nil {
		s.logger.Error("Failed to encrypt record", "name", name, "error", err)
		return false
	}

	encTemp := filepath.Join(s.dir, name+".encrypted.tmp")
	if err := os.WriteFile(encTemp, ciphertext, 0o600); err != nil {
		s.logger.Error("Failed to write encrypted record", "name", name, "error", err)
		return false
	}

	encPath := filepath.Join(s.dir, name+".encrypted")
	if err := os.Rename(encTemp, encPath); err != nil {
		os.Remove(encTemp)
		s.logger.Error("Failed to replace encrypted record", "name", name, "error", err)
		return false
	}

	sum := sha256.Sum256(plaintext)
	hashPath := filepath.Join(s.dir, name+".hash")
	if err := os.WriteFile(hashPath, []byte(hex.EncodeToString(sum[:])), 0o600); err != nil {
		s.logger.Warn("Failed to write integrity sidecar", "name", name, "error", err)
	}

	// Plaintext backup is best-effort and not cryptographically protected.
	backupPath := filepath.Join(s.dir, name+".backup")
	if err := os.WriteFile(backupPath, plaintext, 0o600); err != nil {
		s.logger.Warn("Failed to write backup copy", "name", name, "error", err)
	}

	s.logger.Info("Record encrypted", "name", name, "bytes", len(plaintext))
	return true
}

// Get decrypts and returns the record's plaintext. A missing file or a
// decryption failure yields (nil, false).
func (s *Store) Get(name string) ([]byte, bool) {
	if !validName(name) {
		s.logger.Error("Invalid record name", "name", name)
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.open(name)
	if err != nil {
		s.logger.Warn("Failed to read record", "name", name, "error", err)
		return nil, false
	}

	// The decrypted content passes through a temporary plaintext file that
	// is removed before returning.
	stagePath := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(stagePath, plaintext, 0o600); err != nil {
		s.logger.Warn("Failed to stage decrypted record", "name", name, "error", err)
		return nil, false
	}
	data, err := os.ReadFile(stagePath)
	os.Remove(stagePath)
	if err != nil {
		s.logger.Warn("Failed to read staged record", "name", name, "error", err)
		return nil, false
	}

	return data, true
}

// Exists reports whether an encrypted record is present on disk.
func (s *Store) Exists(name string) bool {
	if !validName(name) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, name+".encrypted"))
	return err == nil
}

// Verify decrypts the record and compares its content hash with the
// `<name>.hash` sidecar. When no sidecar exists the current content becomes
// the baseline and verification passes: a trust-on-first-use model, not
// independent tamper detection against a compromised write path.
func (s *Store) Verify(name string) bool {
	if !validName(name) {
		s.logger.Error("Invalid record name", "name", name)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.open(name)
	if err != nil {
		s.logger.Warn("Integrity check failed to decrypt record", "name", name, "error", err)
		return false
	}

	sum := sha256.Sum256(plaintext)
	digest := hex.EncodeToString(sum[:])

	hashPath := filepath.Join(s.dir, name+".hash")
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read integrity sidecar", "name", name, "error", err)
			return false
		}
		if err := os.WriteFile(hashPath, []byte(digest), 0o600); err != nil {
			s.logger.Warn("Failed to establish integrity baseline", "name", name, "error", err)
			return false
		}
		s.logger.Info("Integrity baseline established", "name", name)
		return true
	}

	ok := strings.TrimSpace(string(stored)) == digest
	if !ok {
		s.logger.Warn("Integrity check failed, possible tampering", "name", name)
	}
	return ok
}

// seal encrypts plaintext as nonce||ciphertext.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open reads and decrypts the record's encrypted file.
func (s *Store) open(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".encrypted"))
	if err != nil {
		return nil, err
	}
	if len(data) < s.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := data[:s.aead.NonceSize()]
	ciphertext := data[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

// validName rejects names that would escape the record directory.
func validName(name string) bool {
	return name != "" &&
		!strings.Contains(name, "/") &&
		!strings.Contains(name, "\\") &&
		!strings.Contains(name, "..")
}
