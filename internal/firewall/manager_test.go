package firewall

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsentry/netsentry/internal/vault"
)

func newTestManager(t *testing.T) (*Manager, *vault.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := vault.NewStore(t.TempDir(), "secret", "salt", logger)
	require.NoError(t, err)
	return NewManager(store, nil, nil, logger), store
}

func TestManager_BlockAndUnblock(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.BlockIP("203.0.113.1", time.Hour, "test"))
	assert.True(t, m.IsBlocked("203.0.113.1"))
	assert.Equal(t, []string{"203.0.113.1"}, m.BlockedIPs())

	assert.True(t, m.UnblockIP("203.0.113.1"))
	assert.False(t, m.IsBlocked("203.0.113.1"))
}

func TestManager_UnblockUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.UnblockIP("203.0.113.2"))
}

func TestManager_BlockInvalidIP(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.BlockIP("not-an-ip", 0, "test"))
	assert.Error(t, m.BlockIP("", 0, "test"))
}

func TestManager_WhitelistRejectsBlock(t *testing.T) {
	m, _ := newTestManager(t)

	// Loopback is whitelisted on first run.
	require.True(t, m.IsWhitelisted("127.0.0.1"))

	err := m.BlockIP("127.0.0.1", time.Hour, "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWhitelisted)
	assert.False(t, m.IsBlocked("127.0.0.1"))
}

func TestManager_WhitelistingUnblocks(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.BlockIP("203.0.113.3", 0, "test"))
	require.NoError(t, m.AddToWhitelist("203.0.113.3"))

	assert.False(t, m.IsBlocked("203.0.113.3"))
	assert.True(t, m.IsWhitelisted("203.0.113.3"))

	// And blocking it again is now a policy violation.
	assert.ErrorIs(t, m.BlockIP("203.0.113.3", 0, "test"), ErrWhitelisted)

	assert.True(t, m.RemoveFromWhitelist("203.0.113.3"))
	assert.False(t, m.RemoveFromWhitelist("203.0.113.3"))
}

func TestManager_BlockExpiry(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.BlockIP("203.0.113.4", time.Millisecond, "short"))
	time.Sleep(5 * time.Millisecond)

	assert.False(t, m.IsBlocked("203.0.113.4"))
}

func TestManager_ZeroDurationNeverExpires(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.BlockIP("203.0.113.5", 0, "permanent"))
	time.Sleep(2 * time.Millisecond)
	assert.True(t, m.IsBlocked("203.0.113.5"))
}

func TestManager_StatePersistsAcrossRestart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	store, err := vault.NewStore(dir, "secret", "salt", logger)
	require.NoError(t, err)

	first := NewManager(store, nil, nil, logger)
	require.NoError(t, first.BlockIP("203.0.113.6", time.Hour, "test"))
	require.NoError(t, first.AddToWhitelist("192.0.2.1"))
	require.True(t, first.BlockPort(9000, "test"))

	second := NewManager(store, nil, nil, logger)
	assert.True(t, second.IsBlocked("203.0.113.6"))
	assert.True(t, second.IsWhitelisted("192.0.2.1"))
	assert.True(t, second.IsPortBlocked(9000))
}

func TestManager_PortRules(t *testing.T) {
	m, _ := newTestManager(t)

	// Unencrypted production ports start blocked.
	assert.True(t, m.IsPortBlocked(23))

	// Always-allowed ports cannot be blocked.
	assert.False(t, m.BlockPort(443, "test"))
	assert.False(t, m.IsPortBlocked(443))

	// Always-blocked ports cannot be unblocked.
	assert.False(t, m.UnblockPort(23))
	assert.True(t, m.IsPortBlocked(23))

	// Ordinary ports round-trip.
	assert.True(t, m.BlockPort(9999, "suspicious service"))
	assert.True(t, m.IsPortBlocked(9999))
	assert.True(t, m.UnblockPort(9999))
	assert.False(t, m.IsPortBlocked(9999))
	assert.False(t, m.UnblockPort(9999))
}

func TestManager_PortInfo(t *testing.T) {
	m, _ := newTestManager(t)

	info := m.PortInfo(23)
	assert.Equal(t, 23, info.Port)
	assert.Equal(t, "Telnet (unencrypted)", info.Description)
	assert.True(t, info.Blocked)
	assert.True(t, info.AlwaysBlock)
	assert.False(t, info.AlwaysAllow)

	info = m.PortInfo(443)
	assert.True(t, info.AlwaysAllow)
	assert.False(t, info.Blocked)

	info = m.PortInfo(12345)
	assert.Equal(t, "unknown service", info.Description)
}

func TestManager_Status(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.BlockIP("203.0.113.7", 0, "test"))

	status := m.Status()
	assert.True(t, status.IntegrityVerified)
	assert.Equal(t, 1, status.BlockedIPCount)
	assert.Equal(t, []string{"203.0.113.7"}, status.BlockedIPs)
	assert.Equal(t, 2, status.WhitelistCount)
	assert.NotEmpty(t, status.BlockedPorts)
}

func TestManager_VerifyIntegrity(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.BlockIP("203.0.113.8", 0, "test"))
	assert.True(t, m.VerifyIntegrity())
}
