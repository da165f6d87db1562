package config

import (
	"os"
	"strconv"
)

// Config is the process configuration, resolved once at startup from
// environment variables.
type Config struct {
	HTTPAddr           string
	NATSURL            string
	SignaturesDir      string
	DataDir            string
	VaultSecret        string
	VaultSalt          string
	FloodThreshold     int
	AlertHistoryCap    int
	RiskAlertThreshold int
}

// Default credentials used when the deployment does not provide its own.
// Running with these is logged loudly at startup.
const (
	DefaultVaultSecret = "netsentry-default-secret"
	DefaultVaultSalt   = "netsentry-salt-v1"
)

// FromEnv builds the configuration from NETSENTRY_* environment variables
// with working defaults for local development.
func FromEnv() Config {
	return Config{
		HTTPAddr:           getEnv("NETSENTRY_HTTP_ADDR", ":8084"),
		NATSURL:            getEnv("NETSENTRY_NATS_URL", "nats://localhost:4222"),
		SignaturesDir:      getEnv("NETSENTRY_SIGNATURES_DIR", "./signatures"),
		DataDir:            getEnv("NETSENTRY_DATA_DIR", "./data"),
		VaultSecret:        getEnv("NETSENTRY_VAULT_SECRET", DefaultVaultSecret),
		VaultSalt:          getEnv("NETSENTRY_VAULT_SALT", DefaultVaultSalt),
		FloodThreshold:     getEnvInt("NETSENTRY_FLOOD_THRESHOLD", 100),
		AlertHistoryCap:    getEnvInt("NETSENTRY_ALERT_HISTORY_CAP", 10000),
		RiskAlertThreshold: getEnvInt("NETSENTRY_RISK_ALERT_THRESHOLD", 50),
	}
}

// UsingDefaultSecret reports whether the vault still runs on the built-in
// credentials.
func (c Config) UsingDefaultSecret() bool {
	return c.VaultSecret == DefaultVaultSecret || c.VaultSalt == DefaultVaultSalt
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
