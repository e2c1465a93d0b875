// Package config provides configuration loading from environment and
// defaults for the sentinel binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvUint64 returns the unsigned integer for key, or defaultValue if unset/invalid.
func GetEnvUint64(key string, defaultValue uint64) uint64 {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvUint64List parses a comma separated list, skipping invalid entries.
func GetEnvUint64List(key string) []uint64 {
	var out []uint64
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseUint(part, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// ProviderConfig is one judgment provider endpoint.
type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

// SentinelConfig holds configuration for the sentinel daemon.
type SentinelConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	AgentID        string
	RegistryPath   string
	DataDir        string
	PolicyFile     string
	CycleInterval  time.Duration
	Evaluators     int
	CycleRetention int

	TelemetryEndpoint    string
	TelemetryAPIKey      string
	TelemetryTimeout     time.Duration
	TelemetryMaxAttempts int

	JudgmentPrimary    ProviderConfig
	JudgmentSecondary  ProviderConfig
	JudgmentTimeout    time.Duration
	JudgmentMaxRetries int

	RelayEnabled      bool
	RelayEndpoint     string
	RelayAPIKey       string
	RelayTimeout      time.Duration
	RelayDestinations []uint64

	ConfidenceThresholdBps uint64
	EpochDuration          time.Duration
	ActionBudgetPerEpoch   uint64
}

// DefaultSentinelConfig returns sentinel config from environment with defaults.
func DefaultSentinelConfig() SentinelConfig {
	relay := GetEnv("RELAY_ENDPOINT", "")
	return SentinelConfig{
		HTTPAddr:        GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),

		AgentID:        GetEnv("SENTINEL_AGENT_ID", "sentinel-0"),
		RegistryPath:   GetEnv("SENTINEL_REGISTRY", "/etc/sentinel/registry.yaml"),
		DataDir:        GetEnv("SENTINEL_DATA_DIR", ""),
		PolicyFile:     GetEnv("SENTINEL_POLICY_FILE", ""),
		CycleInterval:  GetEnvDuration("SENTINEL_CYCLE_INTERVAL", 30*time.Second),
		Evaluators:     GetEnvInt("SENTINEL_EVALUATORS", 3),
		CycleRetention: GetEnvInt("SENTINEL_CYCLE_RETENTION", 1000),

		TelemetryEndpoint:    GetEnv("TELEMETRY_ENDPOINT", ""),
		TelemetryAPIKey:      GetEnv("TELEMETRY_API_KEY", ""),
		TelemetryTimeout:     GetEnvDuration("TELEMETRY_TIMEOUT", 15*time.Second),
		TelemetryMaxAttempts: GetEnvInt("TELEMETRY_MAX_ATTEMPTS", 2),

		JudgmentPrimary: ProviderConfig{
			Endpoint: GetEnv("JUDGMENT_PRIMARY_ENDPOINT", ""),
			APIKey:   GetEnv("JUDGMENT_PRIMARY_API_KEY", ""),
			Model:    GetEnv("JUDGMENT_PRIMARY_MODEL", ""),
		},
		JudgmentSecondary: ProviderConfig{
			Endpoint: GetEnv("JUDGMENT_SECONDARY_ENDPOINT", ""),
			APIKey:   GetEnv("JUDGMENT_SECONDARY_API_KEY", ""),
			Model:    GetEnv("JUDGMENT_SECONDARY_MODEL", ""),
		},
		JudgmentTimeout:    GetEnvDuration("JUDGMENT_TIMEOUT", 30*time.Second),
		JudgmentMaxRetries: GetEnvInt("JUDGMENT_MAX_RETRIES", 3),

		RelayEnabled:      relay != "",
		RelayEndpoint:     relay,
		RelayAPIKey:       GetEnv("RELAY_API_KEY", ""),
		RelayTimeout:      GetEnvDuration("RELAY_TIMEOUT", 30*time.Second),
		RelayDestinations: GetEnvUint64List("RELAY_DESTINATIONS"),

		ConfidenceThresholdBps: GetEnvUint64("CONFIDENCE_THRESHOLD_BPS", 7000),
		EpochDuration:          GetEnvDuration("EPOCH_DURATION", time.Hour),
		ActionBudgetPerEpoch:   GetEnvUint64("ACTION_BUDGET_PER_EPOCH", 5),
	}
}

// Validate rejects settings the daemon cannot run with.
func (c SentinelConfig) Validate() error {
	switch {
	case c.Evaluators < 1:
		return fmt.Errorf("SENTINEL_EVALUATORS must be at least 1, got %d", c.Evaluators)
	case c.AgentID == "":
		return fmt.Errorf("SENTINEL_AGENT_ID must be set")
	case c.ConfidenceThresholdBps > 10000:
		return fmt.Errorf("CONFIDENCE_THRESHOLD_BPS must be at most 10000, got %d", c.ConfidenceThresholdBps)
	case c.EpochDuration <= 0:
		return fmt.Errorf("EPOCH_DURATION must be positive, got %v", c.EpochDuration)
	}
	return nil
}
