package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	EventStore EventStoreConfig
	Auth       AuthConfig
	TSA        TSAConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// EventStoreConfig holds configuration for the EventStoreDB connection used
// to report queue lifecycle and dead-letter events.
type EventStoreConfig struct {
	// Host is the EventStoreDB server hostname
	Host string
	// Port is the gRPC port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
	// Enabled controls whether lifecycle events are published at all
	Enabled bool
}

type AuthConfig struct {
	JWTSecret string
}

// ProviderConfig describes one upstream RFC 3161 Timestamp Authority.
// Loaded once at startup and read-only thereafter.
type ProviderConfig struct {
	// ID is the stable provider identifier referenced by tenant routing policies
	ID string
	// DisplayName is used in logs and operator output
	DisplayName string
	// Endpoint is the HTTP(S) URL accepting timestamp queries
	Endpoint string
	// AcceptedPolicyOIDs lists the policy OIDs this provider may issue under
	AcceptedPolicyOIDs []string
	// Timeout bounds a single sign or probe round trip
	Timeout time.Duration
}

// TSAConfig holds configuration for the TSA redundancy client.
type TSAConfig struct {
	// Providers are the configured upstream authorities
	Providers []ProviderConfig
	// HedgeDelay is the stagger before a backup attempt is started
	HedgeDelay time.Duration
	// ProbeInterval is the health probe period
	ProbeInterval time.Duration
	// FailbackGreens is the number of consecutive successful probes
	// required before an unhealthy provider is trusted again
	FailbackGreens int
	// QueueCapacity bounds the retry queue; enqueue beyond it is rejected
	QueueCapacity int
	// QueueMaxRetries bounds re-attempts before dead-lettering
	QueueMaxRetries int
	// DrainInterval is the retry queue drain period
	DrainInterval time.Duration
	// DrainBatch is the maximum number of items claimed per drain cycle
	DrainBatch int
	// DrainWorkers bounds concurrent re-sign attempts during a drain
	DrainWorkers int
	// RetryAfter is the hint returned to callers whose request was queued
	RetryAfter time.Duration
}

func Load() (*Config, error) {
	providers, err := parseProviders(getEnv("TSA_PROVIDERS",
		"freetsa,FreeTSA,https://freetsa.org/tsr,5000,1.3.6.1.4.1.13762.3"))
	if err != nil {
		return nil, fmt.Errorf("invalid TSA_PROVIDERS: %w", err)
	}

	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "stampd"),
			Password: getEnv("DB_PASSWORD", "stampd"),
			Database: getEnv("DB_NAME", "stampd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		EventStore: EventStoreConfig{
			Host:     getEnv("EVENTSTORE_HOST", "localhost"),
			Port:     getEnvInt("EVENTSTORE_PORT", 2113),
			Insecure: getEnvBool("EVENTSTORE_INSECURE", true),
			Username: getEnv("EVENTSTORE_USERNAME", ""),
			Password: getEnv("EVENTSTORE_PASSWORD", ""),
			Enabled:  getEnvBool("EVENTSTORE_ENABLED", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		TSA: TSAConfig{
			Providers:       providers,
			HedgeDelay:      getEnvDurationMs("TSA_HEDGE_DELAY_MS", 300),
			ProbeInterval:   getEnvDurationSec("TSA_PROBE_INTERVAL_SECONDS", 10),
			FailbackGreens:  getEnvInt("TSA_FAILBACK_GREENS", 3),
			QueueCapacity:   getEnvInt("TSA_QUEUE_CAPACITY", 10000),
			QueueMaxRetries: getEnvInt("TSA_QUEUE_MAX_RETRIES", 3),
			DrainInterval:   getEnvDurationSec("TSA_DRAIN_INTERVAL_SECONDS", 30),
			DrainBatch:      getEnvInt("TSA_DRAIN_BATCH", 100),
			DrainWorkers:    getEnvInt("TSA_DRAIN_WORKERS", 8),
			RetryAfter:      getEnvDurationSec("TSA_RETRY_AFTER_SECONDS", 60),
		},
	}, nil
}

// parseProviders parses the TSA_PROVIDERS value: semicolon-separated entries
// of "id,displayName,endpoint,timeoutMs,policyOid policyOid...".
func parseProviders(value string) ([]ProviderConfig, error) {
	var providers []ProviderConfig
	seen := make(map[string]bool)

	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("provider entry %q needs at least id,name,endpoint", entry)
		}

		p := ProviderConfig{
			ID:          strings.TrimSpace(fields[0]),
			DisplayName: strings.TrimSpace(fields[1]),
			Endpoint:    strings.TrimSpace(fields[2]),
			Timeout:     5 * time.Second,
		}
		if p.ID == "" || p.Endpoint == "" {
			return nil, fmt.Errorf("provider entry %q has empty id or endpoint", entry)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		if len(fields) > 3 {
			ms, err := strconv.Atoi(strings.TrimSpace(fields[3]))
			if err != nil || ms <= 0 {
				return nil, fmt.Errorf("provider %s has invalid timeout %q", p.ID, fields[3])
			}
			p.Timeout = time.Duration(ms) * time.Millisecond
		}
		if len(fields) > 4 {
			for _, oid := range strings.Fields(fields[4]) {
				p.AcceptedPolicyOIDs = append(p.AcceptedPolicyOIDs, oid)
			}
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return providers, nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvDurationSec(key string, defaultSec int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSec)) * time.Second
}
