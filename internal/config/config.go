// Package config loads daemon configuration from the environment, following
// the same getEnvOrDefault/getEnvBool/getEnvDuration convention used
// throughout the rest of this project's ancestry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dockmon/dns-agent/internal/flannel"
)

// Config holds every environment-derived setting the daemon needs.
type Config struct {
	// OPNsense/Unbound REST appliance
	OPNsenseURL    string
	OPNsenseKey    string
	OPNsenseSecret string
	VerifySSL      bool

	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	APIRetryCount   int
	APIBackoffFactor float64
	MinCallInterval time.Duration

	// Cache / sync / cleanup cadence
	DNSCacheTTL            time.Duration
	DNSSyncInterval        time.Duration
	DNSCleanupInterval     time.Duration
	DNSCleanupBatchSize    int
	DNSCleanupMaxHostnames int
	CleanupOnStartup       bool

	// Reload strategy
	RestartThreshold   int
	RestartInterval    time.Duration
	MaxReconfigureTime time.Duration
	VerificationDelay  time.Duration

	// Identity / role
	DNSRole  string
	HostName string

	// Domain derivation
	BaseDomain        string
	FlannelSubnetPath string
	CriticalPrefixes  []string

	// Local unbound (file backend)
	LocalUnboundEnabled   bool
	LocalUnboundType      string
	LocalUnboundContainer string

	// Replication
	ReplicationPeers       []string
	PeerIPs                map[string]string
	OPNsenseFallbackEnabled bool
	DNSReplicationPort     int

	// State tracker
	StateCleanupCycles int

	// Logging
	LogLevel string
	LogJSON  bool

	// Metrics / replication server
	MetricsAddr string
}

// LoadFromEnv reads and validates configuration from the process
// environment. REPLICATE_TO_* variables name peers; each named peer's
// address is then read from <PEER>_IP.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		OPNsenseURL:    os.Getenv("OPNSENSE_URL"),
		OPNsenseKey:    os.Getenv("OPNSENSE_KEY"),
		OPNsenseSecret: os.Getenv("OPNSENSE_SECRET"),
		VerifySSL:      getEnvBool("VERIFY_SSL", true),

		ConnectTimeout:   getEnvSecondsDuration("CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:      getEnvSecondsDuration("READ_TIMEOUT", 15*time.Second),
		APIRetryCount:    getEnvInt("API_RETRY_COUNT", 3),
		APIBackoffFactor: getEnvFloat("API_BACKOFF_FACTOR", 2.0),
		MinCallInterval:  getEnvSecondsDuration("MIN_CALL_INTERVAL", 1*time.Second),

		DNSCacheTTL:            getEnvSecondsDuration("DNS_CACHE_TTL", 60*time.Second),
		DNSSyncInterval:        getEnvSecondsDuration("DNS_SYNC_INTERVAL", 60*time.Second),
		DNSCleanupInterval:     getEnvSecondsDuration("DNS_CLEANUP_INTERVAL", 3600*time.Second),
		DNSCleanupBatchSize:    getEnvInt("DNS_CLEANUP_BATCH_SIZE", 50),
		DNSCleanupMaxHostnames: getEnvInt("DNS_CLEANUP_MAX_HOSTNAMES", 25),
		CleanupOnStartup:       getEnvBool("CLEANUP_ON_STARTUP", true),

		RestartThreshold:   getEnvInt("RESTART_THRESHOLD", 100),
		RestartInterval:    getEnvSecondsDuration("RESTART_INTERVAL", 24*time.Hour),
		MaxReconfigureTime: getEnvSecondsDuration("MAX_RECONFIGURE_TIME", 120*time.Second),
		VerificationDelay:  getEnvSecondsDuration("VERIFICATION_DELAY", 2*time.Second),

		DNSRole:  getEnvOrDefault("DNS_ROLE", "master"),
		HostName: getEnvOrDefault("HOST_NAME", defaultHostName()),

		BaseDomain:        getEnvOrDefault("BASE_DOMAIN", "docker.local"),
		FlannelSubnetPath: getEnvOrDefault("FLANNEL_SUBNET_ENV_PATH", flannel.DefaultSubnetEnvPath),
		CriticalPrefixes:  getEnvCSV("CRITICAL_PREFIXES", nil),

		LocalUnboundEnabled:   getEnvBool("LOCAL_UNBOUND_ENABLED", false),
		LocalUnboundType:      getEnvOrDefault("LOCAL_UNBOUND_TYPE", "host"),
		LocalUnboundContainer: os.Getenv("LOCAL_UNBOUND_CONTAINER"),

		OPNsenseFallbackEnabled: getEnvBool("OPNSENSE_FALLBACK_ENABLED", true),
		DNSReplicationPort:      getEnvInt("DNS_REPLICATION_PORT", 8080),

		StateCleanupCycles: getEnvInt("STATE_CLEANUP_CYCLES", 3),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		MetricsAddr: getEnvOrDefault("METRICS_ADDR", ":8080"),
	}

	cfg.ReplicationPeers, cfg.PeerIPs = loadReplicationPeers()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OPNsenseURL == "" {
		return fmt.Errorf("OPNSENSE_URL is required")
	}
	if c.OPNsenseKey == "" || c.OPNsenseSecret == "" {
		return fmt.Errorf("OPNSENSE_KEY and OPNSENSE_SECRET are required")
	}
	if c.DNSRole != "master" && c.DNSRole != "client" {
		return fmt.Errorf("DNS_ROLE must be \"master\" or \"client\", got %q", c.DNSRole)
	}
	if c.LocalUnboundEnabled && c.LocalUnboundType != "host" && c.LocalUnboundType != "docker" {
		return fmt.Errorf("LOCAL_UNBOUND_TYPE must be \"host\" or \"docker\", got %q", c.LocalUnboundType)
	}
	if c.LocalUnboundEnabled && c.LocalUnboundType == "docker" && c.LocalUnboundContainer == "" {
		return fmt.Errorf("LOCAL_UNBOUND_CONTAINER is required when LOCAL_UNBOUND_TYPE=docker")
	}
	return nil
}

// loadReplicationPeers scans REPLICATE_TO_<NAME>=true/1 variables and
// resolves each named peer's address from <NAME>_IP.
func loadReplicationPeers() ([]string, map[string]string) {
	const prefix = "REPLICATE_TO_"
	var peers []string
	ips := make(map[string]string)

	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		enabled, err := strconv.ParseBool(value)
		if err != nil || !enabled {
			continue
		}
		peer := strings.TrimPrefix(key, prefix)
		if ip := os.Getenv(peer + "_IP"); ip != "" {
			peers = append(peers, peer)
			ips[peer] = ip
		}
	}
	return peers, ips
}

func defaultHostName() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvCSV reads a comma-separated list, trimming whitespace around each
// element. Empty elements are dropped.
func getEnvCSV(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSecondsDuration reads an integer or decimal number of seconds, the
// convention the appliance-facing timeout variables use (CONNECT_TIMEOUT=5,
// not CONNECT_TIMEOUT=5s).
func getEnvSecondsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(parsed * float64(time.Second))
		}
	}
	return defaultValue
}
