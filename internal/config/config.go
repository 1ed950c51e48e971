package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Database
	DBURL                string
	DBEngine             string
	DBMaxConnections     int // connection pool size (default: 20)
	DownloadsTable       string
	BatchesTable         string
	KeyPrefix            string // For Redis
	DBAutoMigrate        bool
	DatabaseQueryTimeout time.Duration

	// Destination storage
	DownloadDir        string
	StorageOpenRetries int
	StorageRetryDelay  time.Duration

	// Execution
	MaxConcurrentDownloads int // worker pool size, must be >= 1
	WorkerKeepAlive        time.Duration
	PollInterval           time.Duration
	PollBatchSize          int
	LeaseTTL               time.Duration
	MaxRetries             int
	RetryBaseDelay         time.Duration
	UserAgent              string

	// Network policy
	NetworkConnected              bool
	NetworkType                   string // wifi, ethernet, mobile, none
	NetworkMetered                bool
	NetworkRoaming                bool
	NetworkBlocked                bool
	MaxBytesOverMobile            int64 // 0 = no hard ceiling
	RecommendedMaxBytesOverMobile int64 // 0 = no recommended ceiling

	// Circuit Breaker
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // time to wait before half-open
	CircuitBreakerMaxRequests int           // max requests in half-open state

	// Lifecycle events
	EventsWebhookURL    string
	EventsSigningSecret []byte
	EventsMaxRetries    int
	EventsRetryDelay    time.Duration
	EventsRedisURL      string
	EventsRedisChannel  string

	// Server
	Port        string
	EnableHTTPS bool

	// Let's Encrypt
	LetsEncryptDomains  []string
	LetsEncryptCacheDir string
	LetsEncryptEmail    string

	// Batch API; requests are rejected while the secret is empty
	APISigningSecret   []byte
	APIMaxSignatureAge time.Duration
	APIMaxBodyBytes    int64

	// Metrics
	MetricsUsername string
	MetricsPassword string

	LogLevel string
}

// Retry bounds. Backoff saturates rather than overflowing, but past these
// limits a failed download would wait for decades.
const (
	MaxRetriesLimit   = 32
	MaxRetryBaseDelay = 24 * time.Hour
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DB_URL required")
	}

	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_URL: %w", err)
	}

	maxConcurrent := 5
	if v := os.Getenv("MAX_CONCURRENT_DOWNLOADS"); v != "" {
		maxConcurrent, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_DOWNLOADS: %w", err)
		}
		if maxConcurrent < 1 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_DOWNLOADS: must be at least 1, got %d", maxConcurrent)
		}
	}

	maxRetries := parseInt(os.Getenv("MAX_RETRIES"), 5)
	if maxRetries < 0 || maxRetries > MaxRetriesLimit {
		return nil, fmt.Errorf("invalid MAX_RETRIES: must be between 0 and %d, got %d", MaxRetriesLimit, maxRetries)
	}
	retryBaseDelay := parseDuration(os.Getenv("RETRY_BASE_DELAY"), 30*time.Second)
	if retryBaseDelay <= 0 || retryBaseDelay > MaxRetryBaseDelay {
		return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: must be positive and at most %s, got %s", MaxRetryBaseDelay, retryBaseDelay)
	}

	enableHTTPS := parseBool(os.Getenv("ENABLE_HTTPS"), false)

	var letsEncryptDomains []string
	if enableHTTPS {
		letsEncryptDomains = parseStringList(os.Getenv("LETSENCRYPT_DOMAINS"))
		if len(letsEncryptDomains) == 0 {
			return nil, fmt.Errorf("LETSENCRYPT_DOMAINS required when ENABLE_HTTPS=true")
		}
	}

	networkType := strings.ToLower(getenv("NETWORK_TYPE", "ethernet"))
	switch networkType {
	case "wifi", "ethernet", "mobile", "none":
	default:
		return nil, fmt.Errorf("invalid NETWORK_TYPE: %s", networkType)
	}

	eventsRedisURL := os.Getenv("EVENTS_REDIS_URL")
	if eventsRedisURL == "" && u.Scheme == "redis" {
		eventsRedisURL = dbURL
	}

	return &Config{
		DBURL:                dbURL,
		DBEngine:             u.Scheme,
		DBMaxConnections:     parseInt(os.Getenv("DB_MAX_CONNECTIONS"), 20),
		DownloadsTable:       getenv("DOWNLOADS_TABLE", "downloads"),
		BatchesTable:         getenv("BATCHES_TABLE", "batches"),
		KeyPrefix:            os.Getenv("KEY_PREFIX"),
		DBAutoMigrate:        parseBool(os.Getenv("DB_AUTO_MIGRATE"), true),
		DatabaseQueryTimeout: parseDuration(os.Getenv("DATABASE_QUERY_TIMEOUT"), 5*time.Second),

		DownloadDir:        getenv("DOWNLOAD_DIR", "./downloads"),
		StorageOpenRetries: parseInt(os.Getenv("STORAGE_OPEN_RETRIES"), 3),
		StorageRetryDelay:  parseDuration(os.Getenv("STORAGE_RETRY_DELAY"), 1*time.Second),

		MaxConcurrentDownloads: maxConcurrent,
		WorkerKeepAlive:        parseDuration(os.Getenv("WORKER_KEEP_ALIVE"), 60*time.Second),
		PollInterval:           parseDuration(os.Getenv("POLL_INTERVAL"), 5*time.Second),
		PollBatchSize:          parseInt(os.Getenv("POLL_BATCH_SIZE"), 100),
		LeaseTTL:               parseDuration(os.Getenv("LEASE_TTL"), 10*time.Minute),
		MaxRetries:             maxRetries,
		RetryBaseDelay:         retryBaseDelay,
		UserAgent:              getenv("USER_AGENT", "batchfetch/1.0"),

		NetworkConnected:              parseBool(os.Getenv("NETWORK_CONNECTED"), networkType != "none"),
		NetworkType:                   networkType,
		NetworkMetered:                parseBool(os.Getenv("NETWORK_METERED"), networkType == "mobile"),
		NetworkRoaming:                parseBool(os.Getenv("NETWORK_ROAMING"), false),
		NetworkBlocked:                parseBool(os.Getenv("NETWORK_BLOCKED"), false),
		MaxBytesOverMobile:            parseInt64(os.Getenv("MAX_BYTES_OVER_MOBILE"), 0),
		RecommendedMaxBytesOverMobile: parseInt64(os.Getenv("RECOMMENDED_MAX_BYTES_OVER_MOBILE"), 0),

		CircuitBreakerThreshold:   parseInt(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"), 5),
		CircuitBreakerTimeout:     parseDuration(os.Getenv("CIRCUIT_BREAKER_TIMEOUT"), 60*time.Second),
		CircuitBreakerMaxRequests: parseInt(os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"), 2),

		EventsWebhookURL:    os.Getenv("EVENTS_WEBHOOK_URL"),
		EventsSigningSecret: []byte(os.Getenv("EVENTS_SIGNING_SECRET")),
		EventsMaxRetries:    parseInt(os.Getenv("EVENTS_MAX_RETRIES"), 3),
		EventsRetryDelay:    parseDuration(os.Getenv("EVENTS_RETRY_DELAY"), 5*time.Second),
		EventsRedisURL:      eventsRedisURL,
		EventsRedisChannel:  getenv("EVENTS_REDIS_CHANNEL", "batchfetch:events"),

		Port:                getenv("PORT", "8080"),
		EnableHTTPS:         enableHTTPS,
		LetsEncryptDomains:  letsEncryptDomains,
		LetsEncryptCacheDir: getenv("LETSENCRYPT_CACHE_DIR", "./certs"),
		LetsEncryptEmail:    os.Getenv("LETSENCRYPT_EMAIL"),
		APISigningSecret:    []byte(os.Getenv("API_SIGNING_SECRET")),
		APIMaxSignatureAge:  parseDuration(os.Getenv("API_MAX_SIGNATURE_AGE"), 5*time.Minute),
		APIMaxBodyBytes:     parseInt64(os.Getenv("API_MAX_BODY_BYTES"), 1<<20),
		MetricsUsername:     os.Getenv("METRICS_USERNAME"),
		MetricsPassword:     os.Getenv("METRICS_PASSWORD"),

		LogLevel: getenv("LOG_LEVEL", "info"),
	}, nil
}

// Helper functions for parsing configuration values

func getenv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseInt64(s string, defaultValue int64) int64 {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseBool(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
