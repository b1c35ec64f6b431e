package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// Search
	Query         string
	SearchPerPage int
	Extension     string

	// GitHub
	Tokens     []string
	APIBaseURL string

	// Workers
	Workers         int
	QueueCapacity   int
	CommitBatchSize int
	MaxRepos        int // 0 means unlimited
	MaxFilesPerRepo int // 0 means unlimited

	// Quota accounting
	ReserveQuota    int
	MaxQuota        int
	SearchMaxQuota  int
	MaxFailures     int
	FailureCooldown time.Duration

	// Pacing and retries
	RequestsPerSecond   float64
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxRateLimitRetries int
	MaxTransientRetries int
	TransientDelay      time.Duration
	RequestTimeout      time.Duration
	ExhaustionPatience  time.Duration

	// Storage
	StorageType string // "sqlite", "postgres" or "memory"
	SQLitePath  string
	PostgresURL string

	// API Server
	APIPort string
	APIHost string

	// CLI
	APIEndpoint string
}

// Load reads the configuration from environment variables and an optional
// .env file. Malformed numbers and durations fail here; Validate checks the
// settings only a harvest run needs, such as tokens.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Query:         getEnv("SEARCH_QUERY", "language:python"),
		SearchPerPage: p.int("SEARCH_PER_PAGE", 30),
		Extension:     getEnv("TARGET_EXTENSION", ".py"),

		Tokens:     parseTokens(getEnv("GITHUB_TOKENS", getEnv("GITHUB_TOKEN", ""))),
		APIBaseURL: getEnv("GITHUB_API_URL", ""),

		Workers:         p.int("WORKERS", 4),
		QueueCapacity:   p.int("QUEUE_CAPACITY", 0),
		CommitBatchSize: p.int("COMMIT_BATCH_SIZE", 1500),
		MaxRepos:        p.int("MAX_REPOS", 0),
		MaxFilesPerRepo: p.int("MAX_FILES_PER_REPO", 0),

		ReserveQuota:    p.int("RESERVE_QUOTA", 1),
		MaxQuota:        p.int("MAX_QUOTA", 5000),
		SearchMaxQuota:  p.int("SEARCH_MAX_QUOTA", 30),
		MaxFailures:     p.int("MAX_CONSECUTIVE_FAILURES", 3),
		FailureCooldown: p.duration("FAILURE_COOLDOWN", time.Minute),

		RequestsPerSecond:   p.float("REQUESTS_PER_SECOND", 10),
		BackoffBase:         p.duration("BACKOFF_BASE", time.Second),
		BackoffCap:          p.duration("BACKOFF_CAP", time.Minute),
		MaxRateLimitRetries: p.int("MAX_RATE_LIMIT_RETRIES", 5),
		MaxTransientRetries: p.int("MAX_TRANSIENT_RETRIES", 3),
		TransientDelay:      p.duration("TRANSIENT_DELAY", time.Second),
		RequestTimeout:      p.duration("REQUEST_TIMEOUT", 30*time.Second),
		ExhaustionPatience:  p.duration("EXHAUSTION_PATIENCE", time.Hour),

		StorageType: getEnv("STORAGE_TYPE", "sqlite"),
		SQLitePath:  getEnv("SQLITE_PATH", "./database/code_snippets.db"),
		PostgresURL: getEnv("POSTGRES_URL", ""),

		APIPort:     getEnv("API_PORT", "8080"),
		APIHost:     getEnv("API_HOST", "localhost"),
		APIEndpoint: getEnv("API_ENDPOINT", "http://localhost:8080"),
	}
	if p.err != nil {
		return nil, p.err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills values derived from other fields
func (c *Config) ApplyDefaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 2 * c.Workers
	}
	if c.Extension != "" && !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}
}

// getEnv returns the value of an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseTokens(raw string) []string {
	var tokens []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// parser reads typed environment values and keeps the first parse error
type parser struct {
	err error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, "must be an integer")
		return defaultValue
	}
	return v
}

func (p *parser) float(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, "must be a number")
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, "must be a duration such as 1s or 5m")
		return defaultValue
	}
	return v
}

func (p *parser) fail(field, message string) {
	if p.err == nil {
		p.err = &ConfigError{Field: field, Message: message}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return &ConfigError{Field: "SEARCH_QUERY", Message: "search query is required"}
	}
	if len(c.Tokens) == 0 {
		return &ConfigError{Field: "GITHUB_TOKENS", Message: "at least one GitHub token is required"}
	}
	if c.Extension == "" {
		return &ConfigError{Field: "TARGET_EXTENSION", Message: "target extension is required"}
	}
	if c.Workers < 1 || c.Workers > 64 {
		return &ConfigError{Field: "WORKERS", Message: "must be between 1 and 64"}
	}
	if c.QueueCapacity < 1 {
		return &ConfigError{Field: "QUEUE_CAPACITY", Message: "must be positive"}
	}
	if c.CommitBatchSize < 1 {
		return &ConfigError{Field: "COMMIT_BATCH_SIZE", Message: "must be positive"}
	}
	if c.SearchPerPage < 1 || c.SearchPerPage > 100 {
		return &ConfigError{Field: "SEARCH_PER_PAGE", Message: "must be between 1 and 100"}
	}
	if c.MaxRepos < 0 || c.MaxFilesPerRepo < 0 {
		return &ConfigError{Field: "MAX_REPOS", Message: "caps cannot be negative"}
	}
	if c.ReserveQuota < 0 {
		return &ConfigError{Field: "RESERVE_QUOTA", Message: "cannot be negative"}
	}
	if c.MaxQuota <= c.ReserveQuota || c.SearchMaxQuota <= c.ReserveQuota {
		return &ConfigError{Field: "MAX_QUOTA", Message: "must exceed the reserve quota"}
	}
	if c.MaxFailures < 1 {
		return &ConfigError{Field: "MAX_CONSECUTIVE_FAILURES", Message: "must be positive"}
	}
	if c.RequestsPerSecond <= 0 {
		return &ConfigError{Field: "REQUESTS_PER_SECOND", Message: "must be positive"}
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return &ConfigError{Field: "BACKOFF_CAP", Message: "backoff base must be positive and not exceed the cap"}
	}
	if c.MaxRateLimitRetries < 0 || c.MaxTransientRetries < 0 {
		return &ConfigError{Field: "MAX_TRANSIENT_RETRIES", Message: "retry counts cannot be negative"}
	}
	if c.RequestTimeout <= 0 || c.ExhaustionPatience <= 0 || c.FailureCooldown <= 0 {
		return &ConfigError{Field: "REQUEST_TIMEOUT", Message: "timeouts must be positive"}
	}
	switch c.StorageType {
	case "sqlite", "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORAGE_TYPE is 'postgres'"}
		}
	default:
		return &ConfigError{Field: "STORAGE_TYPE", Message: "must be 'sqlite', 'postgres' or 'memory'"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
